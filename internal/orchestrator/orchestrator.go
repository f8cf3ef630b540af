// Package orchestrator implements the Tool Orchestrator:
// parallel dispatch to ToolAdapters through the sandbox pool, per-tool
// timeouts, and order-preserving result aggregation.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"

	"github.com/ghostframe/orchestrator/internal/collab"
	"github.com/ghostframe/orchestrator/internal/model"
)

// SandboxHandle is an opaque lease on one sandbox execution environment.
type SandboxHandle interface{}

// SandboxPool is the subset of internal/sandbox.Pool the orchestrator
// depends on.
type SandboxPool interface {
	Acquire(ctx context.Context, timeout time.Duration) (SandboxHandle, error)
	Release(handle SandboxHandle)
	Execute(ctx context.Context, handle SandboxHandle, command string, timeout time.Duration) model.ToolResult
}

// Publisher is the subset of internal/eventbus.Bus the orchestrator uses to
// emit orchestrator:tool_start / orchestrator:tool_complete events.
type Publisher interface {
	Publish(channel string, payload any) error
}

// genericTemplates are hard-coded command templates used when a tool name
// has no registered adapter, mirroring the Python original's generic path.
var genericTemplates = map[string]string{
	"nmap":   "nmap -sV -T4 %s",
	"nuclei": "nuclei -u %s -severity critical,high,medium",
	"gobuster": "gobuster dir -u %s -w /usr/share/wordlists/common.txt",
}

// phaseDefaultOptions applies phase-specific default behavior (quick-scan
// in recon, version-detect in enumeration, severity-filter in
// vulnerability, aggressive settings in exploitation).
func phaseDefaultOptions(phase model.AttackPhase) collab.ToolCallOptions {
	switch phase {
	case model.PhaseRecon:
		return collab.ToolCallOptions{Args: map[string]any{"mode": "quick"}}
	case model.PhaseEnumeration:
		return collab.ToolCallOptions{Args: map[string]any{"mode": "version-detect"}}
	case model.PhaseVulnerability:
		return collab.ToolCallOptions{Args: map[string]any{"severity_filter": "high,critical"}}
	case model.PhaseExploitation:
		return collab.ToolCallOptions{Args: map[string]any{"mode": "aggressive"}}
	default:
		return collab.ToolCallOptions{}
	}
}

// Orchestrator is stateless between calls; it shares a sandbox pool and
// event bus with the rest of the engagement runtime.
type Orchestrator struct {
	pool    SandboxPool
	bus     Publisher
	tools   map[string]collab.ToolAdapter
}

// New constructs an Orchestrator over the given sandbox pool and event bus.
func New(pool SandboxPool, bus Publisher) *Orchestrator {
	return &Orchestrator{pool: pool, bus: bus, tools: make(map[string]collab.ToolAdapter)}
}

// Register adds a ToolAdapter to the registry, keyed by its Name().
func (o *Orchestrator) Register(adapter collab.ToolAdapter) {
	o.tools[adapter.Name()] = adapter
}

// GetAvailableTools lists the registered tool names.
func (o *Orchestrator) GetAvailableTools() []string {
	names := make([]string, 0, len(o.tools))
	for name := range o.tools {
		names = append(names, name)
	}
	return names
}

// RunTool looks up the adapter for toolName. If absent, it falls through
// to the generic path: a tool with a generic command template is launched
// in a sandbox, and only a tool with neither adapter nor template returns
// a failed ToolResult tagged unknown-tool without launching anything.
// Start and complete events are emitted only around adapter invocations,
// not around generic runs.
func (o *Orchestrator) RunTool(ctx context.Context, toolName, target string, opts collab.ToolCallOptions) model.ToolResult {
	adapter, ok := o.tools[toolName]
	if !ok {
		return o.runGeneric(ctx, toolName, target)
	}

	o.publish("orchestrator:tool_start", map[string]any{"tool": toolName, "target": target})
	result := o.invokeAdapter(ctx, adapter, target, opts)
	o.publish("orchestrator:tool_complete", map[string]any{"tool": toolName, "target": target, "success": result.Success})
	return result
}

func (o *Orchestrator) invokeAdapter(ctx context.Context, adapter collab.ToolAdapter, target string, opts collab.ToolCallOptions) model.ToolResult {
	timeout := time.Duration(adapter.DefaultTimeoutSeconds()) * time.Second
	start := time.Now()

	command, err := adapter.BuildCommand(target, opts)
	if err != nil {
		return model.ToolResult{
			ToolName:   adapter.Name(),
			Success:    false,
			ErrorClass: model.ErrClassExecutionFailure,
			Errors:     []string{err.Error()},
			WallTimeMs: time.Since(start).Milliseconds(),
		}
	}

	handle, err := o.pool.Acquire(ctx, timeout)
	if err != nil {
		return model.ToolResult{
			ToolName:   adapter.Name(),
			Success:    false,
			ErrorClass: model.ErrClassPoolExhausted,
			Errors:     []string{err.Error()},
			WallTimeMs: time.Since(start).Milliseconds(),
		}
	}
	defer o.pool.Release(handle)

	raw := o.pool.Execute(ctx, handle, command, timeout)
	if !raw.Success {
		raw.ToolName = adapter.Name()
		return raw
	}

	adapterResult, err := adapter.ParseOutput(raw.Stdout, raw.Stderr, raw.ExitCode)
	if err != nil {
		raw.Success = false
		raw.ErrorClass = model.ErrClassExecutionFailure
		raw.Errors = append(raw.Errors, err.Error())
		raw.ToolName = adapter.Name()
		return raw
	}

	raw.ToolName = adapter.Name()
	raw.Findings = toFindings(adapter.Name(), target, adapterResult.Findings)
	return raw
}

// rawFinding mirrors the loosely-typed JSON a ToolAdapter.ParseOutput
// returns; mapstructure.Decode fills it from the adapter's map[string]any
// without a chain of manual type assertions per field.
type rawFinding struct {
	Severity string `mapstructure:"severity"`
	Type     string `mapstructure:"type"`
	Evidence string `mapstructure:"evidence"`
	AgentID  string `mapstructure:"agent_id"`
}

func toFindings(tool, target string, raw []map[string]any) []model.Finding {
	findings := make([]model.Finding, 0, len(raw))
	now := time.Now().UTC().Format(time.RFC3339)
	for _, r := range raw {
		var rf rawFinding
		if err := mapstructure.Decode(r, &rf); err != nil {
			continue
		}
		if rf.AgentID == "" {
			rf.AgentID = uuid.NewString()
		}
		findings = append(findings, model.Finding{
			ID:        uuid.NewString(),
			Type:      rf.Type,
			Severity:  model.Severity(rf.Severity),
			Target:    target,
			Evidence:  rf.Evidence,
			AgentID:   rf.AgentID,
			Timestamp: now,
			Tool:      tool,
			Topic:     fmt.Sprintf("findings:%s:%s", model.TargetHash(target), rf.Type),
		})
	}
	return findings
}

// runGeneric runs a hard-coded command template for tools without a
// registered adapter, via the generic fallback path.
func (o *Orchestrator) runGeneric(ctx context.Context, toolName, target string) model.ToolResult {
	template, ok := genericTemplates[toolName]
	if !ok {
		return model.ToolResult{ToolName: toolName, Success: false, ErrorClass: model.ErrClassUnknownTool, Errors: []string{"unknown tool: " + toolName}}
	}
	handle, err := o.pool.Acquire(ctx, 30*time.Second)
	if err != nil {
		return model.ToolResult{ToolName: toolName, Success: false, ErrorClass: model.ErrClassPoolExhausted, Errors: []string{err.Error()}}
	}
	defer o.pool.Release(handle)
	result := o.pool.Execute(ctx, handle, fmt.Sprintf(template, target), 30*time.Second)
	result.ToolName = toolName
	return result
}

// RunParallel launches one task per tool concurrently and returns results
// in input order regardless of completion order. A panicking worker never
// crashes the others; its slot is filled with a synthesised failure result.
func (o *Orchestrator) RunParallel(ctx context.Context, target string, toolNames []string, opts collab.ToolCallOptions) []model.ToolResult {
	results := make([]model.ToolResult, len(toolNames))

	g, gCtx := errgroup.WithContext(ctx)
	for i, name := range toolNames {
		idx, toolName := i, name
		g.Go(func() error {
			results[idx] = o.runRecovered(gCtx, toolName, target, opts)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) runRecovered(ctx context.Context, toolName, target string, opts collab.ToolCallOptions) (result model.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			result = model.ToolResult{
				ToolName:   toolName,
				Success:    false,
				ErrorClass: model.ErrClassExecutionFailure,
				Errors:     []string{fmt.Sprintf("panic: %v", r)},
			}
		}
	}()
	return o.RunTool(ctx, toolName, target, opts)
}

// RunPhaseTools applies phase-specific default options and routes through
// the registry, falling back to the generic path for unregistered tools.
func (o *Orchestrator) RunPhaseTools(ctx context.Context, target string, phase model.AttackPhase, toolNames []string) []model.ToolResult {
	return o.RunParallel(ctx, target, toolNames, phaseDefaultOptions(phase))
}

// SmartScan runs a fixed two-phase recon-then-targeted flow: phase one's
// results select the tools for phase two.
func (o *Orchestrator) SmartScan(ctx context.Context, target string) []model.ToolResult {
	reconResults := o.RunParallel(ctx, target, []string{"nmap"}, collab.ToolCallOptions{})

	targeted := []string{"nuclei"}
	for _, r := range reconResults {
		for _, f := range r.Findings {
			if f.Type == "http_service" {
				targeted = append(targeted, "gobuster")
			}
		}
	}

	targetedResults := o.RunParallel(ctx, target, targeted, collab.ToolCallOptions{})
	return append(reconResults, targetedResults...)
}

func (o *Orchestrator) publish(channel string, payload any) {
	if o.bus == nil {
		return
	}
	_ = o.bus.Publish(channel, payload)
}

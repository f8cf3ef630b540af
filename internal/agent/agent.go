// Package agent implements the Attack Agent: the AI-directed
// per-iteration loop for one engagement (consult reasoner, run tools,
// integrate findings, re-derive phase).
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ghostframe/orchestrator/internal/collab"
	"github.com/ghostframe/orchestrator/internal/killchain"
	"github.com/ghostframe/orchestrator/internal/model"
)

// DefaultMaxIterations is the default bound on the agent's per-engagement
// loop, bounded with a default of 10 iterations.
const DefaultMaxIterations = 10

const maxParsedTools = 8

// synonyms is the small tool-name synonym table.
var synonyms = []struct {
	phrase string
	tool   string
}{
	{"port scan", "nmap"},
	{"port-scan", "nmap"},
	{"vulnerability", "nuclei"},
	{"vuln", "nuclei"},
	{"sql injection", "sqlmap"},
	{"sqli", "sqlmap"},
}

// ToolRunner is the subset of internal/orchestrator.Orchestrator the agent
// depends on.
type ToolRunner interface {
	RunParallel(ctx context.Context, target string, toolNames []string, opts collab.ToolCallOptions) []model.ToolResult
	GetAvailableTools() []string
}

// Publisher is the subset of internal/eventbus.Bus the agent uses for
// status and log events.
type Publisher interface {
	Publish(channel string, payload any) error
}

// HaltChecker is the subset of internal/halt.Switch the agent consults
// cooperatively at the top of every iteration.
type HaltChecker interface {
	CheckFrozen() error
}

// strategyDecision is the reasoner's parsed verdict for one iteration.
type strategyDecision struct {
	Status  string // "VETOED", "COMPLETE", or "" for a normal command
	Reason  string
	Command string
}

// Agent is the AI-directed attack loop for one engagement.
type Agent struct {
	ID           string
	reasoner     collab.Reasoner
	orchestrator ToolRunner
	bus          Publisher
	halt         HaltChecker
	kc           *killchain.KillChain
	log          *slog.Logger

	target   string
	active   atomic.Bool
	running  atomic.Bool
	context  *model.AttackContext
	findings []model.Finding

	// iteration is the next iteration number to run; it lives on the agent,
	// not on the loop, so the per-engagement iteration bound survives
	// Pause/Resume instead of resetting each time the loop goroutine
	// restarts.
	iteration     int
	maxIterations int
	runCtx        context.Context
}

// New constructs an Agent for one engagement.
func New(id string, reasoner collab.Reasoner, orchestrator ToolRunner, bus Publisher, haltSwitch HaltChecker, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	return &Agent{ID: id, reasoner: reasoner, orchestrator: orchestrator, bus: bus, halt: haltSwitch, log: log}
}

// Engage runs the AI-directed attack loop: the reasoner is consulted first
// each iteration, before any tools run. maxIterations bounds the
// engagement's entire lifetime, not just this call — Resume continues the
// same count rather than starting a fresh budget.
func (a *Agent) Engage(ctx context.Context, target string, maxIterations int) error {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	a.target = model.SanitizeTarget(target)
	a.maxIterations = maxIterations
	a.iteration = 1
	a.runCtx = ctx
	a.active.Store(true)
	a.context = model.NewAttackContext(a.target)
	a.kc = killchain.New(a.context)

	a.setStatus("initializing")
	a.logEvent(fmt.Sprintf("target acquired: %s", a.target), "INFO")

	return a.runLoop(ctx)
}

// runLoop drives iterations from a.iteration up to a.maxIterations.
// Pausing returns from runLoop without advancing a.iteration past the
// iteration it was about to start, so Resume relaunches runLoop and picks
// up exactly there. running guards against a second concurrent loop if
// Resume is called while one is already active.
func (a *Agent) runLoop(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return nil
	}
	defer a.running.Store(false)
	defer func() {
		a.active.Store(false)
		a.setStatus("idle")
	}()

	for ; a.iteration <= a.maxIterations; a.iteration++ {
		if err := a.halt.CheckFrozen(); err != nil {
			a.logEvent("halted by operator", "WARN")
			return nil
		}
		if !a.active.Load() {
			return nil
		}

		if ctx.Err() != nil {
			a.logEvent("attack cancelled by operator", "WARN")
			return nil
		}

		a.setStatus("thinking")
		decision, err := a.consultReasoner(ctx, a.iteration)
		if err != nil {
			a.log.Error("reasoner call failed", "error", err)
			a.logEvent(fmt.Sprintf("attack error: %s", err), "ERROR")
			return nil
		}

		if decision.Status == "VETOED" {
			a.logEvent(fmt.Sprintf("VETOED: %s", decision.Reason), "CRITIC")
			return nil
		}
		if decision.Status == "COMPLETE" {
			a.logEvent("objective achieved", "SUCCESS")
			return nil
		}

		a.setStatus("attacking")
		tools := a.parseToolsFromStrategy(decision.Command, a.iteration)
		a.logEvent(fmt.Sprintf("running tools: %v", tools), "INFO")

		results := a.orchestrator.RunParallel(ctx, a.target, tools, collab.ToolCallOptions{})

		a.setStatus("analyzing")
		a.integrateResults(results)

		time.Sleep(2 * time.Second)
	}

	a.logCompletion()
	return nil
}

func (a *Agent) consultReasoner(ctx context.Context, iteration int) (strategyDecision, error) {
	prompt := a.buildPromptContext(iteration)
	raw, err := a.reasoner.Decide(ctx, prompt, collab.ComplexityMedium)
	if err != nil {
		return strategyDecision{}, err
	}
	return parseDecision(raw), nil
}

// buildPromptContext builds the compact context view the reasoner needs:
// target, current phase, last-20 findings projected to
// {type, severity, name} (name carries the finding ID), total finding
// count and iteration number. The previous iteration's command is not
// included.
func (a *Agent) buildPromptContext(iteration int) string {
	recent := a.findings
	if len(recent) > 20 {
		recent = recent[len(recent)-20:]
	}
	projected := make([]map[string]string, 0, len(recent))
	for _, f := range recent {
		projected = append(projected, map[string]string{"type": f.Type, "severity": string(f.Severity), "name": f.ID})
	}
	view := map[string]any{
		"target":         a.target,
		"phase":          a.context.QuickPhase,
		"findings":       projected,
		"total_findings": len(a.findings),
		"iteration":      iteration,
	}
	data, _ := json.Marshal(view)
	return string(data)
}

// parseDecision interprets the reasoner's free text. VETOED/COMPLETE are
// recognized by a leading status word; anything else is treated as a
// command string carrying a recommended tool set.
func parseDecision(raw string) strategyDecision {
	trimmed := strings.TrimSpace(raw)
	upper := strings.ToUpper(trimmed)
	if strings.HasPrefix(upper, "VETOED") {
		reason := strings.TrimSpace(strings.TrimPrefix(trimmed, trimmed[:6]))
		return strategyDecision{Status: "VETOED", Reason: reason}
	}
	if strings.HasPrefix(upper, "COMPLETE") {
		return strategyDecision{Status: "COMPLETE"}
	}
	return strategyDecision{Command: trimmed}
}

// parseToolsFromStrategy implements the fallback chain from the
// ghost_agent.py's _parse_tools_from_strategy: JSON block first, then
// substring matching, then synonyms, then a hard fallback.
func (a *Agent) parseToolsFromStrategy(command string, iteration int) []string {
	available := make(map[string]bool)
	for _, t := range a.orchestrator.GetAvailableTools() {
		available[t] = true
	}

	if tools := parseJSONToolBlock(command, available); len(tools) > 0 {
		return tools
	}

	lower := strings.ToLower(command)
	var found []string
	seen := make(map[string]bool)
	addOnce := func(t string) {
		if !seen[t] {
			seen[t] = true
			found = append(found, t)
		}
	}
	for tool := range available {
		if strings.Contains(lower, tool) {
			addOnce(tool)
		}
	}
	for _, s := range synonyms {
		if strings.Contains(lower, s.phrase) {
			addOnce(s.tool)
		}
	}
	if len(found) > 0 {
		if len(found) > maxParsedTools {
			found = found[:maxParsedTools]
		}
		return found
	}

	if iteration == 1 {
		return []string{"nmap"}
	}
	return []string{"nuclei"}
}

// parseJSONToolBlock extracts a {"tools": [...], "reasoning": "..."} block
// embedded anywhere in command, validating each name against available.
func parseJSONToolBlock(command string, available map[string]bool) []string {
	start := strings.Index(command, "{")
	end := strings.LastIndex(command, "}")
	if start < 0 || end <= start {
		return nil
	}
	var parsed struct {
		Tools []string `json:"tools"`
	}
	if err := json.Unmarshal([]byte(command[start:end+1]), &parsed); err != nil {
		return nil
	}
	var valid []string
	for _, t := range parsed.Tools {
		if available[t] {
			valid = append(valid, t)
		}
	}
	if len(valid) > maxParsedTools {
		valid = valid[:maxParsedTools]
	}
	return valid
}

func (a *Agent) integrateResults(results []model.ToolResult) {
	var newFindings []model.Finding
	for _, r := range results {
		if r.Success {
			newFindings = append(newFindings, r.Findings...)
			a.logEvent(fmt.Sprintf("%s: %d findings", r.ToolName, len(r.Findings)), "SUCCESS")
		} else {
			msg := "failed"
			if len(r.Errors) > 0 {
				msg = r.Errors[0]
			}
			a.logEvent(fmt.Sprintf("%s: %s", r.ToolName, msg), "ERROR")
		}
	}

	for _, f := range newFindings {
		if f.Severity == model.SeverityCritical || f.Severity == model.SeverityHigh {
			a.publishBrain(fmt.Sprintf("[%s] %s", strings.ToUpper(string(f.Severity)), f.Type))
		}
	}

	a.findings = append(a.findings, newFindings...)
	a.kc.UpdateContext(model.PhaseResult{Phase: a.context.QuickPhase, Findings: newFindings})
	a.context.QuickPhase = a.determinePhase()
}

// determinePhase re-derives the agent's own quick-phase view from
// accumulated finding types, independent of the kill chain's authoritative
// transition logic.
func (a *Agent) determinePhase() model.AttackPhase {
	var hasPorts, hasVulns, hasCreds, hasShell bool
	for _, f := range a.findings {
		switch f.Type {
		case "port_scan":
			hasPorts = true
		case "vulnerability", "sqli", "rce":
			hasVulns = true
		case "credential":
			hasCreds = true
		case "shell":
			hasShell = true
		}
	}
	switch {
	case hasShell:
		return model.PhasePostExploit
	case hasCreds, hasVulns:
		return model.PhaseExploitation
	case hasPorts:
		return model.PhaseVulnerability
	default:
		return model.PhaseRecon
	}
}

// QuickAttack runs a fixed {nmap, nuclei} pair once, without consulting the
// reasoner.
func (a *Agent) QuickAttack(ctx context.Context, target string) []model.ToolResult {
	a.target = model.SanitizeTarget(target)
	a.active.Store(true)
	a.context = model.NewAttackContext(a.target)
	defer func() { a.active.Store(false); a.setStatus("idle") }()

	a.setStatus("quick_scan")
	results := a.orchestrator.RunParallel(ctx, a.target, []string{"nmap", "nuclei"}, collab.ToolCallOptions{})
	a.integrateResults(results)
	return results
}

func (a *Agent) logCompletion() {
	var critical, high int
	for _, f := range a.findings {
		switch f.Severity {
		case model.SeverityCritical:
			critical++
		case model.SeverityHigh:
			high++
		}
	}
	a.logEvent(fmt.Sprintf("attack complete: target=%s findings=%d critical=%d high=%d", a.target, len(a.findings), critical, high), "SUCCESS")
}

func (a *Agent) setStatus(status string) {
	if a.bus == nil {
		return
	}
	_ = a.bus.Publish("swarm:status", map[string]any{"agent_id": a.ID, "status": status})
}

func (a *Agent) logEvent(message, category string) {
	if a.bus == nil {
		return
	}
	_ = a.bus.Publish("swarm:log", map[string]any{"agent_id": a.ID, "category": category, "message": message})
	switch category {
	case "STRATEGY", "THINKING", "ERROR", "CRITIC":
		a.publishBrain(message)
	}
}

func (a *Agent) publishBrain(text string) {
	if a.bus == nil {
		return
	}
	_ = a.bus.Publish("swarm:brain", map[string]any{"text": text})
}

// Pause stops the attack loop at the next iteration boundary; runLoop
// returns without consuming the iteration it was about to start.
func (a *Agent) Pause() { a.active.Store(false) }

// Resume allows the attack loop to continue. Pause causes runLoop to
// return, so resuming after a pause relaunches it in a new goroutine;
// a.iteration carries the count forward so the bound still applies over
// the engagement's whole lifetime, not just this run.
func (a *Agent) Resume() {
	a.active.Store(true)
	go func() {
		defer func() { _ = recover() }()
		_ = a.runLoop(a.runCtx)
	}()
}

// Status is a snapshot of the agent's current state.
type Status struct {
	ID            string
	Target        string
	Active        bool
	Phase         model.AttackPhase
	FindingsCount int
}

// GetStatus returns a snapshot of the agent's current state.
func (a *Agent) GetStatus() Status {
	phase := model.PhaseRecon
	if a.context != nil {
		phase = a.context.QuickPhase
	}
	return Status{ID: a.ID, Target: a.target, Active: a.active.Load(), Phase: phase, FindingsCount: len(a.findings)}
}

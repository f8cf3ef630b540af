package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostframe/orchestrator/internal/collab"
	"github.com/ghostframe/orchestrator/internal/killchain"
	"github.com/ghostframe/orchestrator/internal/model"
)

type scriptedReasoner struct {
	decisions []string
	calls     int
}

func (r *scriptedReasoner) Decide(ctx context.Context, prompt string, tier collab.ComplexityTier) (string, error) {
	if r.calls >= len(r.decisions) {
		return "COMPLETE", nil
	}
	d := r.decisions[r.calls]
	r.calls++
	return d, nil
}

type fakeRunner struct {
	mu       sync.Mutex
	calls    [][]string
	findings []model.Finding
	tools    []string
}

func (f *fakeRunner) RunParallel(ctx context.Context, target string, toolNames []string, opts collab.ToolCallOptions) []model.ToolResult {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{}, toolNames...))
	f.mu.Unlock()

	results := make([]model.ToolResult, len(toolNames))
	for i, name := range toolNames {
		results[i] = model.ToolResult{ToolName: name, Success: true, Findings: f.findings}
	}
	return results
}

func (f *fakeRunner) GetAvailableTools() []string {
	if f.tools != nil {
		return f.tools
	}
	return []string{"nmap", "nuclei", "sqlmap", "gobuster"}
}

type recordingBus struct {
	mu        sync.Mutex
	published []struct {
		channel string
		payload any
	}
}

func (b *recordingBus) Publish(channel string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, struct {
		channel string
		payload any
	}{channel, payload})
	return nil
}

type alwaysUnfrozen struct{}

func (alwaysUnfrozen) CheckFrozen() error { return nil }

func validFinding(severity model.Severity, typ string) model.Finding {
	return model.Finding{
		ID:        "11111111-1111-1111-1111-111111111111",
		AgentID:   "22222222-2222-2222-2222-222222222222",
		Type:      typ,
		Severity:  severity,
		Target:    "example.com",
		Timestamp: "2026-01-01T00:00:00Z",
	}
}

func TestEngage_StopsOnVetoWithoutRunningTools(t *testing.T) {
	reasoner := &scriptedReasoner{decisions: []string{"VETOED: target out of scope"}}
	runner := &fakeRunner{}
	bus := &recordingBus{}

	a := New("agent-1", reasoner, runner, bus, alwaysUnfrozen{}, nil)
	err := a.Engage(context.Background(), "https://example.com/", 5)

	require.NoError(t, err)
	assert.Empty(t, runner.calls)
}

func TestEngage_StopsOnCompleteAfterOneIteration(t *testing.T) {
	reasoner := &scriptedReasoner{decisions: []string{"run nmap then nuclei", "COMPLETE"}}
	runner := &fakeRunner{}
	bus := &recordingBus{}

	a := New("agent-1", reasoner, runner, bus, alwaysUnfrozen{}, nil)
	err := a.Engage(context.Background(), "example.com", 5)

	require.NoError(t, err)
	assert.Len(t, runner.calls, 1)
}

func TestEngage_RespectsMaxIterations(t *testing.T) {
	reasoner := &scriptedReasoner{decisions: []string{"scan", "scan", "scan", "scan", "scan"}}
	runner := &fakeRunner{}
	bus := &recordingBus{}

	a := New("agent-1", reasoner, runner, bus, alwaysUnfrozen{}, nil)
	err := a.Engage(context.Background(), "example.com", 3)

	require.NoError(t, err)
	assert.Len(t, runner.calls, 3)
}

type frozenAfterFirst struct{ count int }

func (f *frozenAfterFirst) CheckFrozen() error {
	f.count++
	if f.count > 1 {
		return assert.AnError
	}
	return nil
}

func TestEngage_StopsWhenHalted(t *testing.T) {
	reasoner := &scriptedReasoner{decisions: []string{"scan", "scan", "scan"}}
	runner := &fakeRunner{}
	bus := &recordingBus{}

	a := New("agent-1", reasoner, runner, bus, &frozenAfterFirst{}, nil)
	err := a.Engage(context.Background(), "example.com", 5)

	require.NoError(t, err)
	assert.Len(t, runner.calls, 1)
}

func TestParseToolsFromStrategy_JSONBlockWins(t *testing.T) {
	runner := &fakeRunner{}
	a := New("agent-1", &scriptedReasoner{}, runner, &recordingBus{}, alwaysUnfrozen{}, nil)

	tools := a.parseToolsFromStrategy(`reasoning: go wide {"tools": ["nmap", "sqlmap", "not-a-real-tool"]}`, 2)

	assert.ElementsMatch(t, []string{"nmap", "sqlmap"}, tools)
}

func TestParseToolsFromStrategy_SubstringMatch(t *testing.T) {
	runner := &fakeRunner{}
	a := New("agent-1", &scriptedReasoner{}, runner, &recordingBus{}, alwaysUnfrozen{}, nil)

	tools := a.parseToolsFromStrategy("I will run gobuster against the target", 2)

	assert.Contains(t, tools, "gobuster")
}

func TestParseToolsFromStrategy_SynonymFallback(t *testing.T) {
	runner := &fakeRunner{}
	a := New("agent-1", &scriptedReasoner{}, runner, &recordingBus{}, alwaysUnfrozen{}, nil)

	tools := a.parseToolsFromStrategy("time to attempt sql injection on the login form", 2)

	assert.Contains(t, tools, "sqlmap")
}

func TestParseToolsFromStrategy_HardFallbackByIteration(t *testing.T) {
	runner := &fakeRunner{}
	a := New("agent-1", &scriptedReasoner{}, runner, &recordingBus{}, alwaysUnfrozen{}, nil)

	assert.Equal(t, []string{"nmap"}, a.parseToolsFromStrategy("no idea what to do", 1))
	assert.Equal(t, []string{"nuclei"}, a.parseToolsFromStrategy("no idea what to do", 2))
}

func TestParseToolsFromStrategy_CapsAtEight(t *testing.T) {
	runner := &fakeRunner{tools: []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}}
	a := New("agent-1", &scriptedReasoner{}, runner, &recordingBus{}, alwaysUnfrozen{}, nil)

	tools := a.parseToolsFromStrategy("run a b c d e f g h i j", 2)

	assert.LessOrEqual(t, len(tools), maxParsedTools)
}

func TestIntegrateResults_PublishesBrainForCriticalAndHigh(t *testing.T) {
	runner := &fakeRunner{findings: []model.Finding{
		validFinding(model.SeverityCritical, "vulnerability"),
		validFinding(model.SeverityInfo, "port_scan"),
	}}
	bus := &recordingBus{}
	a := New("agent-1", &scriptedReasoner{}, runner, bus, alwaysUnfrozen{}, nil)
	a.context = model.NewAttackContext("example.com")
	a.kc = killchain.New(a.context)

	a.integrateResults(runner.RunParallel(context.Background(), "example.com", []string{"nuclei"}, collab.ToolCallOptions{}))

	found := false
	for _, p := range bus.published {
		if p.channel == "swarm:brain" {
			found = true
		}
	}
	assert.True(t, found)
	assert.Len(t, a.findings, 2)
}

func TestDeterminePhase_ShellWinsOverEverythingElse(t *testing.T) {
	a := New("agent-1", &scriptedReasoner{}, &fakeRunner{}, &recordingBus{}, alwaysUnfrozen{}, nil)
	a.findings = []model.Finding{
		validFinding(model.SeverityInfo, "port_scan"),
		validFinding(model.SeverityHigh, "vulnerability"),
		validFinding(model.SeverityCritical, "shell"),
	}

	assert.Equal(t, model.PhasePostExploit, a.determinePhase())
}

func TestQuickAttack_RunsFixedToolPair(t *testing.T) {
	runner := &fakeRunner{}
	a := New("agent-1", &scriptedReasoner{}, runner, &recordingBus{}, alwaysUnfrozen{}, nil)

	a.QuickAttack(context.Background(), "http://example.com/")

	require.Len(t, runner.calls, 1)
	assert.ElementsMatch(t, []string{"nmap", "nuclei"}, runner.calls[0])
}

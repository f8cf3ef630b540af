package sandbox

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ghostframe/orchestrator/internal/model"
)

// Fixture is a pre-canned tool output keyed by tool name, loaded from the
// fixture set and replayed instead of executing anything real. Mirrors
// container_pool.py's FixtureLoader.
type Fixture struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// MockBackend replays fixtures keyed by the tool name found at the start
// of the command string. Used for tests and dev.
type MockBackend struct {
	Fixtures map[string]Fixture
}

// NewMockBackend constructs a MockBackend with the given fixture set. A
// nil or empty set falls back to a generic successful stub per tool.
func NewMockBackend(fixtures map[string]Fixture) *MockBackend {
	return &MockBackend{Fixtures: fixtures}
}

func (b *MockBackend) Spawn(ctx context.Context, engagementID string) (*Handle, error) {
	return &Handle{ID: uuid.NewString(), EngagementID: engagementID, backendState: "mock"}, nil
}

func (b *MockBackend) Healthy(ctx context.Context, h *Handle) bool { return true }

func (b *MockBackend) Stop(ctx context.Context, h *Handle) error { return nil }

func (b *MockBackend) Execute(ctx context.Context, h *Handle, command string, timeout time.Duration) model.ToolResult {
	start := time.Now()
	tool := firstWord(command)

	fixture, ok := b.Fixtures[tool]
	if !ok {
		fixture = Fixture{Stdout: "mock output for " + tool, ExitCode: 0}
	}

	return model.ToolResult{
		ToolName:   tool,
		Success:    fixture.ExitCode == 0,
		Stdout:     fixture.Stdout,
		Stderr:     fixture.Stderr,
		ExitCode:   fixture.ExitCode,
		WallTimeMs: time.Since(start).Milliseconds(),
		ErrorClass: errorClassFor(fixture.ExitCode),
	}
}

func errorClassFor(exitCode int) model.ToolErrorClass {
	if exitCode == 0 {
		return ""
	}
	return model.ErrClassNonZeroExit
}

func firstWord(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		return s[:idx]
	}
	return s
}

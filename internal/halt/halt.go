// Package halt implements the tri-path emergency stop: an
// atomic frozen flag set synchronously before three best-effort halt paths
// (broadcast, signal, sandbox) run concurrently, each under its own
// deadline.
package halt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ghostframe/orchestrator/internal/ghosterrors"
)

// Budgets for the three halt paths, matching the Python original exactly.
const (
	BroadcastBudget = 500 * time.Millisecond
	SignalBudget    = 300 * time.Millisecond
	SandboxBudget   = 600 * time.Millisecond
)

// Broadcaster publishes a kill message to the event bus's control channel.
// Implemented by internal/eventbus, whose BroadcastHalt returns an error
// when no broker is connected. A nil Broadcaster skips the path; in both
// cases the broadcast path is recorded as false.
type Broadcaster interface {
	BroadcastHalt(ctx context.Context, reason string) error
}

// SignalSender delivers a process-group termination signal. "Already gone"
// must be treated as success by the implementation.
type SignalSender interface {
	SendHaltSignal(ctx context.Context) error
}

// SandboxStopper stops (or force-kills) all sandboxes labelled with an
// engagement id. Implemented by internal/sandbox.
type SandboxStopper interface {
	StopEngagementSandboxes(ctx context.Context, engagementID string) error
}

// PathResult is the per-path outcome recorded in a Result.
type PathResult struct {
	Broadcast bool `json:"broadcast"`
	Signal    bool `json:"signal"`
	Sandbox   bool `json:"sandbox"`
}

// Result is the aggregate outcome of one Trigger call.
type Result struct {
	Success    bool       `json:"success"`
	DurationMs int64      `json:"duration_ms"`
	Paths      PathResult `json:"paths"`
}

// Switch is an emergency halt with one frozen flag of its own. The flag is
// per Switch, not per process: internal/app builds one Switch per
// engagement, so triggering one engagement's Switch does not freeze the
// agents of other engagements.
type Switch struct {
	frozen       atomic.Bool
	broadcaster  Broadcaster
	signaler     SignalSender
	sandboxes    SandboxStopper
	engagementID string
	log          *slog.Logger
}

// New constructs a Switch wired to its three halt-path collaborators.
// engagementID scopes the sandbox-stop path; broadcaster/signaler/sandboxes
// may individually be nil, in which case that path is skipped.
func New(engagementID string, broadcaster Broadcaster, signaler SignalSender, sandboxes SandboxStopper, log *slog.Logger) *Switch {
	if log == nil {
		log = slog.Default()
	}
	return &Switch{broadcaster: broadcaster, signaler: signaler, sandboxes: sandboxes, engagementID: engagementID, log: log}
}

// IsFrozen reports the current value of the frozen flag.
func (s *Switch) IsFrozen() bool { return s.frozen.Load() }

// CheckFrozen is called by agents before each step. It fails with
// ErrHaltTriggered once the flag is set, and never recovers.
func (s *Switch) CheckFrozen() error {
	if s.frozen.Load() {
		return ghosterrors.ErrHaltTriggered
	}
	return nil
}

// Trigger sets the frozen flag synchronously, then runs the three halt
// paths concurrently, each under its own deadline. No path's panic or
// error is allowed to propagate out of Trigger.
func (s *Switch) Trigger(ctx context.Context, reason, who string) Result {
	start := time.Now()

	// Step 1: synchronously, before anything else. Subsequent CheckFrozen
	// calls fail immediately.
	s.frozen.Store(true)
	s.log.Warn("halt triggered", "reason", reason, "who", who)

	var paths PathResult
	done := make(chan struct{}, 3)

	go func() {
		defer func() { recover(); done <- struct{}{} }()
		paths.Broadcast = s.runBroadcast(ctx, reason)
	}()
	go func() {
		defer func() { recover(); done <- struct{}{} }()
		paths.Signal = s.runSignal(ctx)
	}()
	go func() {
		defer func() { recover(); done <- struct{}{} }()
		paths.Sandbox = s.runSandbox(ctx)
	}()

	for i := 0; i < 3; i++ {
		<-done
	}

	return Result{
		Success:    true, // reflects that the flag was set; paths are informational
		DurationMs: time.Since(start).Milliseconds(),
		Paths:      paths,
	}
}

func (s *Switch) runBroadcast(ctx context.Context, reason string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("halt broadcast path panicked", "recover", r)
			ok = false
		}
	}()
	if s.broadcaster == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, BroadcastBudget)
	defer cancel()
	if err := s.broadcaster.BroadcastHalt(cctx, reason); err != nil {
		s.log.Warn("halt broadcast path failed", "error", err)
		return false
	}
	return true
}

func (s *Switch) runSignal(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("halt signal path panicked", "recover", r)
			ok = false
		}
	}()
	if s.signaler == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, SignalBudget)
	defer cancel()
	if err := s.signaler.SendHaltSignal(cctx); err != nil {
		s.log.Warn("halt signal path failed", "error", err)
		return false
	}
	return true
}

func (s *Switch) runSandbox(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("halt sandbox path panicked", "recover", r)
			ok = false
		}
	}()
	if s.sandboxes == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, SandboxBudget)
	defer cancel()
	if err := s.sandboxes.StopEngagementSandboxes(cctx, s.engagementID); err != nil {
		s.log.Warn("halt sandbox path failed", "error", err)
		return false
	}
	return true
}

// Reset clears the frozen flag. Used only by tests and by a fresh Switch
// constructed for a new engagement; once triggered in production the flag
// is never recovered: safety-path errors are never swallowed.
func (s *Switch) Reset() { s.frozen.Store(false) }

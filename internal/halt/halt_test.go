package halt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroadcaster struct{ err error }

func (f *fakeBroadcaster) BroadcastHalt(ctx context.Context, reason string) error { return f.err }

type fakeSignaler struct{ err error }

func (f *fakeSignaler) SendHaltSignal(ctx context.Context) error { return f.err }

type fakeSandboxes struct{ err error }

func (f *fakeSandboxes) StopEngagementSandboxes(ctx context.Context, engagementID string) error {
	return f.err
}

func TestTrigger_AllPathsSucceed(t *testing.T) {
	sw := New("eng-1", &fakeBroadcaster{}, &fakeSignaler{}, &fakeSandboxes{}, nil)
	require.False(t, sw.IsFrozen())

	result := sw.Trigger(context.Background(), "operator stop", "op")

	assert.True(t, result.Success)
	assert.True(t, result.Paths.Broadcast)
	assert.True(t, result.Paths.Signal)
	assert.True(t, result.Paths.Sandbox)
	assert.LessOrEqual(t, result.DurationMs, int64(1000))
	assert.True(t, sw.IsFrozen())
}

type frozenProbe struct {
	sw  *Switch
	saw bool
}

func (p *frozenProbe) BroadcastHalt(ctx context.Context, reason string) error {
	p.saw = p.sw.IsFrozen()
	return nil
}

func TestTrigger_FrozenSetBeforePathsRun(t *testing.T) {
	probe := &frozenProbe{}
	sw := New("eng-1", probe, &fakeSignaler{}, &fakeSandboxes{}, nil)
	probe.sw = sw
	require.NoError(t, sw.CheckFrozen())

	done := make(chan struct{})
	go func() {
		sw.Trigger(context.Background(), "x", "op")
		close(done)
	}()
	<-done

	assert.True(t, probe.saw, "broadcast path ran before the frozen flag was set")
	err := sw.CheckFrozen()
	require.Error(t, err)
}

func TestTrigger_PathFailuresDoNotPropagate(t *testing.T) {
	sw := New("eng-1",
		&fakeBroadcaster{err: errors.New("broker down")},
		&fakeSignaler{err: errors.New("no such process")},
		&fakeSandboxes{err: errors.New("docker down")},
		nil,
	)

	result := sw.Trigger(context.Background(), "x", "op")
	assert.True(t, result.Success)
	assert.False(t, result.Paths.Broadcast)
	assert.False(t, result.Paths.Signal)
	assert.False(t, result.Paths.Sandbox)
}

func TestTrigger_NilCollaboratorsSkipped(t *testing.T) {
	sw := New("eng-1", nil, nil, nil, nil)
	result := sw.Trigger(context.Background(), "x", "op")
	assert.True(t, result.Success)
	assert.False(t, result.Paths.Broadcast)
}

func TestTrigger_RespectsPathBudgets(t *testing.T) {
	slowBroadcaster := &slowBroadcast{delay: 2 * time.Second}
	sw := New("eng-1", slowBroadcaster, &fakeSignaler{}, &fakeSandboxes{}, nil)

	start := time.Now()
	result := sw.Trigger(context.Background(), "x", "op")
	elapsed := time.Since(start)

	// The broadcast path's own context should time out at its 500ms budget,
	// not block Trigger for the full 2s the collaborator tries to sleep.
	assert.Less(t, elapsed, 1500*time.Millisecond)
	assert.False(t, result.Paths.Broadcast)
}

type slowBroadcast struct{ delay time.Duration }

func (s *slowBroadcast) BroadcastHalt(ctx context.Context, reason string) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

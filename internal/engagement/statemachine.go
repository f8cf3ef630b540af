// Package engagement implements the Engagement Session Manager: one
// state machine per engagement plus the manager that creates, tracks,
// and tears down engagements. Modeled on the reference implementation's
// session-manager integration test suite (its state_machine.py /
// session_manager.py sources themselves were not available, only their
// tests).
package engagement

import (
	"sync"
	"time"

	"github.com/ghostframe/orchestrator/internal/ghosterrors"
	"github.com/ghostframe/orchestrator/internal/model"
)

// Transition is one state change event, delivered to subscribers over a
// channel rather than a callback list ("prefer an
// explicit event channel out of the state machine to which observers
// subscribe, not free-form callback lists... a stuck observer cannot
// block a transition").
type Transition struct {
	EngagementID string
	From         model.LifecycleState
	To           model.LifecycleState
	At           time.Time
}

// subscriberBuffer is the per-subscriber channel depth; a transition that
// would block on a full subscriber channel is dropped for that subscriber
// rather than blocking the transition itself.
const subscriberBuffer = 16

// StateMachine tracks one engagement's lifecycle state and history, and
// fans out transitions to subscribers without ever blocking on them.
type StateMachine struct {
	engagementID string

	mu      sync.Mutex
	current model.LifecycleState
	history []model.StateTransition

	subMu     sync.Mutex
	subs      map[int]chan Transition
	nextSubID int
}

// NewStateMachine starts a state machine for engagementID in INITIALIZING,
// matching the original's "history starts with an INITIALIZING entry"
// invariant.
func NewStateMachine(engagementID string) *StateMachine {
	sm := &StateMachine{
		engagementID: engagementID,
		current:      model.StateInitializing,
		subs:         make(map[int]chan Transition),
	}
	sm.history = append(sm.history, model.StateTransition{State: model.StateInitializing, Timestamp: time.Now().UTC()})
	return sm
}

// Current returns the current lifecycle state.
func (sm *StateMachine) Current() model.LifecycleState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// History returns a copy of the recorded transition history.
func (sm *StateMachine) History() []model.StateTransition {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]model.StateTransition, len(sm.history))
	copy(out, sm.history)
	return out
}

// Transition attempts from -> to; on success it records history and
// broadcasts to subscribers. Rejects with ghosterrors.ErrInvalidStateTransition
// wrapping the (from, to) pair on an illegal edge, leaving state and
// history unchanged.
func (sm *StateMachine) Transition(to model.LifecycleState) error {
	sm.mu.Lock()
	from := sm.current
	if !model.IsLegalTransition(from, to) {
		sm.mu.Unlock()
		return ghosterrors.InvalidTransition(string(from), string(to))
	}
	sm.current = to
	now := time.Now().UTC()
	sm.history = append(sm.history, model.StateTransition{State: to, Timestamp: now})
	sm.mu.Unlock()

	sm.broadcast(Transition{EngagementID: sm.engagementID, From: from, To: to, At: now})
	return nil
}

// Subscribe registers a new observer channel. The returned unsubscribe
// func is idempotent.
func (sm *StateMachine) Subscribe() (<-chan Transition, func()) {
	sm.subMu.Lock()
	defer sm.subMu.Unlock()
	sm.nextSubID++
	id := sm.nextSubID
	ch := make(chan Transition, subscriberBuffer)
	sm.subs[id] = ch
	unsubscribe := func() {
		sm.subMu.Lock()
		defer sm.subMu.Unlock()
		if existing, ok := sm.subs[id]; ok {
			delete(sm.subs, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

func (sm *StateMachine) broadcast(t Transition) {
	sm.subMu.Lock()
	defer sm.subMu.Unlock()
	for _, ch := range sm.subs {
		select {
		case ch <- t:
		default:
			// A slow subscriber never blocks a transition; it misses this
			// event and picks up the next one.
		}
	}
}

// Start transitions INITIALIZING -> RUNNING.
func (sm *StateMachine) Start() error { return sm.Transition(model.StateRunning) }

// Pause transitions RUNNING -> PAUSED.
func (sm *StateMachine) Pause() error { return sm.Transition(model.StatePaused) }

// Resume transitions PAUSED -> RUNNING.
func (sm *StateMachine) Resume() error { return sm.Transition(model.StateRunning) }

// Stop transitions RUNNING or PAUSED -> STOPPED.
func (sm *StateMachine) Stop() error { return sm.Transition(model.StateStopped) }

// Complete transitions STOPPED -> COMPLETED.
func (sm *StateMachine) Complete() error { return sm.Transition(model.StateCompleted) }

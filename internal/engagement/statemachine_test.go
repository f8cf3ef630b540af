package engagement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostframe/orchestrator/internal/model"
)

func TestNew_StartsInitializingWithHistory(t *testing.T) {
	sm := NewStateMachine("eng-1")
	assert.Equal(t, model.StateInitializing, sm.Current())
	require.Len(t, sm.History(), 1)
	assert.Equal(t, model.StateInitializing, sm.History()[0].State)
}

func TestTransition_ValidUpdatesStateAndHistory(t *testing.T) {
	sm := NewStateMachine("eng-1")
	require.NoError(t, sm.Start())
	assert.Equal(t, model.StateRunning, sm.Current())
	assert.Len(t, sm.History(), 2)
}

func TestTransition_InvalidLeavesStateUnchanged(t *testing.T) {
	sm := NewStateMachine("eng-1")
	err := sm.Pause()
	require.Error(t, err)
	assert.Equal(t, model.StateInitializing, sm.Current())
	assert.Len(t, sm.History(), 1)
}

func TestConvenienceMethods_FullLifecycle(t *testing.T) {
	sm := NewStateMachine("eng-1")
	require.NoError(t, sm.Start())
	require.NoError(t, sm.Pause())
	require.NoError(t, sm.Resume())
	require.NoError(t, sm.Stop())
	require.NoError(t, sm.Complete())
	assert.Equal(t, model.StateCompleted, sm.Current())
}

func TestSubscribe_ReceivesTransition(t *testing.T) {
	sm := NewStateMachine("eng-1")
	ch, unsubscribe := sm.Subscribe()
	defer unsubscribe()

	require.NoError(t, sm.Start())

	select {
	case tr := <-ch:
		assert.Equal(t, model.StateInitializing, tr.From)
		assert.Equal(t, model.StateRunning, tr.To)
	case <-time.After(time.Second):
		t.Fatal("expected a transition event")
	}
}

func TestSubscribe_UnsubscribeStopsDelivery(t *testing.T) {
	sm := NewStateMachine("eng-1")
	ch, unsubscribe := sm.Subscribe()
	unsubscribe()

	require.NoError(t, sm.Start())

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestSubscribe_SlowSubscriberNeverBlocksTransition(t *testing.T) {
	sm := NewStateMachine("eng-1")
	_, unsubscribe := sm.Subscribe() // never drained
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		_ = sm.Start()
		_ = sm.Pause()
		_ = sm.Resume()
		_ = sm.Stop()
		_ = sm.Complete()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transitions blocked on an undrained subscriber")
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	sm := NewStateMachine("eng-1")
	ch1, unsub1 := sm.Subscribe()
	ch2, unsub2 := sm.Subscribe()
	defer unsub1()
	defer unsub2()

	require.NoError(t, sm.Start())

	<-ch1
	<-ch2
}

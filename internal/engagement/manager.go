// manager.go implements the Session Manager: the
// internal API the Control-Plane Server calls to create, run, and tear
// down engagements, and the subscription fan-out that drives client
// streaming.
package engagement

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghostframe/orchestrator/internal/ghosterrors"
	"github.com/ghostframe/orchestrator/internal/model"
)

// AgentRunner is the subset of internal/agent.Agent the Session Manager
// drives. Declared here (not imported from internal/agent) so this
// package has no compile-time dependency on the agent's construction
// details — the manager is handed a ready-to-run AgentRunner per
// engagement by its caller's agentFactory.
type AgentRunner interface {
	Engage(ctx context.Context, target string, maxIterations int) error
	Pause()
	Resume()
}

// Preflight is the subset of internal/preflight.Runner the manager
// consults before starting an engagement.
type Preflight interface {
	Validate(ctx context.Context, acceptWarnings bool) error
}

// CheckpointStore is the subset of internal/checkpoint.Store the manager
// uses to persist state synchronously on stop and during shutdown.
type CheckpointStore interface {
	Save(ctx context.Context, engagementID string, snapshot map[string]any) error
}

// Publisher is the subset of internal/eventbus.Bus the manager forwards
// engagement events to, for external consumers (audit, metrics) beyond
// its own subscriber fan-out.
type Publisher interface {
	Publish(channel string, payload any) error
}

// AgentFactory builds a fresh AgentRunner for one engagement, wired with a
// Publisher scoped to that engagement (so the agent's swarm:* events land
// only on this engagement's subscribers).
type AgentFactory func(engagementID, target string, publisher Publisher) AgentRunner

// Engagement is one tracked engagement's manager-side bookkeeping.
type Engagement struct {
	ID         string
	ConfigPath string
	Target     string
	SM         *StateMachine
	CreatedAt  time.Time

	mu    sync.Mutex
	subs  map[string]func(model.StreamEvent)
	agent AgentRunner
	cancel context.CancelFunc

	findingsCount int
}

func (e *Engagement) deliver(ev model.StreamEvent) {
	e.mu.Lock()
	callbacks := make([]func(model.StreamEvent), 0, len(e.subs))
	for _, cb := range e.subs {
		callbacks = append(callbacks, cb)
	}
	if ev.EventType == "finding" {
		e.findingsCount++
	}
	e.mu.Unlock()

	for _, cb := range callbacks {
		deliverSafely(cb, ev)
	}
}

// deliverSafely runs one subscriber callback under a recover adapter,
// applied on every delivery, so a panicking subscriber neither crashes the
// caller nor stops delivery to the other subscribers.
func deliverSafely(cb func(model.StreamEvent), ev model.StreamEvent) {
	defer func() { _ = recover() }()
	cb(ev)
}

// Summary is the list()-shape view of one engagement.
type Summary struct {
	ID        string
	State     model.LifecycleState
	Target    string
	CreatedAt time.Time
}

// Manager owns the set of live engagements for one daemon process.
type Manager struct {
	mu          sync.Mutex
	engagements map[string]*Engagement
	order       []string

	maxActive   int
	preflight   Preflight
	checkpoints CheckpointStore
	agentFactory AgentFactory
	externalBus Publisher
	log         *slog.Logger
}

// New constructs a Session Manager. preflight and checkpoints may be nil
// (skipped) for tests; agentFactory must not be nil once Start is used.
func New(maxActive int, preflight Preflight, checkpoints CheckpointStore, agentFactory AgentFactory, externalBus Publisher, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if maxActive <= 0 {
		maxActive = 10
	}
	return &Manager{
		engagements:  make(map[string]*Engagement),
		maxActive:    maxActive,
		preflight:    preflight,
		checkpoints:  checkpoints,
		agentFactory: agentFactory,
		externalBus:  externalBus,
		log:          log,
	}
}

func (m *Manager) activeCount() int {
	n := 0
	for _, e := range m.engagements {
		switch e.SM.Current() {
		case model.StateStopped, model.StateCompleted:
		default:
			n++
		}
	}
	return n
}

// Create allocates a new engagement identifier and state machine in
// INITIALIZING, enforcing the max_active limit.
func (m *Manager) Create(configPath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeCount() >= m.maxActive {
		return "", ghosterrors.New(ghosterrors.KindResource, "create", fmt.Errorf("Maximum active engagements reached (%d)", m.maxActive))
	}

	id := uuid.NewString()
	target := strings.TrimSuffix(filepath.Base(configPath), filepath.Ext(configPath))
	e := &Engagement{
		ID:         id,
		ConfigPath: configPath,
		Target:     target,
		SM:         NewStateMachine(id),
		CreatedAt:  time.Now().UTC(),
		subs:       make(map[string]func(model.StreamEvent)),
	}
	m.engagements[id] = e
	m.order = append(m.order, id)
	return id, nil
}

func (m *Manager) lookup(id string) (*Engagement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engagements[id]
	if !ok {
		return nil, ghosterrors.NotFound(id)
	}
	return e, nil
}

// Start runs the preflight runner, then transitions INITIALIZING->RUNNING
// and spawns the agent. Only legal from INITIALIZING.
func (m *Manager) Start(ctx context.Context, id string, acceptWarnings bool) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if e.SM.Current() != model.StateInitializing {
		return ghosterrors.InvalidTransition(string(e.SM.Current()), string(model.StateRunning))
	}

	if m.preflight != nil {
		if err := m.preflight.Validate(ctx, acceptWarnings); err != nil {
			return err
		}
	}

	if err := e.SM.Start(); err != nil {
		return err
	}

	if m.agentFactory != nil {
		publisher := &engagementPublisher{e: e, external: m.externalBus}
		agentCtx, cancel := context.WithCancel(context.Background())
		e.mu.Lock()
		e.agent = m.agentFactory(e.ID, e.Target, publisher)
		e.cancel = cancel
		agent := e.agent
		e.mu.Unlock()

		go func() {
			defer func() { _ = recover() }()
			_ = agent.Engage(agentCtx, e.Target, 0)
		}()
	}

	e.deliver(model.StreamEvent{EventType: "state_change", Data: map[string]any{"state": string(model.StateRunning)}})
	return nil
}

// Pause transitions RUNNING->PAUSED and pauses the live agent.
func (m *Manager) Pause(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := e.SM.Pause(); err != nil {
		return err
	}
	e.mu.Lock()
	agent := e.agent
	e.mu.Unlock()
	if agent != nil {
		agent.Pause()
	}
	e.deliver(model.StreamEvent{EventType: "state_change", Data: map[string]any{"state": string(model.StatePaused)}})
	return nil
}

// Resume transitions PAUSED->RUNNING and resumes the live agent.
func (m *Manager) Resume(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := e.SM.Resume(); err != nil {
		return err
	}
	e.mu.Lock()
	agent := e.agent
	e.mu.Unlock()
	if agent != nil {
		agent.Resume()
	}
	e.deliver(model.StreamEvent{EventType: "state_change", Data: map[string]any{"state": string(model.StateRunning)}})
	return nil
}

// Stop synchronously persists a checkpoint, then transitions to STOPPED
// and cancels the live agent's context.
func (m *Manager) Stop(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	if m.checkpoints != nil {
		if err := m.checkpoints.Save(ctx, id, m.snapshotData(e)); err != nil {
			m.log.Warn("checkpoint save failed before stop", "engagement_id", id, "error", err)
		}
	}

	if err := e.SM.Stop(); err != nil {
		return err
	}

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	e.deliver(model.StreamEvent{EventType: "state_change", Data: map[string]any{"state": string(model.StateStopped)}})
	return nil
}

// Subscribe registers a callback for one engagement's stream events,
// returning a subscription id. Subscriptions survive pause/resume.
func (m *Manager) Subscribe(id string, callback func(model.StreamEvent)) (string, error) {
	e, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	subID := uuid.NewString()
	e.mu.Lock()
	e.subs[subID] = callback
	e.mu.Unlock()
	return subID, nil
}

// Unsubscribe removes a previously registered subscription.
func (m *Manager) Unsubscribe(id, subID string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.subs, subID)
	e.mu.Unlock()
	return nil
}

// List returns a summary of every tracked engagement in creation order.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.order))
	for _, id := range m.order {
		e, ok := m.engagements[id]
		if !ok {
			continue
		}
		out = append(out, Summary{ID: e.ID, State: e.SM.Current(), Target: e.Target, CreatedAt: e.CreatedAt})
	}
	return out
}

// Get returns one engagement's summary, or false if unknown.
func (m *Manager) Get(id string) (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engagements[id]
	if !ok {
		return Summary{}, false
	}
	return Summary{ID: e.ID, State: e.SM.Current(), Target: e.Target, CreatedAt: e.CreatedAt}, true
}

// Remove forgets an engagement entirely.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engagements[id]; !ok {
		return ghosterrors.NotFound(id)
	}
	delete(m.engagements, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Manager) snapshotData(e *Engagement) map[string]any {
	return map[string]any{
		"engagement_id": e.ID,
		"state":         string(e.SM.Current()),
		"target":        e.Target,
	}
}

// ShutdownReport is graceful_shutdown's per-engagement result.
type ShutdownReport struct {
	EngagementID string
	Errors       []string
}

// GracefulShutdown transitions every tracked engagement RUNNING->PAUSED->
// STOPPED, persists checkpoints, and emits daemon_shutdown to every
// subscriber before the streams close. Completes or force-cleans-up
// within timeout.
func (m *Manager) GracefulShutdown(ctx context.Context, timeout time.Duration) []ShutdownReport {
	m.mu.Lock()
	ids := append([]string{}, m.order...)
	m.mu.Unlock()

	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reports := make([]ShutdownReport, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(idx int, engagementID string) {
			defer wg.Done()
			reports[idx] = m.shutdownOne(deadline, engagementID)
		}(i, id)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-deadline.Done():
		m.log.Warn("graceful shutdown deadline exceeded, forcing cleanup")
		m.forceCleanupAll(ids)
	}
	return reports
}

func (m *Manager) shutdownOne(ctx context.Context, id string) ShutdownReport {
	report := ShutdownReport{EngagementID: id}
	e, err := m.lookup(id)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	switch e.SM.Current() {
	case model.StateRunning:
		if err := m.Pause(id); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
		fallthrough
	case model.StatePaused:
		if err := m.Stop(ctx, id); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}

	e.deliver(model.StreamEvent{EventType: "daemon_shutdown", Data: map[string]any{"engagement_id": id}})

	e.mu.Lock()
	e.subs = make(map[string]func(model.StreamEvent))
	e.mu.Unlock()
	return report
}

func (m *Manager) forceCleanupAll(ids []string) {
	for _, id := range ids {
		e, err := m.lookup(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		if e.cancel != nil {
			e.cancel()
		}
		e.subs = make(map[string]func(model.StreamEvent))
		e.mu.Unlock()
	}
}

// engagementPublisher adapts an agent's raw channel/payload publishes into
// StreamEvents scoped to one engagement's subscribers, and optionally
// forwards the raw event onward to an external bus (audit, metrics).
type engagementPublisher struct {
	e        *Engagement
	external Publisher
}

func (p *engagementPublisher) Publish(channel string, payload any) error {
	p.e.deliver(model.StreamEvent{EventType: classifyChannel(channel), Data: toDataMap(payload)})
	if p.external != nil {
		return p.external.Publish(channel, payload)
	}
	return nil
}

// classifyChannel maps a publish channel to one of the closed stream
// event_type set: state_change, agent_status, finding,
// log, heartbeat, daemon_shutdown.
func classifyChannel(channel string) string {
	switch {
	case strings.HasPrefix(channel, "findings:"):
		return "finding"
	case channel == "swarm:status":
		return "agent_status"
	case channel == "swarm:log", channel == "swarm:brain":
		return "log"
	case strings.HasPrefix(channel, "orchestrator:"), strings.HasPrefix(channel, "killchain:"):
		return "log"
	default:
		return "log"
	}
}

func toDataMap(payload any) map[string]any {
	if m, ok := payload.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": payload}
}

// Package app wires the daemon's full component graph from a loaded
// Config: sandbox pool, tool orchestrator, event bus, checkpoint store,
// preflight runner, engagement manager, and the control-plane server.
// Modeled on Hector's pkg/server.Server lifecycle (initialize, start
// transport, run until signalled, clean up), generalized from its
// A2A/gRPC transport pair to a single control-plane socket.
package app

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ghostframe/orchestrator/internal/agent"
	"github.com/ghostframe/orchestrator/internal/checkpoint"
	"github.com/ghostframe/orchestrator/internal/config"
	"github.com/ghostframe/orchestrator/internal/engagement"
	"github.com/ghostframe/orchestrator/internal/eventbus"
	"github.com/ghostframe/orchestrator/internal/halt"
	"github.com/ghostframe/orchestrator/internal/ipc"
	"github.com/ghostframe/orchestrator/internal/metrics"
	"github.com/ghostframe/orchestrator/internal/model"
	"github.com/ghostframe/orchestrator/internal/orchestrator"
	"github.com/ghostframe/orchestrator/internal/preflight"
	"github.com/ghostframe/orchestrator/internal/reasonerclient"
	"github.com/ghostframe/orchestrator/internal/sandbox"
)

// Application holds the daemon's fully wired component graph.
type Application struct {
	cfg              *config.Config
	log              *slog.Logger
	metricsCollector *metrics.Metrics

	bus     *eventbus.Bus
	manager *engagement.Manager
	server  *ipc.Server
}

// Build constructs the full component graph from cfg, but does not yet
// bind the control-plane socket.
func Build(cfg *config.Config, log *slog.Logger) (*Application, error) {
	if log == nil {
		log = slog.Default()
	}

	redisClient := redis.NewClient(&redis.Options{Addr: addrFromURL(cfg.EventBus.RedisURL)})
	broker := eventbus.NewRedisBroker(redisClient)
	audit := eventbus.NewPulseAuditStream(redisClient)
	auditSecret := sha256.Sum256([]byte(cfg.EventBus.RedisURL + cfg.Socket.Path))
	bus := eventbus.New(broker, audit, auditSecret[:], log)

	reasoner := reasonerclient.New(cfg.Reasoner.APIBase, cfg.Reasoner.APIKey)

	redisOpts := preflight.RedisOptions{
		URL:           cfg.EventBus.RedisURL,
		SentinelAddrs: cfg.EventBus.SentinelAddrs,
		MasterName:    cfg.EventBus.MasterName,
	}
	preflightRunner := preflight.NewDefaultRunner(
		redisOpts,
		reasoner.Ping,
		cfg.Storage.ScopePath,
		cfg.C2.Enabled,
		cfg.C2.CertPath,
		cfg.Storage.CheckpointDir,
	)

	checkpointStore := checkpoint.New(cfg.Storage.CheckpointDir, checkpoint.CurrentSchemaVersion, log)
	checkpointAdapter := &checkpointAdapter{store: checkpointStore, scopePath: cfg.Storage.ScopePath}

	m := metrics.New()

	agentFactory := func(engagementID, target string, publisher engagement.Publisher) engagement.AgentRunner {
		pool := sandbox.New(sandboxBackend(cfg.Sandbox), cfg.Sandbox.PoolSize, engagementID, log)
		poolAdapter := &sandboxPoolAdapter{pool: pool}

		pub := publisherAdapter{publisher}
		orch := orchestrator.New(poolAdapter, pub)
		haltSwitch := halt.New(engagementID, bus, halt.NewProcessGroupSignaler(), poolAdapter, log)

		return agent.New(engagementID, reasoner, orch, pub, haltSwitch, log)
	}

	manager := engagement.New(cfg.Engagement.MaxActive, preflightRunner, checkpointAdapter, agentFactory, bus, log)

	server := ipc.New(cfg.Socket.Path, cfg.Socket.Path+".pid", manager, cfg.Engagement.ShutdownDeadline, log)

	return &Application{cfg: cfg, log: log, metricsCollector: m, bus: bus, manager: manager, server: server}, nil
}

// Serve runs the control-plane server until ctx is cancelled.
func (a *Application) Serve(ctx context.Context) error {
	return a.server.Serve(ctx)
}

// Shutdown gracefully stops every tracked engagement then closes the
// control-plane server.
func (a *Application) Shutdown(ctx context.Context) {
	a.server.Shutdown(ctx)
}

// Metrics exposes the daemon's Prometheus registry.
func (a *Application) Metrics() *metrics.Metrics { return a.metricsCollector }

func addrFromURL(url string) string {
	if url == "" {
		return "localhost:6379"
	}
	return url
}

func sandboxBackend(cfg config.SandboxConfig) sandbox.Backend {
	if cfg.Mode == "real" {
		return sandbox.NewContainerBackend(sandbox.DefaultContainerBackendConfig(cfg.Image))
	}
	return sandbox.NewMockBackend(nil)
}

// publisherAdapter narrows engagement.Publisher to agent.Publisher /
// orchestrator.Publisher, which share the same single-method shape.
type publisherAdapter struct {
	p engagement.Publisher
}

func (a publisherAdapter) Publish(channel string, payload any) error {
	return a.p.Publish(channel, payload)
}

// checkpointAdapter adapts checkpoint.Store's (scopePath, agents, findings)
// signature to engagement.CheckpointStore's generic snapshot map. The
// manager only ever calls Save with its own bookkeeping snapshot, so agents
// and findings are passed as nil; the on-disk checkpoint format still
// reserves those fields for a future richer snapshot.
type checkpointAdapter struct {
	store     *checkpoint.Store
	scopePath string
}

func (c *checkpointAdapter) Save(ctx context.Context, engagementID string, snapshot map[string]any) error {
	_, err := c.store.Save(ctx, engagementID, c.scopePath, nil, nil)
	return err
}

// sandboxPoolAdapter adapts *sandbox.Pool's concrete *sandbox.Handle to
// orchestrator.SandboxPool's opaque SandboxHandle, and independently
// satisfies halt.SandboxStopper (StopEngagementSandboxes already matches
// that interface on the concrete Pool).
type sandboxPoolAdapter struct {
	pool *sandbox.Pool
}

func (a *sandboxPoolAdapter) Acquire(ctx context.Context, timeout time.Duration) (orchestrator.SandboxHandle, error) {
	return a.pool.Acquire(ctx, timeout)
}

func (a *sandboxPoolAdapter) Release(h orchestrator.SandboxHandle) {
	handle, ok := h.(*sandbox.Handle)
	if !ok {
		return
	}
	a.pool.Release(handle)
}

func (a *sandboxPoolAdapter) Execute(ctx context.Context, h orchestrator.SandboxHandle, command string, timeout time.Duration) model.ToolResult {
	handle, ok := h.(*sandbox.Handle)
	if !ok {
		return model.ToolResult{ErrorClass: model.ErrClassExecutionFailure}
	}
	return a.pool.Execute(ctx, handle, command, timeout)
}

func (a *sandboxPoolAdapter) StopEngagementSandboxes(ctx context.Context, engagementID string) error {
	return a.pool.StopEngagementSandboxes(ctx, engagementID)
}

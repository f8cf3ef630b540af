// Package sandbox implements the Sandbox Pool: a fixed-size
// pool of isolated execution environments with health checks and
// asynchronous replacement, mirroring the reference implementation's pool
// semantics, and on Hector's pkg/plugins.PluginRegistry for the
// health-check-loop / unhealthy-replacement shape.
package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghostframe/orchestrator/internal/ghosterrors"
	"github.com/ghostframe/orchestrator/internal/model"
)

// Handle is an opaque lease on one sandbox execution environment.
type Handle struct {
	ID           string
	EngagementID string
	backendState any
}

// Backend spawns, executes in, health-checks, and stops one sandbox
// environment. Two implementations are provided: a mock fixture replayer
// (for tests and dev) and a real, container-backed implementation.
type Backend interface {
	Spawn(ctx context.Context, engagementID string) (*Handle, error)
	Execute(ctx context.Context, h *Handle, command string, timeout time.Duration) model.ToolResult
	Healthy(ctx context.Context, h *Handle) bool
	Stop(ctx context.Context, h *Handle) error
}

// Pool is a fixed-size pool of Handles drawn from a Backend. Acquisitions
// are FIFO on the free queue; there is no affinity between tool invocation
// and specific handles.
type Pool struct {
	backend      Backend
	size         int
	engagementID string
	log          *slog.Logger

	mu       sync.Mutex
	all      map[string]*Handle
	free     chan *Handle
	inUse    int32
	shutdown atomic.Bool
}

// New constructs a Pool of the given size over backend, scoped to one
// engagement (sandboxes are labelled with this id for the halt path's
// StopEngagementSandboxes).
func New(backend Backend, size int, engagementID string, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		backend:      backend,
		size:         size,
		engagementID: engagementID,
		log:          log,
		all:          make(map[string]*Handle),
		free:         make(chan *Handle, size),
	}
}

// Initialize pre-warms all N handles in parallel.
func (p *Pool) Initialize(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, p.size)
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			h, err := p.backend.Spawn(ctx, p.engagementID)
			if err != nil {
				errs[idx] = err
				return
			}
			p.mu.Lock()
			p.all[h.ID] = h
			p.mu.Unlock()
			p.free <- h
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Acquire returns a free handle, blocking on the free queue up to timeout.
// On timeout it fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case h := <-p.free:
		atomic.AddInt32(&p.inUse, 1)
		return h, nil
	case <-cctx.Done():
		return nil, ghosterrors.New(ghosterrors.KindResource, "acquire", ghosterrors.ErrPoolExhausted)
	}
}

// Release returns the handle to the pool. If it is unhealthy, it is
// destroyed and a replacement is spawned asynchronously; Release itself
// never blocks on the replacement.
func (p *Pool) Release(h *Handle) {
	atomic.AddInt32(&p.inUse, -1)
	if p.shutdown.Load() {
		return
	}

	if p.backend.Healthy(context.Background(), h) {
		p.free <- h
		return
	}

	p.log.Warn("sandbox unhealthy on release, replacing", "handle", h.ID)
	p.mu.Lock()
	delete(p.all, h.ID)
	p.mu.Unlock()
	_ = p.backend.Stop(context.Background(), h)

	go func() {
		replacement, err := p.backend.Spawn(context.Background(), p.engagementID)
		if err != nil {
			p.log.Warn("sandbox replacement spawn failed", "error", err)
			return
		}
		p.mu.Lock()
		p.all[replacement.ID] = replacement
		p.mu.Unlock()
		if !p.shutdown.Load() {
			p.free <- replacement
		}
	}()
}

// Execute runs one command inside the sandbox. It never raises: every
// failure mode is encoded in the returned ToolResult via its error-class
// tag.
func (p *Pool) Execute(ctx context.Context, h *Handle, command string, timeout time.Duration) model.ToolResult {
	return p.backend.Execute(ctx, h, command, timeout)
}

// Pressure reports the fraction of handles currently in use (0.0-1.0).
func (p *Pool) Pressure() float64 {
	if p.size == 0 {
		return 0
	}
	return float64(atomic.LoadInt32(&p.inUse)) / float64(p.size)
}

// Shutdown stops all tracked handles in parallel, including ones still in
// the free queue.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdown.Store(true)
	close(p.free)

	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.all))
	for _, h := range p.all {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			if err := p.backend.Stop(ctx, h); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	return firstErr
}

// StopEngagementSandboxes implements internal/halt.SandboxStopper: it lists
// all sandboxes for this pool's engagement and stops each, treating
// already-gone sandboxes as success.
func (p *Pool) StopEngagementSandboxes(ctx context.Context, engagementID string) error {
	if engagementID != p.engagementID {
		return nil
	}
	return p.Shutdown(ctx)
}

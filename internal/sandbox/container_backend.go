// container_backend.go is the real (non-mock) Sandbox Pool backend: one
// ephemeral, network-namespace-isolated container per handle, run via
// testcontainers-go, mirroring the reference implementation's RealContainer
// (no network namespace by default, minimum capability set for raw-packet
// tools) and on nevindra-oasis/code/subprocess.go's exit-code/timeout
// handling idiom.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/testcontainers/testcontainers-go"

	"github.com/ghostframe/orchestrator/internal/model"
)

// ContainerBackendConfig configures the real sandbox backend.
type ContainerBackendConfig struct {
	Image        string
	NetworkMode  string // empty leaves Docker's default network; "none" gives no network
	CapAdd       []string
	WorkDir      string
}

// DefaultContainerBackendConfig matches the original's "no network
// namespace by default, minimum capability set for raw-packet tools"
// (NET_RAW/NET_ADMIN for nmap-class tools).
func DefaultContainerBackendConfig(image string) ContainerBackendConfig {
	return ContainerBackendConfig{
		Image:       image,
		NetworkMode: "none",
		CapAdd:      []string{"NET_RAW", "NET_ADMIN"},
	}
}

// ContainerBackend runs sandboxes as real containers via testcontainers-go.
type ContainerBackend struct {
	cfg ContainerBackendConfig
}

// NewContainerBackend constructs the real, container-backed Backend.
func NewContainerBackend(cfg ContainerBackendConfig) *ContainerBackend {
	return &ContainerBackend{cfg: cfg}
}

type containerState struct {
	container testcontainers.Container
}

func (b *ContainerBackend) Spawn(ctx context.Context, engagementID string) (*Handle, error) {
	req := testcontainers.ContainerRequest{
		Image:      b.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WaitingFor: nil,
		Labels: map[string]string{
			"ghostframe.engagement": engagementID,
		},
		HostConfigModifier: func(hc *container.HostConfig) {
			if b.cfg.NetworkMode != "" {
				hc.NetworkMode = container.NetworkMode(b.cfg.NetworkMode)
			}
			hc.CapAdd = append(hc.CapAdd, b.cfg.CapAdd...)
		},
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: spawn container: %w", err)
	}

	id := c.GetContainerID()
	return &Handle{ID: id, EngagementID: engagementID, backendState: &containerState{container: c}}, nil
}

func (b *ContainerBackend) Healthy(ctx context.Context, h *Handle) bool {
	state, ok := h.backendState.(*containerState)
	if !ok {
		return false
	}
	return state.container.IsRunning()
}

func (b *ContainerBackend) Stop(ctx context.Context, h *Handle) error {
	state, ok := h.backendState.(*containerState)
	if !ok {
		return nil
	}
	// Already-gone containers are treated as a clean stop, mirroring the
	// original's "if already gone, record success" rule.
	if err := state.container.Terminate(ctx); err != nil && state.container.IsRunning() {
		return err
	}
	return nil
}

func (b *ContainerBackend) Execute(ctx context.Context, h *Handle, command string, timeout time.Duration) model.ToolResult {
	start := time.Now()
	state, ok := h.backendState.(*containerState)
	if !ok {
		return model.ToolResult{Success: false, ErrorClass: model.ErrClassSandboxCrashed, Errors: []string{"sandbox: handle has no container state"}}
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode, reader, err := state.container.Exec(cctx, []string{"sh", "-c", command})
	wallTime := time.Since(start).Milliseconds()

	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return model.ToolResult{Success: false, ErrorClass: model.ErrClassTimeout, WallTimeMs: wallTime, Errors: []string{fmt.Sprintf("execution timed out after %s", timeout)}}
		}
		return model.ToolResult{Success: false, ErrorClass: model.ErrClassSandboxCrashed, WallTimeMs: wallTime, Errors: []string{err.Error()}}
	}

	var stdout []byte
	if reader != nil {
		stdout, _ = io.ReadAll(reader)
	}

	result := model.ToolResult{
		Stdout:     string(stdout),
		ExitCode:   exitCode,
		WallTimeMs: wallTime,
		Success:    exitCode == 0,
	}
	if exitCode != 0 {
		result.ErrorClass = model.ErrClassNonZeroExit
	}
	return result
}

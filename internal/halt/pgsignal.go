package halt

import (
	"context"
	"errors"
	"syscall"
)

// ProcessGroupSignaler sends SIGTERM to the calling process's process
// group, implementing the halt switch's signal path. "Already gone"
// (ESRCH) is treated as success.
type ProcessGroupSignaler struct{}

// NewProcessGroupSignaler constructs a ProcessGroupSignaler.
func NewProcessGroupSignaler() *ProcessGroupSignaler {
	return &ProcessGroupSignaler{}
}

// SendHaltSignal implements SignalSender.
func (ProcessGroupSignaler) SendHaltSignal(ctx context.Context) error {
	err := syscall.Kill(-syscall.Getpgrp(), syscall.SIGTERM)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

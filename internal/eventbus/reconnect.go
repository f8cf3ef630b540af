// reconnect.go owns the background reconnection loop for the broker: an
// explicit exponential backoff with jitter (base 1s, cap 10s, +-10%), per
// flushing the degraded-mode buffer once the broker is reachable
// again.
package eventbus

import (
	"context"
	"math/rand"
	"time"
)

const (
	backoffBase = time.Second
	backoffCap  = 10 * time.Second
	jitterFrac  = 0.10
)

// ReconnectLoop runs until ctx is cancelled, periodically pinging the
// broker and flushing the buffer on reconnection.
func (b *Bus) ReconnectLoop(ctx context.Context, ping func(context.Context) error) {
	backoff := backoffBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered(backoff)):
		}

		if ping == nil {
			continue
		}
		if err := ping(ctx); err != nil {
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
			continue
		}

		backoff = backoffBase
		b.FlushBuffer(ctx)
	}
}

func jittered(d time.Duration) time.Duration {
	delta := float64(d) * jitterFrac
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

package internal

import (
	"context"
	"time"
)

// DefaultCallTimeout bounds an outbound provider call when none is configured.
const DefaultCallTimeout = 30 * time.Second

// WithTimeout bounds ctx by duration, or DefaultCallTimeout when duration is not positive.
func WithTimeout(ctx context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if duration <= 0 {
		duration = DefaultCallTimeout
	}
	return context.WithTimeout(ctx, duration)
}

// Detached keeps the values of ctx but drops its deadline and cancellation.
// Used to persist the outcome of a provider call after the caller has gone away.
func Detached(ctx context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	return WithTimeout(context.WithoutCancel(ctx), duration)
}

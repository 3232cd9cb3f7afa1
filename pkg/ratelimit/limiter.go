package ratelimit

import (
	"context"
	"time"
)

// Limiter is a fixed-window limiter over a shared CounterStore.
type Limiter struct {
	store CounterStore
}

func NewLimiter(store CounterStore) *Limiter {
	return &Limiter{store: store}
}

// TryAcquire takes one slot of key's current window. It never blocks: a false
// result means the caller must reschedule its work. Exactly limit calls
// succeed per window regardless of concurrency because the increment and
// the expiry are a single atomic store operation.
func (l *Limiter) TryAcquire(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	n, err := l.store.IncrWithTTL(ctx, key, window)
	if err != nil {
		return false, err
	}
	return n <= int64(limit), nil
}

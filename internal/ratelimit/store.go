package ratelimit

import (
	"context"
	"errors"
	"time"
)

var ErrStoreUnavailable = errors.New("rate_limit_store_unavailable")

// CounterStore holds fixed-window request counters shared by every replica.
type CounterStore interface {
	// Take increments key only while its count is below capacity and returns
	// the resulting count. The check and the increment are one atomic step.
	Take(ctx context.Context, key string, capacity int64, ttl time.Duration) (count int64, allowed bool, err error)
	// Peek returns the current count without consuming.
	Peek(ctx context.Context, key string) (int64, error)
}

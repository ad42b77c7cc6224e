package ratelimit

import (
	"context"
	"time"
)

// Store holds window counters. Implementations must make Take atomic per key
// for exact enforcement.
type Store interface {
	// Take consumes one request from key if its count is below limit. A new
	// key is created with count 1 and the given ttl. A rejected take does not
	// change the count.
	Take(ctx context.Context, key string, limit int64, ttl time.Duration) (count int64, admitted bool, err error)
	// Peek returns the current count without consuming; 0 when absent.
	Peek(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
}

package ratelimit

import (
	"context"
	"time"

	"github.com/johnrirwin/keygate/internal/cache"
)

// MemoryStore keeps counters in process memory. It is exact within one
// process and knows nothing about other replicas.
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore wraps c; counters use per-key TTLs so c's default TTL is
// unused.
func NewMemoryStore(c *cache.Cache) *MemoryStore {
	return &MemoryStore{cache: c}
}

func (s *MemoryStore) Take(_ context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	var admitted bool
	v := s.cache.Update(key, ttl, func(current interface{}, ok bool) (interface{}, bool) {
		var count int64
		if ok {
			count = current.(int64)
		}
		if count >= limit {
			return count, false
		}
		admitted = true
		return count + 1, true
	})

	count, _ := v.(int64)
	return count, admitted, nil
}

func (s *MemoryStore) Peek(_ context.Context, key string) (int64, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return 0, nil
	}
	return v.(int64), nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

var _ Store = (*MemoryStore)(nil)

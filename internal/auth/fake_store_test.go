package auth

import (
	"context"
	"sync"
	"time"

	"github.com/johnrirwin/keygate/internal/models"
)

// fakeKeyStore is an in-memory KeyStore.
type fakeKeyStore struct {
	mu        sync.Mutex
	keys      map[string]*models.APIKey
	lookupErr error
	touchErr  error
	lookups   int
	touched   map[string]time.Time
	block     chan struct{}
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{
		keys:    make(map[string]*models.APIKey),
		touched: make(map[string]time.Time),
	}
}

func (f *fakeKeyStore) add(raw string, key models.APIKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key.KeyHash = Digest(raw)
	f.keys[key.KeyHash] = &key
}

func (f *fakeKeyStore) GetByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	key, ok := f.keys[keyHash]
	if !ok {
		return nil, nil
	}
	copied := *key
	return &copied, nil
}

func (f *fakeKeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touchErr != nil {
		return f.touchErr
	}
	f.touched[id] = at
	return nil
}

func (f *fakeKeyStore) touchedAt(id string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.touched[id]
	return at, ok
}

func (f *fakeKeyStore) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (c *countingRecorder) RecordAuth(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = make(map[string]int)
	}
	c.outcomes[outcome]++
}

func (c *countingRecorder) count(outcome string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes[outcome]
}

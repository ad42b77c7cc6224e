package cache

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(clock *fakeClock) *Cache {
	return New(WithClock(clock.Now), WithoutJanitor())
}

func incr(current interface{}, ok bool) (interface{}, bool) {
	if !ok {
		return int64(1), true
	}
	return current.(int64) + 1, true
}

func TestCache_UpdateGetExpire(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(clock)

	c.Update("a", time.Minute, incr)
	c.Update("b", 10*time.Second, incr)

	if v, ok := c.Get("a"); !ok || v != int64(1) {
		t.Fatalf("Get(a) = %v, %v; want 1, true", v, ok)
	}

	clock.Advance(10 * time.Second)
	if _, ok := c.Get("b"); ok {
		t.Fatal("b should be expired exactly at its TTL")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a should still be live")
	}

	clock.Advance(time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("a should be expired")
	}
}

func TestCache_UpdateKeepsExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(clock)

	if got := c.Update("n", 30*time.Second, incr); got != int64(1) {
		t.Fatalf("first Update = %v, want 1", got)
	}
	clock.Advance(20 * time.Second)
	if got := c.Update("n", 30*time.Second, incr); got != int64(2) {
		t.Fatalf("second Update = %v, want 2", got)
	}

	clock.Advance(9 * time.Second)
	if v, ok := c.Get("n"); !ok || v != int64(2) {
		t.Fatalf("Get before expiry = %v, %v; want 2, true", v, ok)
	}

	// Expiry is fixed by the first Update, not extended by the second.
	clock.Advance(time.Second)
	if got := c.Update("n", 30*time.Second, incr); got != int64(1) {
		t.Fatalf("Update after expiry = %v, want 1", got)
	}
}

func TestCache_UpdateWithoutStore(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(clock)

	got := c.Update("missing", time.Minute, func(current interface{}, ok bool) (interface{}, bool) {
		return "ignored", false
	})
	if got != nil {
		t.Fatalf("Update = %v, want nil", got)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("Update with store=false should not create an entry")
	}
}

func TestCache_UpdateConcurrent(t *testing.T) {
	c := New(WithoutJanitor())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Update("n", time.Minute, incr)
		}()
	}
	wg.Wait()

	if v, _ := c.Get("n"); v != int64(100) {
		t.Fatalf("counter = %v, want 100", v)
	}
}

func TestCache_RemoveExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(clock)

	c.Update("short", time.Second, incr)
	c.Update("long", time.Hour, incr)
	clock.Advance(2 * time.Second)
	c.removeExpired()

	if len(c.items) != 1 {
		t.Fatalf("items = %d, want 1", len(c.items))
	}
	if _, ok := c.items["long"]; !ok {
		t.Fatal("long should survive cleanup")
	}
}

func TestCache_StopTwice(t *testing.T) {
	c := New()
	c.Stop()
	c.Stop()
}

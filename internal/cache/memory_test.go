package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryStore_SetAndGet(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	if err := s.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("Get = (%q, %v, %v), want (v, true, nil)", v, ok, err)
	}

	clock.Advance(time.Minute)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("entry should expire exactly at ttl")
	}
}

func TestMemoryStore_SetNX(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	ok, _ := s.SetNX(ctx, "claim", "a", 2*time.Minute)
	if !ok {
		t.Fatal("first SetNX should succeed")
	}
	ok, _ = s.SetNX(ctx, "claim", "b", 2*time.Minute)
	if ok {
		t.Error("second SetNX within ttl should fail")
	}

	clock.Advance(2 * time.Minute)
	ok, _ = s.SetNX(ctx, "claim", "c", 2*time.Minute)
	if !ok {
		t.Error("SetNX after expiry should succeed")
	}
}

func TestMemoryStore_SetNX_ConcurrentSingleWinner(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.SetNX(ctx, "k", "v", time.Minute); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestMemoryStore_DeleteAndSweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	s.Set(ctx, "a", "1", time.Second)
	s.Set(ctx, "b", "2", time.Hour)
	s.Set(ctx, "c", "3", 0)
	s.Delete(ctx, "b")

	clock.Advance(time.Minute)
	if removed := s.Sweep(); removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1 (entry without ttl remains)", s.Len())
	}
}

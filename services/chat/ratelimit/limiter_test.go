// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	badgerstore "github.com/AleutianAI/portfolio-chat/services/chat/storage/badger"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	// Anchored to the real clock so backends with wall-clock TTLs agree.
	return &fakeClock{now: time.Now().UTC().Truncate(24 * time.Hour).Add(9 * time.Hour)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "ratelimit.json"))
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, "")
		},
		"badger": func(t *testing.T) Store {
			db, err := badgerstore.OpenDB(badgerstore.InMemoryConfig())
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return NewBadgerStore(db)
		},
	}
}

func TestLimiter_QuotaLifecycle(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			store := factory(t)
			l := New(store, Config{MaxRequests: 10, Now: clock.Now})
			ctx := context.Background()

			for i := 1; i <= 10; i++ {
				d, err := l.CheckAndConsume(ctx, "203.0.113.7")
				require.NoError(t, err)
				assert.True(t, d.Allowed, "request %d", i)
				assert.Equal(t, 10-i, d.Remaining, "request %d", i)
				assert.Equal(t, i, d.Count)
			}

			d, err := l.CheckAndConsume(ctx, "203.0.113.7")
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, 0, d.Remaining)
			assert.ErrorIs(t, d.Err(), ErrQuotaExceeded)

			// Denied requests do not move the count.
			peek, err := l.Peek(ctx, "203.0.113.7")
			require.NoError(t, err)
			assert.Equal(t, 10, peek.Count)

			// Other identifiers are independent.
			other, err := l.CheckAndConsume(ctx, "198.51.100.1")
			require.NoError(t, err)
			assert.True(t, other.Allowed)
			assert.Equal(t, 9, other.Remaining)

			// A new window starts over at 1.
			clock.Advance(24 * time.Hour)
			d, err = l.CheckAndConsume(ctx, "203.0.113.7")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, 1, d.Count)
			assert.Equal(t, 9, d.Remaining)
		})
	}
}

func TestLimiter_ConcurrentConsumeNeverExceedsLimit(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			l := New(factory(t), Config{MaxRequests: 10, Now: newFakeClock().Now})

			var allowed atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := l.CheckAndConsume(context.Background(), "same-caller")
					if assert.NoError(t, err) && d.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.EqualValues(t, 10, allowed.Load())
		})
	}
}

func TestLimiter_WindowAlignment(t *testing.T) {
	l := New(NewMemoryStore(), Config{})
	at := time.Date(2025, 3, 14, 23, 59, 59, 0, time.FixedZone("X", 3*3600))

	start, end := l.Window(at)
	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), end)
}

func TestLimiter_ResetAt(t *testing.T) {
	clock := newFakeClock()
	l := New(NewMemoryStore(), Config{MaxRequests: 1, Now: clock.Now})

	d, err := l.CheckAndConsume(context.Background(), "a")
	require.NoError(t, err)
	_, end := l.Window(clock.Now())
	assert.Equal(t, end, d.ResetAt)
	assert.True(t, d.ResetAt.After(clock.Now()))
}

func TestLimiter_Sweep(t *testing.T) {
	for _, name := range []string{"memory", "file"} {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			store := storeFactories()[name](t)
			l := New(store, Config{Now: clock.Now})
			ctx := context.Background()

			_, err := l.CheckAndConsume(ctx, "old")
			require.NoError(t, err)

			// One window later the record is stale but not yet sweepable.
			clock.Advance(24 * time.Hour)
			removed, err := l.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, removed)

			clock.Advance(24*time.Hour + time.Second)
			removed, err = l.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			recs, err := store.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, recs)
		})
	}
}

func TestLimiter_OpportunisticSweep(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	roll := 0.5
	l := New(store, Config{Now: clock.Now, SweepProbability: DefaultSweepProbability, Rand: func() float64 { return roll }})
	ctx := context.Background()

	_, err := l.CheckAndConsume(ctx, "stale")
	require.NoError(t, err)
	clock.Advance(72 * time.Hour)

	// Roll above the probability: no sweep.
	_, err = l.CheckAndConsume(ctx, "fresh")
	require.NoError(t, err)
	recs, _ := store.List(ctx)
	assert.Len(t, recs, 2)

	roll = 0.001
	_, err = l.CheckAndConsume(ctx, "fresh")
	require.NoError(t, err)
	recs, _ = store.List(ctx)
	require.Len(t, recs, 1)
	assert.Equal(t, "fresh", recs[0].Identifier)
}

func TestLimiter_RunSweeperStopsOnCancel(t *testing.T) {
	l := New(NewMemoryStore(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweeper did not return after cancel")
	}
}

func TestLimiter_StoreErrorPropagates(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())
	l := New(store, Config{})

	_, err := l.CheckAndConsume(context.Background(), "a")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

package rpmemorystore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/reloadpet/reloadpet/internal/rpstore"
)

var logger = logrus.New()

var stableTime = time.Date(2022, 11, 9, 10, 11, 12, 0, time.UTC)

func newTestStore() *MemoryStore {
	store := NewMemoryStore(logger, rpstore.DefaultMaxVisitors, rpstore.DefaultTTL, rpstore.DefaultSweepInterval)
	store.timeNow = func() time.Time { return stableTime }
	return store
}

func TestMemoryStoreGetAndAdvance(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	// A fresh fingerprint cycles 0, 1, 2, 0, ... for a three frame animation.
	for _, expected := range []int{0, 1, 2, 0} {
		require.Equal(t, expected, store.GetAndAdvance(ctx, "visitor-a", 3))
	}

	// Distinct fingerprints never influence each other's sequence.
	require.Equal(t, 0, store.GetAndAdvance(ctx, "visitor-b", 3))
	require.Equal(t, 1, store.GetAndAdvance(ctx, "visitor-a", 3))
}

func TestMemoryStoreGetAndAdvanceNoFrames(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	// A frame count below one signals "nothing loaded"; the store returns
	// zero and records nothing.
	require.Equal(t, 0, store.GetAndAdvance(ctx, "visitor-a", 0))
	require.Equal(t, 0, store.GetAndAdvance(ctx, "visitor-a", -1))
	require.Len(t, store.entries, 0)
}

func TestMemoryStoreGetAndAdvanceSingleFrame(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	require.Equal(t, 0, store.GetAndAdvance(ctx, "visitor-a", 1))
	require.Equal(t, 0, store.GetAndAdvance(ctx, "visitor-a", 1))
}

// A reload may swap in an animation with fewer frames than the one a
// visitor's stored index was computed against. Indices reduce modulo the new
// count rather than going out of range.
func TestMemoryStoreGetAndAdvanceShrunkenAnimation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	require.Equal(t, 0, store.GetAndAdvance(ctx, "visitor-a", 10))
	require.Equal(t, 1, store.GetAndAdvance(ctx, "visitor-a", 10))
	require.Equal(t, 2, store.GetAndAdvance(ctx, "visitor-a", 10))

	// Stored next index is 3; with only 2 frames it reduces to 1.
	require.Equal(t, 1, store.GetAndAdvance(ctx, "visitor-a", 2))
	require.Equal(t, 0, store.GetAndAdvance(ctx, "visitor-a", 2))
}

func TestMemoryStoreEviction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(logger, 2, rpstore.DefaultTTL, rpstore.DefaultSweepInterval)
	store.timeNow = func() time.Time { return stableTime }

	store.GetAndAdvance(ctx, "visitor-a", 3)
	store.GetAndAdvance(ctx, "visitor-b", 3)
	require.Len(t, store.entries, 2)

	// Inserting a third visitor evicts the earliest inserted one.
	store.GetAndAdvance(ctx, "visitor-c", 3)
	require.Len(t, store.entries, 2)
	require.NotContains(t, store.entries, "visitor-a")
	require.Contains(t, store.entries, "visitor-b")
	require.Contains(t, store.entries, "visitor-c")

	// The evicted visitor starts over from frame zero.
	require.Equal(t, 0, store.GetAndAdvance(ctx, "visitor-a", 3))
}

func TestMemoryStoreEvictionManyVisitors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(logger, 50, rpstore.DefaultTTL, rpstore.DefaultSweepInterval)
	store.timeNow = func() time.Time { return stableTime }

	for i := 0; i < 200; i++ {
		store.GetAndAdvance(ctx, fmt.Sprintf("visitor-%03d", i), 3)
	}

	require.Len(t, store.entries, 50)
	require.Equal(t, 50, store.order.Len())

	// Only the most recently inserted visitors survive.
	require.NotContains(t, store.entries, "visitor-000")
	require.Contains(t, store.entries, "visitor-199")
}

func TestMemoryStoreSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(logger, rpstore.DefaultMaxVisitors, 100*time.Millisecond, rpstore.DefaultSweepInterval)
	store.timeNow = func() time.Time { return stableTime }

	store.GetAndAdvance(ctx, "visitor-idle", 3)

	// visitor-fresh gets touched again just inside the TTL, so only
	// visitor-idle expires.
	store.timeNow = func() time.Time { return stableTime.Add(150 * time.Millisecond) }
	store.GetAndAdvance(ctx, "visitor-fresh", 3)

	store.timeNow = func() time.Time { return stableTime.Add(200 * time.Millisecond) }
	numSwept := store.sweep()
	require.Equal(t, 1, numSwept)
	require.NotContains(t, store.entries, "visitor-idle")
	require.Contains(t, store.entries, "visitor-fresh")

	// An expired visitor behaves as a fresh one afterward.
	require.Equal(t, 0, store.GetAndAdvance(ctx, "visitor-idle", 3))
}

func TestMemoryStoreSweepLoop(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	store.GetAndAdvance(ctx, "visitor-a", 3)
	require.Len(t, store.entries, 1)

	// Move into the future so the entry is past its TTL.
	store.timeNow = func() time.Time { return stableTime.Add(rpstore.DefaultTTL).Add(10 * time.Minute) }

	shutdown := make(chan struct{}, 1)
	close(shutdown)

	// We pre-closed the shutdown channel, so this should sweep once, notice
	// the shutdown, and exit.
	store.SweepLoop(shutdown)

	require.Len(t, store.entries, 0)
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(logger, 100, rpstore.DefaultTTL, rpstore.DefaultSweepInterval)

	const frameCount = 7

	// Each returned index must stay in range no matter how goroutines
	// interleave on the same key. Violations are counted and asserted after
	// the fact because failing from inside a goroutine is unsafe.
	var outOfRange int64

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()

			key := fmt.Sprintf("visitor-%d", i%3)
			for j := 0; j < 100; j++ {
				index := store.GetAndAdvance(ctx, key, frameCount)
				if index < 0 || index >= frameCount {
					atomic.AddInt64(&outOfRange, 1)
				}
			}
		}()
	}
	wg.Wait()

	require.Zero(t, atomic.LoadInt64(&outOfRange))
	require.Len(t, store.entries, 3)
}

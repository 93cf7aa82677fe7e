package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLeaseExclusive checks that only one of many contenders wins a key
func TestLeaseExclusive(t *testing.T) {
	table := NewLeaseTable(16, 3600)
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	wg.Add(50)
	for i := 0; i < 50; i++ {
		go func(owner string) {
			defer wg.Done()
			if table.Acquire(ctx, "rec1", owner) {
				winners.Add(1)
			}
		}(fmt.Sprintf("batch-%d", i))
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestLeaseReleaseByOwnerOnly(t *testing.T) {
	table := NewLeaseTable(4, 3600)
	ctx := context.Background()

	require.True(t, table.Acquire(ctx, "rec1", "a"))
	assert.False(t, table.Acquire(ctx, "rec1", "b"))

	table.Release(ctx, "rec1", "b")
	holder, ok := table.Holder("rec1")
	require.True(t, ok)
	assert.Equal(t, "a", holder.Owner)

	table.Release(ctx, "rec1", "a")
	_, ok = table.Holder("rec1")
	assert.False(t, ok)
	assert.True(t, table.Acquire(ctx, "rec1", "b"))
}

func TestLeaseExpiredIsTakenOver(t *testing.T) {
	table := NewLeaseTable(4, 60)
	now := time.Now()
	table.now = func() time.Time { return now }
	ctx := context.Background()

	require.True(t, table.Acquire(ctx, "rec1", "a"))
	now = now.Add(2 * time.Minute)
	assert.True(t, table.Acquire(ctx, "rec1", "b"))

	holder, ok := table.Holder("rec1")
	require.True(t, ok)
	assert.Equal(t, "b", holder.Owner)
}

func TestLeaseCancelledContext(t *testing.T) {
	table := NewLeaseTable(4, 60)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, table.Acquire(ctx, "rec1", "a"))
}

// TestLeaseDataRace exercises acquire, release and cleanup concurrently
func TestLeaseDataRace(t *testing.T) {
	table := NewLeaseTable(16, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			i := 0
			for {
				select {
				case <-stop:
					return
				default:
					key := fmt.Sprintf("race-key-%d", i%10)
					if table.Acquire(ctx, key, owner) {
						table.Release(ctx, key, owner)
					}
					i++
				}
			}
		}(fmt.Sprintf("owner-%d", w))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = table.CleanExpired(ctx)
				_ = table.Stats()
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestLeaseCleanExpired(t *testing.T) {
	table := NewLeaseTable(16, 60)
	now := time.Now()
	table.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.True(t, table.Acquire(ctx, fmt.Sprintf("expire-key-%d", i), "a"))
	}
	now = now.Add(time.Hour)
	require.NoError(t, table.CleanExpired(ctx))

	assert.Equal(t, 0, table.Stats().TotalLeases)
}

func TestLeaseCleanupWorkerStartStop(t *testing.T) {
	table := NewLeaseTable(4, 60)
	table.StartCleanupWorker()
	table.StartCleanupWorker()
	table.StopCleanupWorker()
	table.StopCleanupWorker()
}

// TestLeaseSharding tests that keys spread over the shards
func TestLeaseSharding(t *testing.T) {
	table := NewLeaseTable(16, 3600)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		table.Acquire(ctx, fmt.Sprintf("shard-key-%d", i), "a")
	}

	stats := table.Stats()
	assert.Equal(t, 16, stats.ShardCount)
	assert.Equal(t, 1000, stats.TotalLeases)

	nonEmpty := 0
	for _, s := range stats.ShardStats {
		if s.LeaseCount > 0 {
			nonEmpty++
		}
	}
	assert.Greater(t, nonEmpty, 10)
}

package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/domain"
)

const (
	defaultShardCount      = 16
	defaultTTL             = 2 * time.Hour
	defaultCleanupInterval = 1 * time.Minute
)

// Lease is a claim on a key held by one owner until released or expired.
type Lease struct {
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// IsExpired checks if the lease has run out
func (l *Lease) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// leaseShard is one shard of the table with its own lock
type leaseShard struct {
	mu     sync.Mutex
	leases map[string]*Lease
}

// LeaseTable is a sharded, TTL-bounded set of claims keyed by record ID.
// It keeps a record from being processed by two pipelines at once; the TTL
// only matters if a holder never releases.
type LeaseTable struct {
	shards          []*leaseShard
	shardCount      int
	ttl             time.Duration
	cleanupInterval time.Duration
	now             func() time.Time

	// Cleanup worker management
	cleanupWorkerRunning bool
	cleanupWorkerMu      sync.Mutex
	cleanupWorkerStop    chan struct{}
	cleanupWorkerWg      sync.WaitGroup
}

// NewLeaseTable creates a lease table; ttl is in seconds
func NewLeaseTable(shardCount int, ttl int) *LeaseTable {
	if shardCount < 1 {
		shardCount = defaultShardCount
	}

	ttlDuration := time.Duration(ttl) * time.Second
	if ttlDuration <= 0 {
		ttlDuration = defaultTTL
	}

	shards := make([]*leaseShard, shardCount)
	for i := range shards {
		shards[i] = &leaseShard{leases: make(map[string]*Lease)}
	}

	return &LeaseTable{
		shards:            shards,
		shardCount:        shardCount,
		ttl:               ttlDuration,
		cleanupInterval:   defaultCleanupInterval,
		now:               time.Now,
		cleanupWorkerStop: make(chan struct{}),
	}
}

// getShard returns the shard for a given key using FNV hash
func (t *LeaseTable) getShard(key string) *leaseShard {
	hash := fnv.New32a()
	hash.Write([]byte(key))
	return t.shards[hash.Sum32()%uint32(t.shardCount)]
}

// Acquire claims key for owner. An expired lease is taken over; a live
// lease held by someone else makes Acquire return false.
func (t *LeaseTable) Acquire(ctx context.Context, key, owner string) bool {
	if ctx.Err() != nil {
		return false
	}

	shard := t.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := t.now()
	if current, ok := shard.leases[key]; ok && !current.IsExpired(now) && current.Owner != owner {
		return false
	}
	shard.leases[key] = &Lease{
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(t.ttl),
	}
	return true
}

// Release drops the lease if owner still holds it.
func (t *LeaseTable) Release(_ context.Context, key, owner string) {
	shard := t.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if current, ok := shard.leases[key]; ok && current.Owner == owner {
		delete(shard.leases, key)
	}
}

// Holder returns the live lease on key, if any.
func (t *LeaseTable) Holder(key string) (Lease, bool) {
	shard := t.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	current, ok := shard.leases[key]
	if !ok || current.IsExpired(t.now()) {
		return Lease{}, false
	}
	return *current, true
}

// CleanExpired removes all expired leases
func (t *LeaseTable) CleanExpired(ctx context.Context) error {
	now := t.now()
	for _, shard := range t.shards {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		shard.mu.Lock()
		for key, lease := range shard.leases {
			if lease.IsExpired(now) {
				delete(shard.leases, key)
			}
		}
		shard.mu.Unlock()
	}
	return nil
}

// StartCleanupWorker starts a background goroutine that periodically removes expired leases
func (t *LeaseTable) StartCleanupWorker() {
	t.cleanupWorkerMu.Lock()
	defer t.cleanupWorkerMu.Unlock()

	if t.cleanupWorkerRunning {
		return
	}

	t.cleanupWorkerRunning = true
	t.cleanupWorkerStop = make(chan struct{})

	t.cleanupWorkerWg.Add(1)
	go t.cleanupWorker()
}

// StopCleanupWorker stops the background cleanup worker gracefully
func (t *LeaseTable) StopCleanupWorker() {
	t.cleanupWorkerMu.Lock()
	defer t.cleanupWorkerMu.Unlock()

	if !t.cleanupWorkerRunning {
		return
	}

	close(t.cleanupWorkerStop)
	t.cleanupWorkerWg.Wait()
	t.cleanupWorkerRunning = false
}

func (t *LeaseTable) cleanupWorker() {
	defer t.cleanupWorkerWg.Done()

	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.cleanupWorkerStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = t.CleanExpired(ctx)
			cancel()
		}
	}
}

// Stats returns the number of leases per shard, expired ones included
func (t *LeaseTable) Stats() Stats {
	stats := Stats{
		ShardCount: t.shardCount,
		ShardStats: make([]ShardStat, t.shardCount),
	}

	now := t.now()
	for i, shard := range t.shards {
		shard.mu.Lock()
		count := len(shard.leases)
		expired := 0
		for _, lease := range shard.leases {
			if lease.IsExpired(now) {
				expired++
			}
		}
		shard.mu.Unlock()

		stats.ShardStats[i] = ShardStat{Index: i, LeaseCount: count, ExpiredCount: expired}
		stats.TotalLeases += count
	}
	return stats
}

// Stats represents lease table statistics
type Stats struct {
	ShardCount  int
	TotalLeases int
	ShardStats  []ShardStat
}

// ShardStat represents statistics for a single shard
type ShardStat struct {
	Index        int
	LeaseCount   int
	ExpiredCount int
}

var _ domain.LeaseTable = (*LeaseTable)(nil)

package filters

import (
	"context"
	"sync"
	"time"
)

// Dedup suppresses re-processing of an already-seen trade identity within a
// TTL window.
type Dedup interface {
	IsDuplicateAndMark(ctx context.Context, key string) bool
}

// MemoryDedup is the default in-process Dedup backend: a TTL-bounded set with
// a periodic sweep.
type MemoryDedup struct {
	ttl   time.Duration
	sweep time.Duration

	mu      sync.Mutex
	entries map[string]time.Time

	now func() time.Time
}

// NewMemoryDedup constructs the in-memory backend.
func NewMemoryDedup(ttl, sweepInterval time.Duration) *MemoryDedup {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Minute
	}
	return &MemoryDedup{
		ttl:     ttl,
		sweep:   sweepInterval,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// IsDuplicateAndMark atomically checks presence and, if absent, marks the key
// seen. Returns whether the key was already present and unexpired.
func (d *MemoryDedup) IsDuplicateAndMark(_ context.Context, key string) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if expiry, ok := d.entries[key]; ok && expiry.After(now) {
		return true
	}
	d.entries[key] = now.Add(d.ttl)
	return false
}

// Run sweeps expired entries until ctx is cancelled, bounding memory.
func (d *MemoryDedup) Run(ctx context.Context) {
	ticker := time.NewTicker(d.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.evictExpired()
		}
	}
}

func (d *MemoryDedup) evictExpired() {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, expiry := range d.entries {
		if !expiry.After(now) {
			delete(d.entries, key)
		}
	}
}

var _ Dedup = (*MemoryDedup)(nil)

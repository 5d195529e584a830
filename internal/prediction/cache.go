package prediction

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/mbd888/exitwatch/internal/features"
	"github.com/mbd888/exitwatch/internal/metrics"
)

// DefaultCacheTTL is how long a prediction stays valid. Behavioral
// features move slowly; five minutes of staleness is acceptable.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	result  Result
	expires time.Time
}

// CacheScorer wraps a Scorer with a TTL cache keyed by a fingerprint of
// the feature vector. Two requests with effectively identical behavior
// share one upstream call.
type CacheScorer struct {
	inner   Scorer
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[uint64]cacheEntry
	nowFn   func() time.Time
}

// NewCacheScorer wraps inner with a TTL cache.
func NewCacheScorer(inner Scorer, ttl time.Duration) *CacheScorer {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CacheScorer{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[uint64]cacheEntry),
		nowFn:   time.Now,
	}
}

var _ Scorer = (*CacheScorer)(nil)

// Fingerprint hashes the vector's fields, rounded to two decimals, with
// FNV-64a. Rounding keeps jittery float math from defeating the cache.
// A nil vector falls back to hashing the user id alone.
func Fingerprint(userID string, v *features.Vector) uint64 {
	h := fnv.New64a()
	if v == nil {
		h.Write([]byte(userID))
		return h.Sum64()
	}
	var buf [8]byte
	for _, f := range v.Floats() {
		rounded := math.Round(f*100) / 100
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(rounded))
		h.Write(buf[:])
	}
	return h.Sum64()
}

func (c *CacheScorer) Predict(ctx context.Context, userID string, v *features.Vector) (*Result, error) {
	key := Fingerprint(userID, v)
	now := c.nowFn()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && now.Before(entry.expires) {
		metrics.PredictionCacheHits.Inc()
		res := entry.result
		res.UserID = userID // Identical vectors may come from different users
		return &res, nil
	}
	metrics.PredictionCacheMisses.Inc()

	res, err := c.inner.Predict(ctx, userID, v)
	if err != nil {
		return nil, err
	}

	// Fallback results are not cached: the upstream may recover well
	// before the TTL expires.
	if !res.Fallback {
		c.mu.Lock()
		c.entries[key] = cacheEntry{result: *res, expires: now.Add(c.ttl)}
		c.mu.Unlock()
	}
	return res, nil
}

// StartJanitor evicts expired entries periodically until ctx is done.
// Call in a goroutine.
func (c *CacheScorer) StartJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *CacheScorer) evictExpired() {
	now := c.nowFn()
	c.mu.Lock()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *CacheScorer) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// String describes the cache for debug endpoints.
func (c *CacheScorer) String() string {
	return fmt.Sprintf("prediction cache: %d entries, ttl %s", c.Len(), c.ttl)
}

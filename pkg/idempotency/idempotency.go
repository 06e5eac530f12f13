// Package idempotency implements the Idempotency Cache (C5): a
// content-addressed, TTL-and-LRU-bounded record of action executions, used
// to collapse duplicate in-flight requests (via singleflight) and to answer
// "has this exact action already run" without re-executing it.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaycore/actioncore/pkg/types"
)

// keyLen is the number of hex characters kept from the SHA-256 digest of the
// canonical request JSON.
const keyLen = 16

// Key computes the idempotency key for req: a SHA-256 digest of req's
// canonical (recursively key-sorted) JSON representation, truncated to the
// first 16 hex characters.
func Key(req types.ActionRequest) string {
	canonical := canonicalize(map[string]interface{}{
		"signalId": req.SignalID,
		"action":   req.Action,
		"target":   req.Target,
		"params":   req.Params,
	})
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:keyLen]
}

// canonicalize recursively sorts map keys so that two semantically equal
// requests with differently-ordered params produce the same digest.
func canonicalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]interface{}, 0, len(keys)*2)
		for _, k := range keys {
			ordered = append(ordered, k, canonicalize(val[k]))
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return val
	}
}

// Entry is one cached execution record.
type Entry struct {
	Key        string
	Request    types.ActionRequest
	Result     types.ActionResult
	Err        error
	ExecutedAt time.Time
}

// Config configures the cache.
type Config struct {
	TTL           time.Duration
	MaxEntries    int
	SweepInterval time.Duration
}

// DefaultConfig returns the cache's out-of-the-box settings: a 24-hour TTL,
// room for 10000 entries, swept hourly.
func DefaultConfig() Config {
	return Config{
		TTL:           24 * time.Hour,
		MaxEntries:    10000,
		SweepInterval: time.Hour,
	}
}

// Cache is a TTL-and-LRU-bounded store of action execution records, with
// in-flight request collapsing via singleflight.
type Cache struct {
	config Config
	group  singleflight.Group

	mu      sync.Mutex
	entries map[string]*Entry

	stop chan struct{}
}

// New builds a Cache and starts its periodic sweep goroutine.
func New(config Config) *Cache {
	c := &Cache{
		config:  config,
		entries: make(map[string]*Entry),
		stop:    make(chan struct{}),
	}
	if config.SweepInterval > 0 {
		go c.sweepLoop()
	}
	return c
}

// Close stops the periodic sweep.
func (c *Cache) Close() {
	close(c.stop)
}

// Check returns the cached entry for key, if one exists and has not expired.
func (c *Cache) Check(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if c.config.TTL > 0 && time.Since(entry.ExecutedAt) > c.config.TTL {
		return Entry{}, false
	}
	return *entry, true
}

// Mark records an execution's outcome under key, evicting the oldest 20% of
// entries by ExecutedAt first if the cache is at capacity.
func (c *Cache) Mark(key string, req types.ActionRequest, result types.ActionResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.MaxEntries > 0 && len(c.entries) >= c.config.MaxEntries {
		c.evictOldestLocked()
	}

	c.entries[key] = &Entry{
		Key:        key,
		Request:    req,
		Result:     result,
		Err:        err,
		ExecutedAt: time.Now(),
	}
}

func (c *Cache) evictOldestLocked() {
	n := len(c.entries) / 5
	if n < 1 {
		n = 1
	}

	type kv struct {
		key string
		at  time.Time
	}
	ordered := make([]kv, 0, len(c.entries))
	for k, e := range c.entries {
		ordered = append(ordered, kv{k, e.ExecutedAt})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].at.Before(ordered[j].at) })

	for i := 0; i < n && i < len(ordered); i++ {
		delete(c.entries, ordered[i].key)
	}
}

// ExecuteOnce runs fn exactly once per key across all concurrent callers
// (via singleflight), recording the outcome in the cache and returning it to
// every caller that collapsed onto the same in-flight call. A previously
// cached, non-expired result short-circuits fn entirely.
func (c *Cache) ExecuteOnce(ctx context.Context, key string, req types.ActionRequest, fn func(ctx context.Context) (types.ActionResult, error)) (types.ActionResult, bool, error) {
	if entry, ok := c.Check(key); ok {
		return entry.Result, true, entry.Err
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		result, fnErr := fn(ctx)
		c.Mark(key, req, result, fnErr)
		return result, fnErr
	})

	result, _ := v.(types.ActionResult)
	return result, false, err
}

// Len returns the number of entries currently cached, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	if c.config.TTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if now.Sub(e.ExecutedAt) > c.config.TTL {
			delete(c.entries, k)
		}
	}
}

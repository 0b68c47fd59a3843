// Package state implements the live state cache: versioned values in
// memory, with the keys both processes depend on mirrored to a shared
// SQLite file so they survive restarts and cross process boundaries.
package state

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"papertrade/internal/core"
)

// Value wraps cached data with its source timestamp and a write
// version. The timestamp orders writers; the version breaks ties
// between writes carrying the same timestamp.
type Value struct {
	TS      time.Time       `json:"ts"`
	Version uint64          `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Cache is the in-process view. All methods are safe for concurrent
// use. When built with a mirror, durable keys are written through
// synchronously: a halt that is not on disk did not happen.
type Cache struct {
	mu      sync.RWMutex
	values  map[string]Value
	version uint64
	mirror  *Mirror
	logger  core.ILogger
}

// NewCache creates a cache. mirror may be nil for tests that do not
// need durability.
func NewCache(mirror *Mirror, logger core.ILogger) *Cache {
	return &Cache{
		values: make(map[string]Value),
		mirror: mirror,
		logger: logger.WithField("component", "statecache"),
	}
}

// Put stores data under key if it is at least as fresh as what is
// already there. Returns false when the write was dropped as stale.
func (c *Cache) Put(key string, ts time.Time, data any) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		c.logger.Error("State cache marshal failed", "key", key, "error", err)
		return false
	}

	c.mu.Lock()
	stored, exists := c.values[key]
	if exists && ts.Before(stored.TS) {
		c.mu.Unlock()
		return false
	}
	c.version++
	val := Value{TS: ts, Version: c.version, Data: raw}
	if exists && ts.Equal(stored.TS) && stored.Version > val.Version {
		c.mu.Unlock()
		return false
	}
	c.values[key] = val
	c.mu.Unlock()

	if c.mirror != nil && isDurable(key) {
		if err := c.mirror.Put(key, val); err != nil {
			c.logger.Error("State mirror write failed", "key", key, "error", err)
		}
	}
	return true
}

// Get unmarshals the value under key into out and returns its source
// timestamp. out may be nil to probe existence only.
func (c *Cache) Get(key string, out any) (time.Time, bool) {
	c.mu.RLock()
	val, exists := c.values[key]
	c.mu.RUnlock()
	if !exists {
		return time.Time{}, false
	}
	if out != nil {
		if err := json.Unmarshal(val.Data, out); err != nil {
			c.logger.Error("State cache unmarshal failed", "key", key, "error", err)
			return time.Time{}, false
		}
	}
	return val.TS, true
}

// Delete removes a key locally and from the mirror.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.values, key)
	c.mu.Unlock()

	if c.mirror != nil && isDurable(key) {
		if err := c.mirror.Delete(key); err != nil {
			c.logger.Error("State mirror delete failed", "key", key, "error", err)
		}
	}
}

// Refresh pulls every durable key from the mirror, applying the same
// freshness rule as Put. The supervisor calls this each cycle to see
// the trading process's heartbeats and the shared halt flag.
func (c *Cache) Refresh() error {
	if c.mirror == nil {
		return nil
	}

	rows, err := c.mirror.All()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, val := range rows {
		// Keep the local version counter ahead of anything seen, so
		// our own next write wins its tie-break at the mirror.
		if val.Version > c.version {
			c.version = val.Version
		}
		stored, exists := c.values[key]
		if exists && val.TS.Before(stored.TS) {
			continue
		}
		if exists && val.TS.Equal(stored.TS) && stored.Version >= val.Version {
			continue
		}
		c.values[key] = val
	}
	return nil
}

// Keys returns the cached keys, mainly for the dashboard snapshot.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	return keys
}

// Halt convenience accessors. The halt flag is the one value that must
// never be lost, so both sides go through the mirror.

// SetHalt sets or clears the kill switch.
func (c *Cache) SetHalt(halt core.HaltState) bool {
	return c.Put(KeyHalt, halt.TS, halt)
}

// GetHalt returns the current halt state, zero when never set.
func (c *Cache) GetHalt() core.HaltState {
	var halt core.HaltState
	c.Get(KeyHalt, &halt)
	return halt
}

func isDurable(key string) bool {
	for _, prefix := range durablePrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

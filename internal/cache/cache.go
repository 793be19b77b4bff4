// Package cache keeps short-lived task listings keyed by requester and filter.
package cache

import (
	"context"
	"sync"
	"time"

	"taskbridge/internal/domain"
)

const DefaultTTL = 5 * time.Minute

// Key identifies one cached listing. Filter is usually a phase name.
type Key struct {
	Requester string
	Filter    string
}

func PhaseKey(requester string, phase domain.Phase) Key {
	return Key{Requester: requester, Filter: string(phase)}
}

type entry struct {
	payload []domain.TaskSummary
	expires time.Time
}

type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// Cache is a TTL map of task listings. Entries are never updated in place:
// invalidation removes them and the next reader refills from the board.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[Key]entry
	stats   Stats
	Now     func() time.Time
}

func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, entries: map[Key]entry{}, Now: time.Now}
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Cache) Set(key Key, payload []domain.TaskSummary) {
	cp := make([]domain.TaskSummary, len(payload))
	copy(cp, payload)
	c.mu.Lock()
	c.entries[key] = entry{payload: cp, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Get returns the payload unless missing or expired; expired entries are evicted.
func (c *Cache) Get(key Key) ([]domain.TaskSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	cp := make([]domain.TaskSummary, len(e.payload))
	copy(cp, e.payload)
	return cp, true
}

// InvalidateByTaskID drops every entry whose payload references the task.
func (c *Cache) InvalidateByTaskID(taskID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		for _, s := range e.payload {
			if s.ID == taskID {
				delete(c.entries, k)
				removed++
				break
			}
		}
	}
	c.stats.Evictions += int64(removed)
	return removed
}

// InvalidateByPhase drops every entry keyed to the filter, for all requesters.
func (c *Cache) InvalidateByPhase(filter string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k := range c.entries {
		if k.Filter == filter {
			delete(c.entries, k)
			removed++
		}
	}
	c.stats.Evictions += int64(removed)
	return removed
}

// Sweep removes expired entries regardless of access.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	c.stats.Evictions += int64(removed)
	return removed
}

// Run sweeps on every tick until ctx is done.
func (c *Cache) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = map[Key]entry{}
	c.mu.Unlock()
}

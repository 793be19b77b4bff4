package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbridge/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}
	c := New(ttl)
	c.Now = clock.Now
	return c, clock
}

func summaries(ids ...string) []domain.TaskSummary {
	out := make([]domain.TaskSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.TaskSummary{ID: id, Title: "task " + id})
	}
	return out
}

func TestSetThenGet(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	key := PhaseKey("u1", domain.PhaseTodo)
	c.Set(key, summaries("100000001", "100000002"))

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, summaries("100000001", "100000002"), got)
	assert.Equal(t, int64(1), c.Stats().Hits)
}

func TestExpiredEntryIsEvictedOnRead(t *testing.T) {
	c, clock := newTestCache(time.Minute)
	key := PhaseKey("u1", domain.PhaseTodo)
	c.Set(key, summaries("100000001"))
	clock.Advance(time.Minute)

	_, ok := c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestInvalidateByTaskID(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	a := PhaseKey("u1", domain.PhaseTodo)
	b := PhaseKey("u2", domain.PhaseTodo)
	other := PhaseKey("u1", domain.PhaseDone)
	c.Set(a, summaries("100000001", "100000002"))
	c.Set(b, summaries("100000002"))
	c.Set(other, summaries("100000003"))

	removed := c.InvalidateByTaskID("100000002")
	assert.Equal(t, 2, removed)
	_, ok := c.Get(a)
	assert.False(t, ok)
	_, ok = c.Get(b)
	assert.False(t, ok)
	got, ok := c.Get(other)
	assert.True(t, ok, "unrelated entries survive")
	assert.Equal(t, summaries("100000003"), got)
}

func TestInvalidateByPhase(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Set(PhaseKey("u1", domain.PhaseTodo), summaries("1"))
	c.Set(PhaseKey("u2", domain.PhaseTodo), summaries("2"))
	c.Set(PhaseKey("u1", domain.PhaseInReview), summaries("3"))

	assert.Equal(t, 2, c.InvalidateByPhase(string(domain.PhaseTodo)))
	assert.Equal(t, 1, c.Size())
}

func TestSweep(t *testing.T) {
	c, clock := newTestCache(time.Minute)
	c.Set(PhaseKey("u1", domain.PhaseTodo), summaries("1"))
	clock.Advance(30 * time.Second)
	c.Set(PhaseKey("u2", domain.PhaseTodo), summaries("2"))
	clock.Advance(45 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Size())
}

func TestPayloadIsCopied(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	key := PhaseKey("u1", domain.PhaseTodo)
	payload := summaries("1")
	c.Set(key, payload)
	payload[0].Title = "mutated"

	got, _ := c.Get(key)
	assert.Equal(t, "task 1", got[0].Title)
}

func TestClearAndRun(t *testing.T) {
	c, _ := newTestCache(0)
	assert.Equal(t, DefaultTTL, c.ttl)
	c.Set(PhaseKey("u1", domain.PhaseTodo), summaries("1"))
	c.Clear()
	assert.Equal(t, 0, c.Size())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	<-done
}

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(3, time.Minute)
	l.Now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		d := l.Check("u1", "take")
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 2-i, d.Remaining)
		now = now.Add(10 * time.Second)
	}

	d := l.Check("u1", "take")
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	other := l.Check("u1", "complete")
	assert.True(t, other.Allowed, "actions are limited independently")
	other = l.Check("u2", "take")
	assert.True(t, other.Allowed, "users are limited independently")

	now = now.Add(31 * time.Second)
	d = l.Check("u1", "take")
	assert.True(t, d.Allowed, "oldest request left the window")
	assert.Equal(t, 0, d.Remaining)
}

func TestResetAndCleanup(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(1, time.Minute)
	l.Now = func() time.Time { return now }

	l.Check("u1", "take")
	assert.False(t, l.Check("u1", "take").Allowed)
	l.Reset("u1", "take")
	assert.True(t, l.Check("u1", "take").Allowed)

	l.Check("u2", "take")
	assert.Equal(t, Stats{TrackedKeys: 2, ActiveRequests: 2}, l.Stats())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, l.Cleanup())
	assert.Equal(t, 0, l.Stats().TrackedKeys)
}

func TestDefaults(t *testing.T) {
	l := New(0, 0)
	assert.Equal(t, DefaultMax, l.max)
	assert.Equal(t, DefaultWindow, l.window)
}

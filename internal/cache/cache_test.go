// SPDX-License-Identifier: MIT

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgewerk/staysync/internal/clock"
)

func TestGetSetAndExpiry(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	c := New[string](30*time.Second, 8, WithClock[string](fake))

	_, ok := c.Get("k")
	require.False(t, ok)

	c.Set("k", "v")
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	fake.Advance(31 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
}

func TestInvalidatePrefix(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	c := New[int](time.Minute, 8, WithClock[int](fake))

	c.Set("p1|2026-07-01|2026-08-01", 1)
	c.Set("p1|2026-08-01|2026-09-01", 2)
	c.Set("p2|2026-07-01|2026-08-01", 3)

	c.InvalidatePrefix("p1|")

	_, ok := c.Get("p1|2026-07-01|2026-08-01")
	assert.False(t, ok)
	_, ok = c.Get("p2|2026-07-01|2026-08-01")
	assert.True(t, ok)
}

func TestSetStaysBounded(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	c := New[int](time.Minute, 2, WithClock[int](fake))

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	assert.LessOrEqual(t, c.Len(), 2)
	got, ok := c.Get("c")
	require.True(t, ok)
	assert.Equal(t, 3, got)
}

func TestSetPrefersDroppingExpired(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	c := New[int](time.Minute, 2, WithClock[int](fake))

	c.Set("old", 1)
	fake.Advance(2 * time.Minute)
	c.Set("fresh", 2)
	c.Set("newer", 3)

	_, ok := c.Get("fresh")
	assert.True(t, ok)
	_, ok = c.Get("newer")
	assert.True(t, ok)
}

func TestClear(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	c := New[int](time.Minute, 8, WithClock[int](fake))

	c.Set("a", 1)
	c.Set("b", 2)
	c.Clear()
	assert.Zero(t, c.Len())
}

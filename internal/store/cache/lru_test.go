package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_GetSet(t *testing.T) {
	c := NewLRU[string](2, 0)

	_, err := c.Get("a")
	require.ErrorIs(t, err, ErrNotFound)

	c.Set("a", "1")
	v, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	c.Set("a", "2")
	v, _ = c.Get("a")
	assert.Equal(t, "2", v)
	assert.Equal(t, 1, c.Len())
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU[int](2, 0)
	c.Set("a", 1)
	c.Set("b", 2)

	_, _ = c.Get("a")
	c.Set("c", 3)

	_, err := c.Get("b")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get("a")
	assert.NoError(t, err)
	_, err = c.Get("c")
	assert.NoError(t, err)
}

func TestLRU_Expiry(t *testing.T) {
	c := NewLRU[int](4, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	now = now.Add(2 * time.Minute)

	_, err := c.Get("a")
	require.ErrorIs(t, err, ErrExpired)
	assert.Zero(t, c.Len())
}

func TestLRU_DeleteAndClear(t *testing.T) {
	c := NewLRU[int](4, 0)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Delete("a")
	c.Delete("missing")
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Zero(t, c.Len())
}

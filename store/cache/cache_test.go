package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	c := New(Config{DefaultTTL: time.Minute})
	defer c.Close()

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", 42)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	c.Set("k", 43)
	v, _ = c.Get("k")
	assert.Equal(t, 43, v)
	assert.Equal(t, 1, c.Len())

	c.Delete("k")
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestExpiry(t *testing.T) {
	c := New(Config{DefaultTTL: 20 * time.Millisecond, CleanupInterval: time.Hour})
	defer c.Close()

	c.Set("k", "v")
	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	// Lazy expiry on Get also removes the entry.
	assert.Equal(t, 0, c.Len())
}

func TestLRUEviction(t *testing.T) {
	var mu sync.Mutex
	var evicted []string
	c := New(Config{
		DefaultTTL: time.Minute,
		MaxItems:   2,
		OnEviction: func(key string, _ any) {
			mu.Lock()
			evicted = append(evicted, key)
			mu.Unlock()
		},
	})
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)

	// Touch "a" so "b" becomes the LRU victim.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3)
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"b"}, evicted)
}

func TestSweepEvictsExpired(t *testing.T) {
	var mu sync.Mutex
	var evicted []string
	c := New(Config{
		DefaultTTL:      10 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
		OnEviction: func(key string, _ any) {
			mu.Lock()
			evicted = append(evicted, key)
			mu.Unlock()
		},
	})
	defer c.Close()

	c.Set("k", "v")
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(evicted) == 1 && evicted[0] == "k"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Len())
}

func TestUnboundedByDefault(t *testing.T) {
	c := New(Config{DefaultTTL: time.Minute})
	defer c.Close()

	for i := 0; i < 100; i++ {
		c.Set(string(rune('a'+i%26))+string(rune('0'+i/26)), i)
	}
	assert.Equal(t, 100, c.Len())
}

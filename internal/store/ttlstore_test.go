package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLStoreSetGet(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	defer s.Close()

	s.Set("a", 1, time.Minute)
	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, got)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestTTLStoreExpiry(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	defer s.Close()

	s.Set("a", 1, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestTTLStoreDelete(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	defer s.Close()

	s.Set("a", 1, time.Minute)
	s.Delete("a")
	_, ok := s.Get("a")
	assert.False(t, ok)
}

func TestTTLStoreLenAndAll(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	defer s.Close()

	s.Set("a", 1, time.Minute)
	s.Set("b", 2, time.Minute)

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, s.All())
}

func TestTTLStoreForEachStopsEarly(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	defer s.Close()

	s.Set("a", 1, time.Minute)
	s.Set("b", 2, time.Minute)

	seen := 0
	s.ForEach(func(key string, value int) bool {
		seen++
		return false
	})
	assert.Equal(t, 1, seen)
}

func TestTTLStoreCleanupEvictsAndCallsOnEvict(t *testing.T) {
	s := NewTTLStore[string, int](5 * time.Millisecond)
	defer s.Close()

	var mu sync.Mutex
	evicted := make(map[string]int)
	s.SetOnEvict(func(key string, value int) {
		mu.Lock()
		evicted[key] = value
		mu.Unlock()
	})

	s.Set("a", 42, time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		v, ok := evicted["a"]
		mu.Unlock()
		if ok {
			assert.Equal(t, 42, v)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("onEvict was never called for expired entry")
}

func TestTTLStoreSetOverwrites(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	defer s.Close()

	s.Set("a", 1, time.Minute)
	s.Set("a", 2, time.Minute)

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestTTLStoreClose(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	s.Set("a", 1, time.Minute)
	s.Close()

	assert.Equal(t, 0, s.Len())
}

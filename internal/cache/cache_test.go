package cache

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T, config Config) *Memory {
	t.Helper()
	m, err := NewMemory(zap.NewNop(), config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMemoryCache(t *testing.T) {
	t.Run("SetAndGet", func(t *testing.T) {
		m := newTestCache(t, Config{})

		require.NoError(t, m.Set("course:1", []byte("intro to go")))

		value, found := m.Get("course:1")
		assert.True(t, found)
		assert.Equal(t, []byte("intro to go"), value)
	})

	t.Run("MissingKey", func(t *testing.T) {
		m := newTestCache(t, Config{})

		value, found := m.Get("course:absent")
		assert.False(t, found)
		assert.Nil(t, value)
	})

	t.Run("PerKeyExpiry", func(t *testing.T) {
		m := newTestCache(t, Config{})

		require.NoError(t, m.SetWithTTL("short", []byte("v"), 30*time.Millisecond))
		require.NoError(t, m.SetWithTTL("long", []byte("v"), time.Minute))

		_, found := m.Get("short")
		assert.True(t, found)

		time.Sleep(60 * time.Millisecond)

		_, found = m.Get("short")
		assert.False(t, found, "entry should expire after its TTL")
		_, found = m.Get("long")
		assert.True(t, found)

		stats := m.Stats()
		assert.Equal(t, uint64(1), stats["expired"])
	})

	t.Run("ZeroTTLNeverExpiresEarly", func(t *testing.T) {
		m := newTestCache(t, Config{})

		require.NoError(t, m.SetWithTTL("pinned", []byte("v"), 0))
		time.Sleep(20 * time.Millisecond)

		_, found := m.Get("pinned")
		assert.True(t, found)
	})

	t.Run("Delete", func(t *testing.T) {
		m := newTestCache(t, Config{})

		require.NoError(t, m.Set("k", []byte("v")))
		require.NoError(t, m.Delete("k"))

		_, found := m.Get("k")
		assert.False(t, found)

		assert.NoError(t, m.Delete("k"), "deleting an absent key is not an error")
	})

	t.Run("DeletePattern", func(t *testing.T) {
		m := newTestCache(t, Config{})

		require.NoError(t, m.Set("course:1", []byte("a")))
		require.NoError(t, m.Set("course:2", []byte("b")))
		require.NoError(t, m.Set("course:3", []byte("c")))
		require.NoError(t, m.Set("lesson:1", []byte("d")))

		deleted, err := m.DeletePattern("course:")
		require.NoError(t, err)
		assert.Equal(t, 3, deleted)

		_, found := m.Get("course:2")
		assert.False(t, found)
		_, found = m.Get("lesson:1")
		assert.True(t, found)
	})

	t.Run("CompressionRoundTrip", func(t *testing.T) {
		m := newTestCache(t, Config{EnableCompression: true, CompressionThreshold: 256})

		value := bytes.Repeat([]byte("enrollment"), 1000)
		require.NoError(t, m.Set("big", value))

		got, found := m.Get("big")
		require.True(t, found)
		assert.Equal(t, value, got)

		stats := m.Stats()
		assert.Less(t, stats["bytes_written"].(uint64), uint64(len(value)),
			"compressible payload should shrink on disk")
	})

	t.Run("StatsCounters", func(t *testing.T) {
		m := newTestCache(t, Config{})

		require.NoError(t, m.Set("k", []byte("v")))
		m.Get("k")
		m.Get("k")
		m.Get("absent")

		stats := m.Stats()
		assert.Equal(t, uint64(2), stats["hits"])
		assert.Equal(t, uint64(1), stats["misses"])
		assert.Equal(t, uint64(1), stats["sets"])
		assert.InDelta(t, 66.6, stats["hit_rate"].(float64), 1.0)
	})
}

func TestEnvelope(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		expiry := time.Now().Add(time.Hour)
		raw := encodeEnvelope([]byte("payload"), expiry, true)

		payload, gotExpiry, compressed, err := decodeEnvelope(raw)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), payload)
		assert.True(t, compressed)
		assert.Equal(t, expiry.UnixNano(), gotExpiry.UnixNano())
	})

	t.Run("NoExpiry", func(t *testing.T) {
		raw := encodeEnvelope([]byte("p"), time.Time{}, false)

		_, expiry, compressed, err := decodeEnvelope(raw)
		require.NoError(t, err)
		assert.True(t, expiry.IsZero())
		assert.False(t, compressed)
	})

	t.Run("TruncatedEntry", func(t *testing.T) {
		_, _, _, err := decodeEnvelope([]byte{0x01, 0x02})
		assert.ErrorIs(t, err, ErrCorruptEntry)
	})
}

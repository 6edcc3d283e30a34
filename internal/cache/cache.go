package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// ErrCorruptEntry is returned when a stored entry cannot be decoded.
var ErrCorruptEntry = errors.New("cache: corrupt entry")

// Store is the caching interface the database layer depends on. Callers
// treat every failure as a miss, so a broken cache degrades latency but
// never correctness.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) error
	SetWithTTL(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	DeletePattern(prefix string) (int, error)
	Stats() map[string]interface{}
}

// Config defines cache configuration.
type Config struct {
	Shards      int           `yaml:"shards"`
	DefaultTTL  time.Duration `yaml:"default_ttl"`
	LifeWindow  time.Duration `yaml:"life_window"`
	CleanWindow time.Duration `yaml:"clean_window"`
	MaxSizeMB   int           `yaml:"max_size_mb"`

	EnableCompression    bool `yaml:"enable_compression"`
	CompressionThreshold int  `yaml:"compression_threshold"`
	CompressionLevel     int  `yaml:"compression_level"`
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Shards:               256,
		DefaultTTL:           5 * time.Minute,
		LifeWindow:           30 * time.Minute,
		CleanWindow:          5 * time.Minute,
		MaxSizeMB:            100,
		EnableCompression:    true,
		CompressionThreshold: 1024,
		CompressionLevel:     3,
	}
}

type cacheStats struct {
	Hits         atomic.Uint64
	Misses       atomic.Uint64
	Sets         atomic.Uint64
	Deletes      atomic.Uint64
	Expired      atomic.Uint64
	BytesWritten atomic.Uint64
	BytesRead    atomic.Uint64
}

// Memory is an in-process Store backed by BigCache. Each entry carries its
// own expiry, checked on read, so keys can outlive or undercut the global
// life window (BigCache still evicts everything after LifeWindow).
type Memory struct {
	logger  *zap.Logger
	cache   *bigcache.BigCache
	config  Config
	stats   *cacheStats
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewMemory creates an in-memory cache. Zero config fields fall back to
// DefaultConfig values.
func NewMemory(logger *zap.Logger, config Config) (*Memory, error) {
	defaults := DefaultConfig()
	if config.Shards == 0 {
		config.Shards = defaults.Shards
	}
	if config.DefaultTTL == 0 {
		config.DefaultTTL = defaults.DefaultTTL
	}
	if config.LifeWindow == 0 {
		config.LifeWindow = defaults.LifeWindow
	}
	if config.CleanWindow == 0 {
		config.CleanWindow = defaults.CleanWindow
	}
	if config.MaxSizeMB == 0 {
		config.MaxSizeMB = defaults.MaxSizeMB
	}
	if config.CompressionThreshold == 0 {
		config.CompressionThreshold = defaults.CompressionThreshold
	}
	if config.CompressionLevel == 0 {
		config.CompressionLevel = defaults.CompressionLevel
	}

	bcConfig := bigcache.Config{
		Shards:             config.Shards,
		LifeWindow:         config.LifeWindow,
		CleanWindow:        config.CleanWindow,
		MaxEntriesInWindow: 1000 * 10 * 60,
		MaxEntrySize:       500,
		Verbose:            false,
		HardMaxCacheSize:   config.MaxSizeMB,
	}

	bc, err := bigcache.NewBigCache(bcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache backend: %w", err)
	}

	m := &Memory{
		logger: logger,
		cache:  bc,
		config: config,
		stats:  &cacheStats{},
	}

	if config.EnableCompression {
		m.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(config.CompressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("failed to create compressor: %w", err)
		}
		m.decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create decompressor: %w", err)
		}
	}

	logger.Info("Cache initialized",
		zap.Int("shards", config.Shards),
		zap.Int("max_size_mb", config.MaxSizeMB),
		zap.Duration("default_ttl", config.DefaultTTL),
		zap.Bool("compression", config.EnableCompression),
	)

	return m, nil
}

// Get retrieves a value. Expired and corrupt entries read as absent and are
// removed.
func (m *Memory) Get(key string) ([]byte, bool) {
	raw, err := m.cache.Get(key)
	if err != nil {
		m.stats.Misses.Add(1)
		return nil, false
	}

	payload, expiry, compressed, err := decodeEnvelope(raw)
	if err != nil {
		m.logger.Warn("Dropping corrupt cache entry", zap.String("key", key), zap.Error(err))
		_ = m.cache.Delete(key)
		m.stats.Misses.Add(1)
		return nil, false
	}

	if !expiry.IsZero() && time.Now().After(expiry) {
		_ = m.cache.Delete(key)
		m.stats.Expired.Add(1)
		m.stats.Misses.Add(1)
		return nil, false
	}

	if compressed {
		payload, err = m.decoder.DecodeAll(payload, nil)
		if err != nil {
			m.logger.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
			_ = m.cache.Delete(key)
			m.stats.Misses.Add(1)
			return nil, false
		}
	}

	m.stats.Hits.Add(1)
	m.stats.BytesRead.Add(uint64(len(payload)))
	return payload, true
}

// Set stores a value with the default TTL.
func (m *Memory) Set(key string, value []byte) error {
	return m.SetWithTTL(key, value, m.config.DefaultTTL)
}

// SetWithTTL stores a value with a specific TTL. A zero TTL means the entry
// only expires with the life window.
func (m *Memory) SetWithTTL(key string, value []byte, ttl time.Duration) error {
	payload := value
	compressed := false

	if m.config.EnableCompression && len(value) > m.config.CompressionThreshold {
		candidate := m.encoder.EncodeAll(value, nil)
		if len(candidate) < len(value) {
			payload = candidate
			compressed = true
		}
	}

	var expiry time.Time
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}

	if err := m.cache.Set(key, encodeEnvelope(payload, expiry, compressed)); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	m.stats.Sets.Add(1)
	m.stats.BytesWritten.Add(uint64(len(payload)))
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (m *Memory) Delete(key string) error {
	err := m.cache.Delete(key)
	if err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	m.stats.Deletes.Add(1)
	return nil
}

// DeletePattern removes every key with the given prefix and reports how many
// entries were dropped.
func (m *Memory) DeletePattern(prefix string) (int, error) {
	var keys []string
	it := m.cache.Iterator()
	for it.SetNext() {
		entry, err := it.Value()
		if err != nil {
			continue
		}
		if strings.HasPrefix(entry.Key(), prefix) {
			keys = append(keys, entry.Key())
		}
	}

	deleted := 0
	for _, key := range keys {
		if err := m.cache.Delete(key); err == nil {
			deleted++
		}
	}
	m.stats.Deletes.Add(uint64(deleted))
	return deleted, nil
}

// Stats returns cache counters.
func (m *Memory) Stats() map[string]interface{} {
	hits := m.stats.Hits.Load()
	misses := m.stats.Misses.Load()
	hitRate := float64(0)
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return map[string]interface{}{
		"hits":          hits,
		"misses":        misses,
		"hit_rate":      hitRate,
		"sets":          m.stats.Sets.Load(),
		"deletes":       m.stats.Deletes.Load(),
		"expired":       m.stats.Expired.Load(),
		"bytes_written": m.stats.BytesWritten.Load(),
		"bytes_read":    m.stats.BytesRead.Load(),
		"entries":       m.cache.Len(),
	}
}

// Close releases the backend and the compression codecs.
func (m *Memory) Close() error {
	if m.decoder != nil {
		m.decoder.Close()
	}
	if m.encoder != nil {
		_ = m.encoder.Close()
	}
	return m.cache.Close()
}

// Entry layout: 1 flag byte, 8 bytes expiry (unix nanos, 0 = none), payload.
const (
	envelopeHeaderSize = 9
	flagCompressed     = 1 << 0
)

func encodeEnvelope(payload []byte, expiry time.Time, compressed bool) []byte {
	buf := make([]byte, envelopeHeaderSize+len(payload))
	if compressed {
		buf[0] |= flagCompressed
	}
	if !expiry.IsZero() {
		binary.BigEndian.PutUint64(buf[1:9], uint64(expiry.UnixNano()))
	}
	copy(buf[envelopeHeaderSize:], payload)
	return buf
}

func decodeEnvelope(raw []byte) ([]byte, time.Time, bool, error) {
	if len(raw) < envelopeHeaderSize {
		return nil, time.Time{}, false, ErrCorruptEntry
	}
	compressed := raw[0]&flagCompressed != 0
	var expiry time.Time
	if nanos := binary.BigEndian.Uint64(raw[1:9]); nanos != 0 {
		expiry = time.Unix(0, int64(nanos))
	}
	return raw[envelopeHeaderSize:], expiry, compressed, nil
}

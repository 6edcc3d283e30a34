package database

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/manabihq/manabi/internal/cache"
)

// BatchFetch loads the values for a set of keys in one round trip. It must
// return exactly one value per key, in key order, with the zero value
// standing in for keys that do not exist.
type BatchFetch[V any] func(ctx context.Context, keys []string) ([]V, error)

type loadResult[V any] struct {
	value V
	err   error
}

type pendingBatch[V any] struct {
	keys    []string
	waiters map[string][]chan loadResult[V]
}

type loaderStats struct {
	CacheHits atomic.Uint64
	Coalesced atomic.Uint64
	Scheduled atomic.Uint64
	Batches   atomic.Uint64
	Failures  atomic.Uint64
}

// Loader coalesces individual key lookups issued within a short window into
// one bulk fetch. Concurrent loads of the same key share a single in-flight
// request, and fetched values land in the cache for later windows.
type Loader[V any] struct {
	logger  *zap.Logger
	config  *LoaderConfig
	fetch   BatchFetch[V]
	cache   cache.Store
	metrics *Metrics
	stats   *loaderStats

	mu      sync.Mutex
	pending map[string][]chan loadResult[V]
	keys    []string
	timer   *time.Timer
	gen     uint64
}

// NewLoader creates a loader around the given bulk fetch. The cache store
// and metrics may be nil; a nil config uses the defaults.
func NewLoader[V any](logger *zap.Logger, config *LoaderConfig, store cache.Store, metrics *Metrics, fetch BatchFetch[V]) *Loader[V] {
	if fetch == nil {
		panic("database: NewLoader requires a batch fetch")
	}
	if config == nil {
		config = DefaultLoaderConfig()
	}
	if config.BatchWindow <= 0 {
		config.BatchWindow = DefaultLoaderConfig().BatchWindow
	}
	return &Loader[V]{
		logger:  logger,
		config:  config,
		fetch:   fetch,
		cache:   store,
		metrics: metrics,
		stats:   &loaderStats{},
		pending: make(map[string][]chan loadResult[V]),
	}
}

// Load returns the value for one key, served from cache when possible and
// otherwise coalesced into the current batching window. It blocks until the
// window's fetch completes or ctx is done.
func (l *Loader[V]) Load(ctx context.Context, key string) (V, error) {
	if value, ok := l.fromCache(key); ok {
		return value, nil
	}

	ch := l.enqueue(key)

	var zero V
	select {
	case res := <-ch:
		return res.value, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// LoadMany returns the values for all keys in request order. Every key is
// registered before any wait so a single window captures the whole set. A
// failed fetch fails the call.
func (l *Loader[V]) LoadMany(ctx context.Context, keys []string) ([]V, error) {
	results := make([]V, len(keys))
	channels := make([]<-chan loadResult[V], len(keys))

	for i, key := range keys {
		if value, ok := l.fromCache(key); ok {
			results[i] = value
			continue
		}
		channels[i] = l.enqueue(key)
	}

	for i, ch := range channels {
		if ch == nil {
			continue
		}
		select {
		case res := <-ch:
			if res.err != nil {
				return nil, res.err
			}
			results[i] = res.value
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return results, nil
}

// ClearCache drops one key's cached value, typically after a mutation.
func (l *Loader[V]) ClearCache(key string) {
	if l.cache != nil {
		_ = l.cache.Delete(l.config.CachePrefix + key)
	}
}

// ClearAll drops every value this loader has cached.
func (l *Loader[V]) ClearAll() {
	if l.cache != nil {
		_, _ = l.cache.DeletePattern(l.config.CachePrefix)
	}
}

// Stats returns loader counters.
func (l *Loader[V]) Stats() map[string]interface{} {
	return map[string]interface{}{
		"cache_hits": l.stats.CacheHits.Load(),
		"coalesced":  l.stats.Coalesced.Load(),
		"scheduled":  l.stats.Scheduled.Load(),
		"batches":    l.stats.Batches.Load(),
		"failures":   l.stats.Failures.Load(),
	}
}

func (l *Loader[V]) fromCache(key string) (V, bool) {
	var zero V
	if l.cache == nil {
		return zero, false
	}

	data, found := l.cache.Get(l.config.CachePrefix + key)
	if !found {
		return zero, false
	}

	var value V
	if err := json.Unmarshal(data, &value); err != nil {
		l.logger.Warn("Dropping undecodable loader cache entry",
			zap.String("key", key), zap.Error(err))
		_ = l.cache.Delete(l.config.CachePrefix + key)
		return zero, false
	}

	l.stats.CacheHits.Add(1)
	if l.metrics != nil {
		l.metrics.RecordLoad("cache")
	}
	return value, true
}

// enqueue registers a waiter for key in the current window, arming the flush
// timer for a fresh window and flushing early when the window is full.
func (l *Loader[V]) enqueue(key string) <-chan loadResult[V] {
	ch := make(chan loadResult[V], 1)

	l.mu.Lock()
	if waiters, ok := l.pending[key]; ok {
		l.pending[key] = append(waiters, ch)
		l.mu.Unlock()
		l.stats.Coalesced.Add(1)
		if l.metrics != nil {
			l.metrics.RecordLoad("pending")
		}
		return ch
	}

	l.pending[key] = []chan loadResult[V]{ch}
	l.keys = append(l.keys, key)
	if l.timer == nil {
		gen := l.gen
		l.timer = time.AfterFunc(l.config.BatchWindow, func() { l.flushWindow(gen) })
	}

	var batch *pendingBatch[V]
	if l.config.MaxBatchSize > 0 && len(l.keys) >= l.config.MaxBatchSize {
		batch = l.detachLocked()
	}
	l.mu.Unlock()

	l.stats.Scheduled.Add(1)
	if l.metrics != nil {
		l.metrics.RecordLoad("batch")
	}
	if batch != nil {
		go l.runBatch(batch)
	}
	return ch
}

// flushWindow is the timer callback. The generation guard makes a stale
// timer a no-op after an early size flush already took its window.
func (l *Loader[V]) flushWindow(gen uint64) {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	batch := l.detachLocked()
	l.mu.Unlock()

	if batch != nil {
		l.runBatch(batch)
	}
}

// detachLocked takes the current window so the fetch can run outside the
// lock. Arrivals after this start a fresh window. Caller holds l.mu.
func (l *Loader[V]) detachLocked() *pendingBatch[V] {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.gen++
	if len(l.keys) == 0 {
		return nil
	}

	batch := &pendingBatch[V]{keys: l.keys, waiters: l.pending}
	l.keys = nil
	l.pending = make(map[string][]chan loadResult[V])
	return batch
}

func (l *Loader[V]) runBatch(batch *pendingBatch[V]) {
	ctx := context.Background()
	if l.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.FetchTimeout)
		defer cancel()
	}

	l.stats.Batches.Add(1)
	if l.metrics != nil {
		l.metrics.RecordBatch(len(batch.keys))
	}

	values, err := l.fetch(ctx, batch.keys)
	if err == nil && len(values) != len(batch.keys) {
		err = fmt.Errorf("batch fetch returned %d values for %d keys", len(values), len(batch.keys))
	}
	if err != nil {
		l.stats.Failures.Add(1)
		l.logger.Error("Batch fetch failed",
			zap.Int("keys", len(batch.keys)), zap.Error(err))
		for _, waiters := range batch.waiters {
			for _, ch := range waiters {
				ch <- loadResult[V]{err: err}
			}
		}
		return
	}

	for i, key := range batch.keys {
		value := values[i]
		if l.cache != nil && !isZeroValue(value) {
			if data, err := json.Marshal(value); err == nil {
				_ = l.cache.SetWithTTL(l.config.CachePrefix+key, data, l.config.CacheTTL)
			}
		}
		for _, ch := range batch.waiters[key] {
			ch <- loadResult[V]{value: value}
		}
	}
}

// isZeroValue reports whether v is its type's zero value, so absent rows
// are never cached.
func isZeroValue(v interface{}) bool {
	if v == nil {
		return true
	}
	return reflect.ValueOf(v).IsZero()
}

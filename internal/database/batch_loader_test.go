package database

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/manabihq/manabi/internal/cache"
)

// recordingFetch returns "v:<key>" for every key and records each batch.
type recordingFetch struct {
	mu      sync.Mutex
	batches [][]string
	missing map[string]bool
	err     error
	delay   time.Duration
}

func (r *recordingFetch) fetch(ctx context.Context, keys []string) ([]string, error) {
	r.mu.Lock()
	batch := make([]string, len(keys))
	copy(batch, keys)
	r.batches = append(r.batches, batch)
	err := r.err
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	values := make([]string, len(keys))
	for i, key := range keys {
		if r.missing[key] {
			continue
		}
		values[i] = "v:" + key
	}
	return values, nil
}

func (r *recordingFetch) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recordingFetch) batch(i int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.batches[i]))
	copy(out, r.batches[i])
	return out
}

func testLoaderConfig() *LoaderConfig {
	return &LoaderConfig{
		BatchWindow:  50 * time.Millisecond,
		MaxBatchSize: 100,
		FetchTimeout: 5 * time.Second,
		CacheTTL:     time.Minute,
		CachePrefix:  "test:",
	}
}

func TestLoaderCoalescing(t *testing.T) {
	t.Run("ConcurrentLoadsShareOneFetch", func(t *testing.T) {
		rec := &recordingFetch{}
		loader := NewLoader[string](zap.NewNop(), testLoaderConfig(), nil, nil, rec.fetch)

		const goroutines = 10
		var wg sync.WaitGroup
		results := make([]string, goroutines)
		errs := make([]error, goroutines)
		start := make(chan struct{})

		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				results[i], errs[i] = loader.Load(context.Background(), "course-1")
			}(i)
		}
		close(start)
		wg.Wait()

		for i := 0; i < goroutines; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, "v:course-1", results[i])
		}

		require.Equal(t, 1, rec.batchCount(), "all loads must share a single fetch")
		assert.Equal(t, []string{"course-1"}, rec.batch(0), "the key appears once per batch")
	})

	t.Run("DistinctKeysShareOneWindow", func(t *testing.T) {
		rec := &recordingFetch{}
		loader := NewLoader[string](zap.NewNop(), testLoaderConfig(), nil, nil, rec.fetch)

		keys := []string{"a", "b", "c", "d", "e"}
		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, key := range keys {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				<-start
				value, err := loader.Load(context.Background(), key)
				assert.NoError(t, err)
				assert.Equal(t, "v:"+key, value)
			}(key)
		}
		close(start)
		wg.Wait()

		require.Equal(t, 1, rec.batchCount())
		got := rec.batch(0)
		sort.Strings(got)
		assert.Equal(t, keys, got)
	})

	t.Run("LoadManyPreservesOrder", func(t *testing.T) {
		rec := &recordingFetch{}
		loader := NewLoader[string](zap.NewNop(), testLoaderConfig(), nil, nil, rec.fetch)

		values, err := loader.LoadMany(context.Background(), []string{"c", "b", "a", "b"})
		require.NoError(t, err)

		assert.Equal(t, []string{"v:c", "v:b", "v:a", "v:b"}, values)
		require.Equal(t, 1, rec.batchCount())
		assert.Equal(t, []string{"c", "b", "a"}, rec.batch(0), "duplicate keys coalesce")
	})

	t.Run("FullWindowFlushesEarly", func(t *testing.T) {
		rec := &recordingFetch{}
		config := testLoaderConfig()
		config.BatchWindow = 2 * time.Second
		config.MaxBatchSize = 3
		loader := NewLoader[string](zap.NewNop(), config, nil, nil, rec.fetch)

		began := time.Now()
		values, err := loader.LoadMany(context.Background(), []string{"a", "b", "c"})
		require.NoError(t, err)

		assert.Equal(t, []string{"v:a", "v:b", "v:c"}, values)
		assert.Less(t, time.Since(began), time.Second, "a full window must not wait for the timer")
	})
}

func TestLoaderCache(t *testing.T) {
	newStore := func(t *testing.T) cache.Store {
		store, err := cache.NewMemory(zap.NewNop(), cache.Config{})
		require.NoError(t, err)
		return store
	}

	t.Run("HitSkipsFetch", func(t *testing.T) {
		rec := &recordingFetch{}
		loader := NewLoader[string](zap.NewNop(), testLoaderConfig(), newStore(t), nil, rec.fetch)

		first, err := loader.Load(context.Background(), "course-1")
		require.NoError(t, err)
		second, err := loader.Load(context.Background(), "course-1")
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, 1, rec.batchCount(), "the second load must be served from cache")
		assert.Equal(t, uint64(1), loader.Stats()["cache_hits"])
	})

	t.Run("ZeroValuesAreNotCached", func(t *testing.T) {
		rec := &recordingFetch{missing: map[string]bool{"ghost": true}}
		loader := NewLoader[string](zap.NewNop(), testLoaderConfig(), newStore(t), nil, rec.fetch)

		value, err := loader.Load(context.Background(), "ghost")
		require.NoError(t, err)
		assert.Empty(t, value)

		_, err = loader.Load(context.Background(), "ghost")
		require.NoError(t, err)
		assert.Equal(t, 2, rec.batchCount(), "absent keys are fetched again")
	})

	t.Run("ClearCacheForcesRefetch", func(t *testing.T) {
		rec := &recordingFetch{}
		loader := NewLoader[string](zap.NewNop(), testLoaderConfig(), newStore(t), nil, rec.fetch)

		_, err := loader.Load(context.Background(), "course-1")
		require.NoError(t, err)

		loader.ClearCache("course-1")

		_, err = loader.Load(context.Background(), "course-1")
		require.NoError(t, err)
		assert.Equal(t, 2, rec.batchCount())
	})
}

func TestLoaderFailures(t *testing.T) {
	t.Run("FetchErrorRejectsAllWaiters", func(t *testing.T) {
		wantErr := errors.New("replica down")
		rec := &recordingFetch{err: wantErr}
		loader := NewLoader[string](zap.NewNop(), testLoaderConfig(), nil, nil, rec.fetch)

		var wg sync.WaitGroup
		errs := make([]error, 4)
		keys := []string{"a", "a", "b", "b"}
		start := make(chan struct{})
		for i, key := range keys {
			wg.Add(1)
			go func(i int, key string) {
				defer wg.Done()
				<-start
				_, errs[i] = loader.Load(context.Background(), key)
			}(i, key)
		}
		close(start)
		wg.Wait()

		for _, err := range errs {
			assert.ErrorIs(t, err, wantErr)
		}
		assert.Equal(t, 1, rec.batchCount())
	})

	t.Run("ShortFetchFailsTheFlush", func(t *testing.T) {
		fetch := func(ctx context.Context, keys []string) ([]string, error) {
			return make([]string, len(keys)-1), nil
		}
		loader := NewLoader[string](zap.NewNop(), testLoaderConfig(), nil, nil, fetch)

		_, err := loader.LoadMany(context.Background(), []string{"a", "b"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "returned")
	})

	t.Run("ContextCancelledWhileWaiting", func(t *testing.T) {
		rec := &recordingFetch{}
		config := testLoaderConfig()
		config.BatchWindow = time.Second
		loader := NewLoader[string](zap.NewNop(), config, nil, nil, rec.fetch)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := loader.Load(ctx, "slow")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

package database

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMemoryDB(t *testing.T, maxOpen int) *DB {
	t.Helper()

	db, err := New(zap.NewNop(), &Config{
		Driver:       "sqlite3",
		WriteDSN:     ":memory:",
		MaxOpenConns: maxOpen,
		MaxIdleConns: maxOpen,
		QueryTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLoadTestConfigValidate(t *testing.T) {
	t.Run("RejectsZeroConcurrency", func(t *testing.T) {
		config := LightPreset()
		config.Concurrency = 0
		assert.Error(t, config.Validate())
	})

	t.Run("RejectsBadRatio", func(t *testing.T) {
		config := LightPreset()
		config.ReadQueries = []string{"SELECT 1"}
		config.ReadWriteRatio = 1.5
		assert.Error(t, config.Validate())
	})

	t.Run("RequiresReadQueries", func(t *testing.T) {
		config := &LoadTestConfig{
			Concurrency:    1,
			Duration:       time.Second,
			ReadWriteRatio: 0.5,
			WriteQueries:   []string{"INSERT INTO t VALUES (1)"},
		}
		assert.Error(t, config.Validate())
	})

	t.Run("RequiresWriteQueries", func(t *testing.T) {
		config := &LoadTestConfig{
			Concurrency:    1,
			Duration:       time.Second,
			ReadWriteRatio: 0.5,
			ReadQueries:    []string{"SELECT 1"},
		}
		assert.Error(t, config.Validate())
	})

	t.Run("DefaultsSampleInterval", func(t *testing.T) {
		config := &LoadTestConfig{
			Concurrency:    1,
			Duration:       time.Second,
			ReadWriteRatio: 1,
			ReadQueries:    []string{"SELECT 1"},
		}
		require.NoError(t, config.Validate())
		assert.Equal(t, time.Second, config.SampleInterval)
	})
}

func TestPresetConfig(t *testing.T) {
	t.Run("KnownPresets", func(t *testing.T) {
		light, err := PresetConfig("light")
		require.NoError(t, err)
		assert.Equal(t, 5, light.Concurrency)

		medium, err := PresetConfig("medium")
		require.NoError(t, err)
		assert.Equal(t, 20, medium.Concurrency)

		heavy, err := PresetConfig("heavy")
		require.NoError(t, err)
		assert.Equal(t, 50, heavy.Concurrency)
	})

	t.Run("CaseInsensitive", func(t *testing.T) {
		config, err := PresetConfig("Medium")
		require.NoError(t, err)
		assert.Equal(t, 20, config.Concurrency)
	})

	t.Run("UnknownPreset", func(t *testing.T) {
		_, err := PresetConfig("extreme")
		assert.ErrorIs(t, err, ErrUnknownPreset)
	})
}

func TestLoadTesterRun(t *testing.T) {
	t.Run("HealthyWorkload", func(t *testing.T) {
		db := newMemoryDB(t, 50)
		tester := NewLoadTester(zap.NewNop(), db, nil)

		result, err := tester.Run(context.Background(), &LoadTestConfig{
			Concurrency:    2,
			Duration:       150 * time.Millisecond,
			SampleInterval: 20 * time.Millisecond,
			ReadWriteRatio: 1,
			ReadQueries:    []string{"SELECT 1", "SELECT 2"},
		})
		require.NoError(t, err)

		assert.NotEmpty(t, result.RunID)
		assert.Greater(t, result.TotalQueries, uint64(0))
		assert.Equal(t, result.TotalQueries, result.SuccessfulQueries+result.FailedQueries)
		assert.Zero(t, result.FailedQueries)
		assert.Greater(t, result.Throughput, 0.0)
		assert.GreaterOrEqual(t, result.Latency.Max, result.Latency.Median)
		assert.Equal(t,
			[]string{"Connection pool is healthy for this workload; no changes needed"},
			result.Recommendations)
	})

	t.Run("FailingWritesAreCounted", func(t *testing.T) {
		db := newMemoryDB(t, 10)
		tester := NewLoadTester(zap.NewNop(), db, nil)

		result, err := tester.Run(context.Background(), &LoadTestConfig{
			Concurrency:    2,
			Duration:       100 * time.Millisecond,
			SampleInterval: 20 * time.Millisecond,
			ReadWriteRatio: 0,
			WriteQueries:   []string{"INSERT INTO missing_table (id) VALUES (1)"},
		})
		require.NoError(t, err)

		assert.Greater(t, result.FailedQueries, uint64(0))
		assert.Zero(t, result.SuccessfulQueries)
		assert.Equal(t, result.TotalQueries, result.FailedQueries)
		assert.NotEmpty(t, result.Errors)
		assert.LessOrEqual(t, len(result.Errors), maxErrorSamples)

		found := false
		for _, rec := range result.Recommendations {
			if strings.HasPrefix(rec, "High failure rate") {
				found = true
			}
		}
		assert.True(t, found, "expected a failure rate recommendation, got %v", result.Recommendations)
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		db := newMemoryDB(t, 10)
		tester := NewLoadTester(zap.NewNop(), db, nil)

		_, err := tester.Run(context.Background(), nil)
		assert.Error(t, err)

		_, err = tester.Run(context.Background(), &LoadTestConfig{Concurrency: -1})
		assert.Error(t, err)
	})

	t.Run("ContextCancelStopsEarly", func(t *testing.T) {
		db := newMemoryDB(t, 10)
		tester := NewLoadTester(zap.NewNop(), db, nil)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		started := time.Now()
		result, err := tester.Run(ctx, &LoadTestConfig{
			Concurrency:    2,
			Duration:       30 * time.Second,
			SampleInterval: 20 * time.Millisecond,
			ReadWriteRatio: 1,
			ReadQueries:    []string{"SELECT 1"},
		})
		require.NoError(t, err)
		assert.Less(t, time.Since(started), 5*time.Second)
		assert.Equal(t, result.TotalQueries, result.SuccessfulQueries+result.FailedQueries)
	})
}

func TestQuickStressTest(t *testing.T) {
	db := newMemoryDB(t, 3)
	tester := NewLoadTester(zap.NewNop(), db, nil)

	result, err := tester.QuickStressTest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.MaxConnections)
	assert.Equal(t, 3, result.AcquiredConnections)
	assert.True(t, result.Exhausted)
	assert.Equal(t, 3, result.ExhaustedAt)
	assert.Less(t, result.AcquisitionLatency, time.Second)

	// The probe must hand every connection back.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := db.Write().Conn(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestWriteReport(t *testing.T) {
	db := newMemoryDB(t, 10)
	tester := NewLoadTester(zap.NewNop(), db, nil)

	config := LightPreset()
	config.ReadQueries = []string{"SELECT 1"}
	result := &LoadTestResult{
		RunID:           "run-1",
		StartedAt:       time.Now(),
		TotalQueries:    42,
		Recommendations: []string{"Connection pool is healthy for this workload; no changes needed"},
	}

	path := filepath.Join(t.TempDir(), "reports", "run.json")
	require.NoError(t, tester.WriteReport(path, config, result))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var report struct {
		RunID  string          `json:"run_id"`
		Config *LoadTestConfig `json:"config"`
		Result *LoadTestResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, uint64(42), report.Result.TotalQueries)
	assert.Equal(t, config.Concurrency, report.Config.Concurrency)
}

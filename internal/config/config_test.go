package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "manabi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "manabi", cfg.App.Name)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, time.Second, cfg.Analyzer.SlowQueryThreshold)
	assert.True(t, cfg.Optimizer.CacheEnabled)
	assert.Equal(t, 5*time.Millisecond, cfg.Loader.BatchWindow)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	t.Run("RejectsUnknownDriver", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Database.Driver = "oracle"
		assert.Error(t, cfg.Validate())
	})

	t.Run("RejectsEmptyDSN", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Database.WriteDSN = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("RejectsIdleAboveOpen", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Database.MaxIdleConns = cfg.Database.MaxOpenConns + 1
		assert.Error(t, cfg.Validate())
	})

	t.Run("RejectsInvertedAnalyzerThresholds", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Analyzer.VerySlowQueryThreshold = cfg.Analyzer.SlowQueryThreshold
		assert.Error(t, cfg.Validate())
	})

	t.Run("RejectsZeroTTLWithCaching", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Optimizer.ResultCacheTTL = 0
		assert.Error(t, cfg.Validate())

		cfg = DefaultConfig()
		cfg.Optimizer.CacheEnabled = false
		cfg.Optimizer.ResultCacheTTL = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestManagerLoad(t *testing.T) {
	t.Run("FileOverridesDefaults", func(t *testing.T) {
		path := writeConfigFile(t, `
app:
  name: manabi-staging
database:
  max_open_conns: 40
analyzer:
  slow_query_threshold: 2s
`)

		manager, err := NewManager(zap.NewNop(), path)
		require.NoError(t, err)

		cfg := manager.Get()
		assert.Equal(t, "manabi-staging", cfg.App.Name)
		assert.Equal(t, 40, cfg.Database.MaxOpenConns)
		assert.Equal(t, 2*time.Second, cfg.Analyzer.SlowQueryThreshold)
		// Untouched sections keep their defaults.
		assert.Equal(t, "sqlite3", cfg.Database.Driver)
		assert.Equal(t, 5*time.Millisecond, cfg.Loader.BatchWindow)
	})

	t.Run("MissingFileUsesDefaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "absent.yaml")

		manager, err := NewManager(zap.NewNop(), path)
		require.NoError(t, err)
		assert.Equal(t, "manabi", manager.Get().App.Name)
	})

	t.Run("InvalidFileFailsLoad", func(t *testing.T) {
		path := writeConfigFile(t, `
database:
  driver: oracle
`)
		_, err := NewManager(zap.NewNop(), path)
		assert.Error(t, err)
	})
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	t.Setenv("MANABI_DATABASE_MAX_OPEN_CONNS", "77")
	t.Setenv("MANABI_ANALYZER_SLOW_QUERY_THRESHOLD", "3s")
	t.Setenv("MANABI_OPTIMIZER_CACHE_ENABLED", "false")
	t.Setenv("MANABI_ANALYZER_ROW_ESTIMATE_VARIANCE", "0.75")
	t.Setenv("MANABI_LOAD_TEST_READ_QUERIES", "SELECT 1,SELECT 2")

	manager, err := NewManager(zap.NewNop(), path)
	require.NoError(t, err)

	cfg := manager.Get()
	assert.Equal(t, 77, cfg.Database.MaxOpenConns)
	assert.Equal(t, 3*time.Second, cfg.Analyzer.SlowQueryThreshold)
	assert.False(t, cfg.Optimizer.CacheEnabled)
	assert.Equal(t, 0.75, cfg.Analyzer.RowEstimateVariance)
	assert.Equal(t, []string{"SELECT 1", "SELECT 2"}, cfg.LoadTest.ReadQueries)
}

func TestEnvOverrideRejectsBadValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	t.Setenv("MANABI_DATABASE_MAX_OPEN_CONNS", "lots")

	_, err := NewManager(zap.NewNop(), path)
	assert.Error(t, err)
}

func TestManagerSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "manabi.yaml")

	manager, err := NewManager(zap.NewNop(), path)
	require.NoError(t, err)
	require.NoError(t, manager.Save())

	reloaded, err := NewManager(zap.NewNop(), path)
	require.NoError(t, err)
	assert.Equal(t, manager.Get().Database.MaxOpenConns, reloaded.Get().Database.MaxOpenConns)
}

func TestOnChangeFiresAfterLoad(t *testing.T) {
	path := writeConfigFile(t, "app:\n  name: before\n")

	manager, err := NewManager(zap.NewNop(), path)
	require.NoError(t, err)

	changed := make(chan *Config, 1)
	manager.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("app:\n  name: after\n"), 0644))
	require.NoError(t, manager.Load())

	select {
	case cfg := <-changed:
		assert.Equal(t, "after", cfg.App.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfigFile(t, "app:\n  name: before\n")

	watcher, err := NewWatcher(zap.NewNop(), path)
	require.NoError(t, err)
	watcher.SetDebounce(50 * time.Millisecond)

	fired := make(chan struct{}, 1)
	require.NoError(t, watcher.Start(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}))
	defer watcher.Stop()
	assert.True(t, watcher.IsRunning())

	require.NoError(t, os.WriteFile(path, []byte("app:\n  name: after\n"), 0644))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the watcher to fire after a write")
	}
}

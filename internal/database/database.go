package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Sentinel errors for the database layer.
var (
	ErrUnsupportedDriver = errors.New("database: unsupported driver")
	ErrInvalidIdentifier = errors.New("database: invalid identifier")
	ErrNotFound          = errors.New("database: not found")
)

// Row is a generic result row keyed by column name.
type Row map[string]interface{}

// Executor runs queries and statements. DB implements it with split pools,
// tests implement it with canned responses.
type Executor interface {
	Query(ctx context.Context, query string, args ...interface{}) ([]Row, error)
	Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// DB holds the read and write connection pools. Reads go to the read pool,
// writes and DDL to the write pool. With a single DSN both share one pool.
type DB struct {
	logger *zap.Logger
	read   *sql.DB
	write  *sql.DB
	driver string
	config *Config
}

// New opens the connection pools and verifies connectivity.
func New(logger *zap.Logger, config *Config) (*DB, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var driver string
	switch config.Driver {
	case "postgres", "postgresql":
		driver = "postgres"
	case "sqlite", "sqlite3":
		driver = "sqlite3"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, config.Driver)
	}

	write, err := sql.Open(driver, config.WriteDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open write pool: %w", err)
	}
	applyPoolSettings(write, config)

	// A distinct read DSN gets its own pool, typically pointed at a replica.
	read := write
	if config.ReadDSN != "" && config.ReadDSN != config.WriteDSN {
		read, err = sql.Open(driver, config.ReadDSN)
		if err != nil {
			write.Close()
			return nil, fmt.Errorf("failed to open read pool: %w", err)
		}
		applyPoolSettings(read, config)
	}

	if err := write.Ping(); err != nil {
		write.Close()
		if read != write {
			read.Close()
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database pools opened",
		zap.String("driver", driver),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Bool("split_pools", read != write),
	)

	return &DB{
		logger: logger,
		read:   read,
		write:  write,
		driver: driver,
		config: config,
	}, nil
}

func applyPoolSettings(db *sql.DB, config *Config) {
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
}

// Query runs a read query on the read pool and scans every row.
func (d *DB) Query(ctx context.Context, query string, args ...interface{}) ([]Row, error) {
	rows, err := d.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// Exec runs a statement on the write pool.
func (d *DB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	result, err := d.write.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	return result, nil
}

// Read exposes the read pool for callers that need raw access.
func (d *DB) Read() *sql.DB { return d.read }

// Write exposes the write pool.
func (d *DB) Write() *sql.DB { return d.write }

// Driver reports the resolved driver name.
func (d *DB) Driver() string { return d.driver }

// QueryTimeout reports the configured per-query timeout.
func (d *DB) QueryTimeout() time.Duration { return d.config.QueryTimeout }

// Close closes both pools.
func (d *DB) Close() error {
	var firstErr error
	if err := d.write.Close(); err != nil {
		firstErr = err
	}
	if d.read != d.write {
		if err := d.read.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// scanRows reads every remaining row into generic maps. Byte slices become
// strings so results survive a JSON round trip through the cache unchanged.
func scanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		targets := make([]interface{}, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}

	return out, nil
}

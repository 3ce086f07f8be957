// Package gateway provides the DuckDB persistence layer of the storage engine.
//
// The gateway owns the connection pool and every SQL statement: batched
// aggregate upserts, retention deletes, the redeem token table with its
// version-predicated update, and the append-only purchase table. Errors are
// classified as errors.ErrTransient or errors.ErrConstraint so callers can
// decide whether to retry.
package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/xtxerr/tally/config"
	"github.com/xtxerr/tally/internal/errors"
	"github.com/xtxerr/tally/internal/logging"
	"github.com/xtxerr/tally/internal/storage/types"
)

var log = logging.Component("gateway")

// =============================================================================
// Configuration
// =============================================================================

// UpsertPolicy decides how a flushed bucket merges with a stored row.
type UpsertPolicy int

const (
	// UpsertAdditive adds sum and count to the stored row.
	UpsertAdditive UpsertPolicy = iota
	// UpsertReplace overwrites the stored row.
	UpsertReplace
)

func (p UpsertPolicy) String() string {
	if p == UpsertReplace {
		return "replace"
	}
	return "additive"
}

// ParseUpsertPolicy parses "additive" or "replace".
func ParseUpsertPolicy(s string) (UpsertPolicy, error) {
	switch s {
	case "", "additive":
		return UpsertAdditive, nil
	case "replace":
		return UpsertReplace, nil
	default:
		return UpsertAdditive, errors.NewValidation("upsert_policy", fmt.Sprintf("unknown policy %q", s))
	}
}

// Config holds gateway configuration options.
type Config struct {
	// Path is the DuckDB database file. Empty opens an in-memory database.
	Path string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// InsertChunkSize is the number of rows per multi-row INSERT.
	InsertChunkSize int

	UpsertPolicy UpsertPolicy
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:            config.DefaultDatabasePath,
		MaxOpenConns:    config.DefaultMaxOpenConns,
		MaxIdleConns:    config.DefaultMaxIdleConns,
		ConnMaxLifetime: 30 * time.Minute,
		InsertChunkSize: config.DefaultInsertChunkSize,
		UpsertPolicy:    UpsertAdditive,
	}
}

// =============================================================================
// Gateway
// =============================================================================

// Gateway provides database operations.
//
// Gateway is safe for concurrent use.
type Gateway struct {
	db  *sql.DB
	cfg Config

	mu     sync.RWMutex
	closed bool

	// aggMu serializes writes per aggregate table. Concurrent additive
	// upserts of one key lose increments under DuckDB's optimistic
	// concurrency control.
	aggMu [types.Daily + 1]sync.Mutex
}

// Open opens the database and verifies the connection.
func Open(cfg Config) (*Gateway, error) {
	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.InsertChunkSize <= 0 {
		cfg.InsertChunkSize = config.DefaultInsertChunkSize
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", classify(err))
	}

	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	log.Info("database opened", "path", path, "upsert_policy", cfg.UpsertPolicy)

	return &Gateway{db: db, cfg: cfg}, nil
}

// Close closes the database. In-flight statements finish first.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true

	return g.db.Close()
}

// DB returns the underlying database connection.
func (g *Gateway) DB() *sql.DB {
	return g.db
}

// UpsertPolicy returns the configured merge policy.
func (g *Gateway) UpsertPolicy() UpsertPolicy {
	return g.cfg.UpsertPolicy
}

// Health checks database connectivity.
func (g *Gateway) Health(ctx context.Context) error {
	return classify(g.db.PingContext(ctx))
}

// =============================================================================
// Transaction Support
// =============================================================================

// Transaction executes fn within a database transaction.
//
// If fn returns an error, the transaction is rolled back.
// If fn returns nil, the transaction is committed.
func (g *Gateway) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

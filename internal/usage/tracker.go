// Package usage counts LLM calls per local day in SQLite and reports them as
// the budget that drives each agent's energy.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/smolclaw/internal/hormone"
)

const (
	schemaVersion  = 1
	schemaChecksum = "sc-v1-2026-10-llm-usage"

	// DefaultDailyLimit is the call budget when none is configured.
	DefaultDailyLimit = 500
)

// Config holds the dependencies for a Tracker.
type Config struct {
	// Path is the SQLite file. It is created if missing.
	Path       string
	DailyLimit int
	// Location decides where one day ends. Defaults to UTC.
	Location *time.Location
	Logger   *slog.Logger
	Now      func() time.Time
}

// Tracker records LLM calls and answers the daily budget question.
type Tracker struct {
	db     *sql.DB
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
	limit  atomic.Int64
}

// Open opens or creates the usage database.
func Open(cfg Config) (*Tracker, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("usage: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	t := &Tracker{db: db, loc: cfg.Location, now: cfg.Now, logger: cfg.Logger}
	if t.loc == nil {
		t.loc = time.UTC
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	limit := cfg.DailyLimit
	if limit == 0 {
		limit = DefaultDailyLimit
	}
	t.limit.Store(int64(limit))

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragma: %w", err)
	}
	if err := t.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

// Close closes the database.
func (t *Tracker) Close() error {
	return t.db.Close()
}

func (t *Tracker) initSchema(ctx context.Context) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS llm_usage (
			day TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			calls INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (day, agent_id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	var checksum string
	err = tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&checksum)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read migration: %w", err)
	case checksum != schemaChecksum:
		return fmt.Errorf("schema checksum mismatch for version %d: have %q want %q", schemaVersion, checksum, schemaChecksum)
	}
	return tx.Commit()
}

// SetLimit changes the daily call budget. Non-positive limits disable the
// budget and keep energy at full.
func (t *Tracker) SetLimit(limit int) {
	old := t.limit.Swap(int64(limit))
	if old != int64(limit) {
		t.logger.Info("usage: daily limit changed", "old", old, "new", limit)
	}
}

// Record adds n calls for agentID to today's count.
func (t *Tracker) Record(ctx context.Context, agentID string, n int) error {
	if n <= 0 {
		return nil
	}
	day := t.day()
	return retryOnBusy(ctx, 5, func() error {
		_, err := t.db.ExecContext(ctx, `
			INSERT INTO llm_usage (day, agent_id, calls) VALUES (?, ?, ?)
			ON CONFLICT(day, agent_id) DO UPDATE SET calls = calls + excluded.calls, updated_at = CURRENT_TIMESTAMP;
		`, day, agentID, n)
		return err
	})
}

// CallsToday returns today's total across agents.
func (t *Tracker) CallsToday(ctx context.Context) (int, error) {
	var calls int
	err := t.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(calls), 0) FROM llm_usage WHERE day = ?;`, t.day()).Scan(&calls)
	if err != nil {
		return 0, fmt.Errorf("usage: query: %w", err)
	}
	return calls, nil
}

// AgentCallsToday returns today's count for one agent.
func (t *Tracker) AgentCallsToday(ctx context.Context, agentID string) (int, error) {
	var calls int
	err := t.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(calls), 0) FROM llm_usage WHERE day = ? AND agent_id = ?;`, t.day(), agentID).Scan(&calls)
	if err != nil {
		return 0, fmt.Errorf("usage: query: %w", err)
	}
	return calls, nil
}

// UsageStatus implements hormone.BudgetSource.
func (t *Tracker) UsageStatus() (hormone.Usage, error) {
	calls, err := t.CallsToday(context.Background())
	if err != nil {
		return hormone.Usage{}, err
	}
	return hormone.Usage{CallsToday: calls, DailyLimit: int(t.limit.Load())}, nil
}

// Prune deletes rows older than keepDays local days.
func (t *Tracker) Prune(ctx context.Context, keepDays int) (int64, error) {
	cutoff := t.now().In(t.loc).AddDate(0, 0, -keepDays).Format(time.DateOnly)
	res, err := t.db.ExecContext(ctx, `DELETE FROM llm_usage WHERE day < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("usage: prune: %w", err)
	}
	return res.RowsAffected()
}

func (t *Tracker) day() string {
	return t.now().In(t.loc).Format(time.DateOnly)
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with jittered
// exponential backoff on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

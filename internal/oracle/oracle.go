// Package oracle validates candidate statements against a live database.
//
// The database is the authority: a statement the engine accepts is a
// success, a statement it rejects is an ordinary failure carrying the engine
// message, and a database that cannot be reached is reported as
// ErrUnavailable so the session does not mistake an outage for a rejection.
package oracle

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ShayCichocki/pgbolt/internal/ledger"
)

// ErrUnavailable means the oracle could not judge the candidate.
var ErrUnavailable = errors.New("oracle unavailable")

// Mode selects how candidates are checked.
type Mode string

const (
	// ModeExecute runs the statement inside a transaction that is always
	// rolled back.
	ModeExecute Mode = "execute"
	// ModeExplain only plans the statement.
	ModeExplain Mode = "explain"
)

// Drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config configures an SQL oracle.
type Config struct {
	Driver string
	DSN    string
	Mode   Mode
	// MaxOpenConns caps physical connections shared by every session.
	MaxOpenConns int
	// AcquireTimeout bounds the wait for a free connection.
	AcquireTimeout time.Duration
	// RowLimit caps the rows read in execute mode.
	RowLimit int
}

// DefaultConfig returns a local SQLite dry-run configuration.
func DefaultConfig() Config {
	return Config{
		Driver:         DriverSQLite,
		Mode:           ModeExecute,
		MaxOpenConns:   4,
		AcquireTimeout: 5 * time.Second,
		RowLimit:       100,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unknown oracle driver %q (want %s or %s)", c.Driver, DriverPostgres, DriverSQLite)
	}
	switch c.Mode {
	case ModeExecute, ModeExplain:
	default:
		return fmt.Errorf("unknown oracle mode %q (want %s or %s)", c.Mode, ModeExecute, ModeExplain)
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("oracle max_open_conns must be positive, got %d", c.MaxOpenConns)
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("oracle acquire_timeout must be positive, got %s", c.AcquireTimeout)
	}
	if c.RowLimit <= 0 {
		return fmt.Errorf("oracle row_limit must be positive, got %d", c.RowLimit)
	}
	return nil
}

// SQL is a session.Oracle over a database/sql connection pool. It is safe
// for concurrent use by many sessions.
type SQL struct {
	db             *sqlx.DB
	mode           Mode
	rowLimit       int
	acquireTimeout time.Duration
	// slots bounds concurrent checks to the pool size so waiting for a
	// connection can time out.
	slots  chan struct{}
	logger *zap.Logger
}

// Open connects to the configured database.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*SQL, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s oracle: %w", cfg.Driver, err)
	}
	o := New(db, cfg, logger)
	if err := o.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return o, nil
}

// New wraps an existing pool. cfg.Driver and cfg.DSN are ignored.
func New(db *sqlx.DB, cfg Config, logger *zap.Logger) *SQL {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 1
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeExecute
	}
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = 1
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	return &SQL{
		db:             db,
		mode:           cfg.Mode,
		rowLimit:       cfg.RowLimit,
		acquireTimeout: cfg.AcquireTimeout,
		slots:          make(chan struct{}, cfg.MaxOpenConns),
		logger:         logger,
	}
}

// DB returns the underlying pool.
func (o *SQL) DB() *sqlx.DB {
	return o.db
}

// Close closes the pool.
func (o *SQL) Close() error {
	return o.db.Close()
}

// Ping checks that the database is reachable.
func (o *SQL) Ping(ctx context.Context) error {
	if err := o.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrUnavailable, err)
	}
	return nil
}

// Validate implements session.Oracle.
func (o *SQL) Validate(ctx context.Context, candidate string) (ledger.Outcome, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return ledger.Outcome{}, err
	}
	defer release()

	start := time.Now()
	rows, err := o.check(ctx, candidate)
	if err != nil {
		return o.classify(ctx, err)
	}
	o.logger.Debug("candidate accepted",
		zap.String("mode", string(o.mode)),
		zap.Int("rows", rows),
		zap.Duration("elapsed", time.Since(start)))

	out := ledger.Succeeded(candidate)
	out.Rows = rows
	return out, nil
}

func (o *SQL) acquire(ctx context.Context) (func(), error) {
	var timeout <-chan time.Time
	if o.acquireTimeout > 0 {
		t := time.NewTimer(o.acquireTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case o.slots <- struct{}{}:
		return func() { <-o.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("%w: no connection available within %s", ErrUnavailable, o.acquireTimeout)
	}
}

func (o *SQL) check(ctx context.Context, candidate string) (int, error) {
	conn, err := o.db.Connx(ctx)
	if err != nil {
		return 0, connError{err}
	}
	defer conn.Close()

	if o.mode == ModeExplain {
		rows, err := conn.QueryxContext(ctx, "EXPLAIN "+candidate)
		if err != nil {
			return 0, err
		}
		return drain(rows, -1)
	}

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, connError{err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryxContext(ctx, candidate)
	if err != nil {
		return 0, err
	}
	return drain(rows, o.rowLimit)
}

// drain reads at most limit rows (limit < 0: all) and closes rows.
func drain(rows *sqlx.Rows, limit int) (int, error) {
	defer rows.Close()
	n := 0
	for (limit < 0 || n < limit) && rows.Next() {
		n++
	}
	if err := rows.Err(); err != nil {
		return n, err
	}
	return n, rows.Close()
}

// connError marks failures to obtain a connection or transaction.
type connError struct{ err error }

func (e connError) Error() string { return e.err.Error() }
func (e connError) Unwrap() error { return e.err }

// classify turns a statement error into a failure outcome or an oracle
// error.
func (o *SQL) classify(ctx context.Context, err error) (ledger.Outcome, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ledger.Outcome{}, ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ledger.Outcome{}, err
	}
	if unavailable(err) {
		o.logger.Warn("oracle unavailable", zap.Error(err))
		return ledger.Outcome{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return ledger.Failed(message(err)), nil
}

func unavailable(err error) bool {
	var ce connError
	if errors.As(err, &ce) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "28") || strings.HasPrefix(code, "57P")
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_NOTADB:
			return true
		}
	}
	return false
}

// message renders the engine message the way the transformer should see
// it: primary message, then detail, hint and position when present.
func message(err error) string {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err.Error()
	}
	parts := []string{pqErr.Message}
	if pqErr.Detail != "" {
		parts = append(parts, "DETAIL: "+pqErr.Detail)
	}
	if pqErr.Hint != "" {
		parts = append(parts, "HINT: "+pqErr.Hint)
	}
	if pqErr.Position != "" {
		parts = append(parts, "at position "+pqErr.Position)
	}
	return strings.Join(parts, " ")
}

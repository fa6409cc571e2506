package oracle

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// setupTestOracle opens a file-backed SQLite oracle with a small fixture
// table.
func setupTestOracle(t *testing.T, mutate func(*Config)) *SQL {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "oracle.db")
	cfg.AcquireTimeout = 200 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	o, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })

	_, err = o.DB().Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, amount REAL, created_at TEXT)`)
	require.NoError(t, err)
	_, err = o.DB().Exec(`
		INSERT INTO orders (amount, created_at) VALUES
			(10, '2024-01-01'), (20, '2024-01-02'), (30, '2024-01-03'),
			(40, '2024-01-04'), (50, '2024-01-05');
	`)
	require.NoError(t, err)
	return o
}

func TestValidate_Accepts(t *testing.T) {
	o := setupTestOracle(t, nil)

	out, err := o.Validate(context.Background(), "SELECT id, amount FROM orders WHERE amount > 15")
	require.NoError(t, err)

	assert.True(t, out.OK())
	assert.Equal(t, "SELECT id, amount FROM orders WHERE amount > 15", out.Artifact)
	assert.Equal(t, 4, out.Rows)
}

func TestValidate_RowLimit(t *testing.T) {
	o := setupTestOracle(t, func(c *Config) { c.RowLimit = 2 })

	out, err := o.Validate(context.Background(), "SELECT * FROM orders")
	require.NoError(t, err)
	assert.Equal(t, 2, out.Rows)
}

func TestValidate_RejectsWithEngineMessage(t *testing.T) {
	o := setupTestOracle(t, nil)

	tests := []struct {
		name      string
		candidate string
		contains  string
	}{
		{name: "unknown table", candidate: "SELECT * FROM missing", contains: "no such table"},
		{name: "unknown column", candidate: "SELECT nope FROM orders", contains: "no such column"},
		{name: "syntax", candidate: "SELEC 1", contains: "syntax error"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := o.Validate(context.Background(), tc.candidate)
			require.NoError(t, err, "a rejection is not an oracle error")

			assert.False(t, out.OK())
			assert.Contains(t, out.Error, tc.contains)
			assert.Empty(t, out.Artifact)
		})
	}
}

func TestValidate_ExecuteRollsBack(t *testing.T) {
	o := setupTestOracle(t, nil)

	out, err := o.Validate(context.Background(), "INSERT INTO orders (amount) VALUES (99)")
	require.NoError(t, err)
	require.True(t, out.OK())

	var n int
	require.NoError(t, o.DB().Get(&n, "SELECT COUNT(*) FROM orders"))
	assert.Equal(t, 5, n)
}

func TestValidate_ExplainMode(t *testing.T) {
	o := setupTestOracle(t, func(c *Config) { c.Mode = ModeExplain })

	out, err := o.Validate(context.Background(), "SELECT * FROM orders")
	require.NoError(t, err)
	assert.True(t, out.OK())

	out, err = o.Validate(context.Background(), "SELECT * FROM missing")
	require.NoError(t, err)
	assert.False(t, out.OK())
	assert.Contains(t, out.Error, "no such table")
}

func TestValidate_BoundedAcquire(t *testing.T) {
	o := setupTestOracle(t, func(c *Config) {
		c.MaxOpenConns = 1
		c.AcquireTimeout = 20 * time.Millisecond
	})

	// Occupy the only slot.
	o.slots <- struct{}{}
	defer func() { <-o.slots }()

	start := time.Now()
	_, err := o.Validate(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestValidate_CanceledContext(t *testing.T) {
	o := setupTestOracle(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Validate(ctx, "SELECT 1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestValidate_ClosedPoolIsUnavailable(t *testing.T) {
	o := setupTestOracle(t, nil)
	require.NoError(t, o.Close())

	_, err := o.Validate(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Error(t, o.Ping(context.Background()))
}

func TestClassify(t *testing.T) {
	o := &SQL{logger: zap.NewNop()}

	tests := []struct {
		name        string
		err         error
		unavailable bool
		message     string
	}{
		{name: "connection failure", err: &pq.Error{Code: "08006", Message: "connection failure"}, unavailable: true},
		{name: "bad password", err: &pq.Error{Code: "28P01", Message: "password authentication failed"}, unavailable: true},
		{name: "admin shutdown", err: &pq.Error{Code: "57P01", Message: "terminating connection"}, unavailable: true},
		{name: "bad conn", err: driver.ErrBadConn, unavailable: true},
		{name: "network", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, unavailable: true},
		{name: "acquire", err: connError{errors.New("pool closed")}, unavailable: true},
		{
			name:    "syntax error with hint",
			err:     &pq.Error{Code: "42601", Message: `syntax error at or near "::"`, Hint: "use CAST", Position: "17"},
			message: `syntax error at or near "::" HINT: use CAST at position 17`,
		},
		{
			name:    "undefined function with detail",
			err:     &pq.Error{Code: "42883", Message: "function now() does not exist", Detail: "no overload"},
			message: "function now() does not exist DETAIL: no overload",
		},
		{name: "plain", err: errors.New("boom"), message: "boom"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := o.classify(context.Background(), tc.err)
			if tc.unavailable {
				assert.ErrorIs(t, err, ErrUnavailable)
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.False(t, out.OK())
			assert.Equal(t, tc.message, out.Error)
		})
	}
}

func TestClassify_DeadlinePassesThrough(t *testing.T) {
	o := &SQL{logger: zap.NewNop()}

	_, err := o.classify(context.Background(), context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "driver", mutate: func(c *Config) { c.Driver = "mysql" }},
		{name: "mode", mutate: func(c *Config) { c.Mode = "dry" }},
		{name: "pool", mutate: func(c *Config) { c.MaxOpenConns = 0 }},
		{name: "acquire", mutate: func(c *Config) { c.AcquireTimeout = 0 }},
		{name: "rows", mutate: func(c *Config) { c.RowLimit = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

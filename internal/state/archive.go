package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ShayCichocki/pgbolt/internal/session"
)

// ErrNotFound is returned when a session is not in the archive.
var ErrNotFound = errors.New("session not found")

// SessionRecord is an archived session.
type SessionRecord struct {
	ID           string          `json:"id"`
	Original     string          `json:"original"`
	FinalSQL     string          `json:"final_sql"`
	Verdict      session.Verdict `json:"verdict"`
	MaxAttempts  int             `json:"max_attempts"`
	AttemptCount int             `json:"attempt_count"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	// Attempts is filled by GetSession only.
	Attempts []AttemptRecord `json:"attempts,omitempty"`
}

// AttemptRecord is an archived attempt.
type AttemptRecord struct {
	Index         int           `json:"index"`
	Strategy      string        `json:"strategy"`
	Method        string        `json:"method,omitempty"`
	Artifact      string        `json:"artifact"`
	Notes         []string      `json:"notes,omitempty"`
	Status        string        `json:"status"`
	Error         string        `json:"error,omitempty"`
	Category      string        `json:"category,omitempty"`
	Fingerprint   string        `json:"fingerprint,omitempty"`
	IsRepeat      bool          `json:"is_repeat"`
	PriorAttempts []int         `json:"prior_attempts,omitempty"`
	Duration      time.Duration `json:"duration"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ListOptions filters ListSessions.
type ListOptions struct {
	// Verdict restricts results to one verdict when set.
	Verdict session.Verdict
	// Limit caps the number of results; <= 0 means 50.
	Limit int
}

type sessionRow struct {
	ID           string `db:"id"`
	Original     string `db:"original"`
	FinalSQL     string `db:"final_sql"`
	Verdict      string `db:"verdict"`
	MaxAttempts  int    `db:"max_attempts"`
	AttemptCount int    `db:"attempt_count"`
	StartedAt    string `db:"started_at"`
	FinishedAt   string `db:"finished_at"`
}

type attemptRow struct {
	SessionID     string `db:"session_id"`
	Index         int    `db:"idx"`
	Strategy      string `db:"strategy"`
	Method        string `db:"method"`
	Artifact      string `db:"artifact"`
	Notes         string `db:"notes"`
	Status        string `db:"status"`
	Error         string `db:"error"`
	Category      string `db:"category"`
	Fingerprint   string `db:"fingerprint"`
	IsRepeat      bool   `db:"is_repeat"`
	PriorAttempts string `db:"prior_attempts"`
	DurationMS    int64  `db:"duration_ms"`
	CreatedAt     string `db:"created_at"`
}

// Archive stores a finished session and its attempts, replacing any
// earlier copy with the same ID. It implements session.Archiver.
func (db *DB) Archive(ctx context.Context, res *session.Result) error {
	rows := make([]attemptRow, 0, len(res.Attempts))
	for _, a := range res.Attempts {
		row := attemptRow{
			SessionID:     res.ID,
			Index:         a.Index,
			Strategy:      a.Strategy,
			Method:        a.Method,
			Artifact:      a.Artifact,
			Notes:         "[]",
			Status:        string(a.Outcome.Status),
			Error:         a.Outcome.Error,
			Category:      string(a.Outcome.Category),
			PriorAttempts: "[]",
			DurationMS:    a.Duration.Milliseconds(),
			CreatedAt:     formatTime(a.Timestamp),
		}
		if len(a.Notes) > 0 {
			notes, err := json.Marshal(a.Notes)
			if err != nil {
				return fmt.Errorf("encode notes: %w", err)
			}
			row.Notes = string(notes)
		}
		if a.Signature != nil {
			row.Fingerprint = a.Signature.Fingerprint
		}
		if a.Repetition != nil {
			row.IsRepeat = a.Repetition.IsRepeat
			if len(a.Repetition.PriorAttempts) > 0 {
				prior, err := json.Marshal(a.Repetition.PriorAttempts)
				if err != nil {
					return fmt.Errorf("encode prior attempts: %w", err)
				}
				row.PriorAttempts = string(prior)
			}
		}
		rows = append(rows, row)
	}

	err := db.Transaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE session_id = ?`, res.ID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO conversion_sessions (id, original, final_sql, verdict, max_attempts, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, res.ID, res.Original, res.FinalArtifact, string(res.Verdict), res.MaxAttempts,
			formatTime(res.StartedAt), formatTime(res.FinishedAt))
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO attempts (session_id, idx, strategy, method, artifact, notes, status, error, category, fingerprint, is_repeat, prior_attempts, duration_ms, created_at)
			VALUES (:session_id, :idx, :strategy, :method, :artifact, :notes, :status, :error, :category, :fingerprint, :is_repeat, :prior_attempts, :duration_ms, :created_at)
		`, rows)
		return err
	})
	if err != nil {
		return fmt.Errorf("archive session %s: %w", res.ID, err)
	}
	return nil
}

const selectSessions = `
	SELECT s.id, s.original, s.final_sql, s.verdict, s.max_attempts, s.started_at, s.finished_at,
		(SELECT COUNT(*) FROM attempts a WHERE a.session_id = s.id) AS attempt_count
	FROM conversion_sessions s
`

// GetSession retrieves an archived session with its attempts.
func (db *DB) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var row sessionRow
	err := db.conn.GetContext(ctx, &row, selectSessions+` WHERE s.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var attempts []attemptRow
	if err := db.conn.SelectContext(ctx, &attempts, `
		SELECT session_id, idx, strategy, method, artifact, notes, status, error, category, fingerprint, is_repeat, prior_attempts, duration_ms, created_at
		FROM attempts WHERE session_id = ? ORDER BY idx
	`, id); err != nil {
		return nil, fmt.Errorf("get attempts: %w", err)
	}

	rec := row.record()
	rec.Attempts = make([]AttemptRecord, 0, len(attempts))
	for _, a := range attempts {
		ar, err := a.record()
		if err != nil {
			return nil, err
		}
		rec.Attempts = append(rec.Attempts, ar)
	}
	return &rec, nil
}

// ListSessions returns archived sessions, newest first, without attempts.
func (db *DB) ListSessions(ctx context.Context, opts ListOptions) ([]SessionRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := selectSessions
	var args []any
	if opts.Verdict != "" {
		query += ` WHERE s.verdict = ?`
		args = append(args, string(opts.Verdict))
	}
	query += ` ORDER BY s.started_at DESC, s.id LIMIT ?`
	args = append(args, limit)

	db.mu.RLock()
	defer db.mu.RUnlock()

	var rows []sessionRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]SessionRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

func (r sessionRow) record() SessionRecord {
	rec := SessionRecord{
		ID:           r.ID,
		Original:     r.Original,
		FinalSQL:     r.FinalSQL,
		Verdict:      session.Verdict(r.Verdict),
		MaxAttempts:  r.MaxAttempts,
		AttemptCount: r.AttemptCount,
	}
	rec.StartedAt, _ = parseTime(r.StartedAt)
	rec.FinishedAt, _ = parseTime(r.FinishedAt)
	return rec
}

func (r attemptRow) record() (AttemptRecord, error) {
	rec := AttemptRecord{
		Index:       r.Index,
		Strategy:    r.Strategy,
		Method:      r.Method,
		Artifact:    r.Artifact,
		Status:      r.Status,
		Error:       r.Error,
		Category:    r.Category,
		Fingerprint: r.Fingerprint,
		IsRepeat:    r.IsRepeat,
		Duration:    time.Duration(r.DurationMS) * time.Millisecond,
	}
	if r.PriorAttempts != "" {
		if err := json.Unmarshal([]byte(r.PriorAttempts), &rec.PriorAttempts); err != nil {
			return AttemptRecord{}, fmt.Errorf("decode prior attempts of attempt %d: %w", r.Index, err)
		}
	}
	if r.Notes != "" {
		if err := json.Unmarshal([]byte(r.Notes), &rec.Notes); err != nil {
			return AttemptRecord{}, fmt.Errorf("decode notes of attempt %d: %w", r.Index, err)
		}
	}
	rec.CreatedAt, _ = parseTime(r.CreatedAt)
	return rec, nil
}

var _ session.Archiver = (*DB)(nil)

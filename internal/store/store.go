// ABOUTME: SQLite research log of swap completions per window session
// ABOUTME: Persists onsets, flags, and verdicts so timing runs can be analysed later
package store

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Flipstamp/flipstamp-go/pkg/flipstamp"

	_ "modernc.org/sqlite"
)

// Store writes completions to a WAL-mode SQLite database.
type Store struct {
	db *sql.DB
}

// Row is one stored completion.
type Row struct {
	Session      string
	Seq          uint64
	Status       string
	OnsetTime    float64
	FrameCounter uint64
	Flags        string
	Source       string
	SwapType     string
	Level        string
	Codes        string
	RecordedAt   time.Time
}

// Summary aggregates one session.
type Summary struct {
	Session   string
	Backend   string
	Presented int
	Discarded int
	Rejected  int
	// Mean and worst deviation of onset-to-onset intervals from the
	// refresh interval, in seconds. Only consecutive frames count.
	MeanInterval float64
	MaxJitter    float64
}

// New opens (or creates) the database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		backend          TEXT NOT NULL DEFAULT '',
		refresh_interval REAL NOT NULL DEFAULT 0,
		opened_at        TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS completions (
		session       TEXT NOT NULL REFERENCES sessions(id),
		seq           INTEGER NOT NULL,
		status        TEXT NOT NULL,
		onset         REAL NOT NULL,
		frame_counter INTEGER NOT NULL,
		flags         TEXT NOT NULL,
		source        TEXT NOT NULL,
		swap_type     TEXT NOT NULL,
		level         TEXT NOT NULL,
		codes         TEXT NOT NULL,
		recorded_at   TEXT NOT NULL,
		PRIMARY KEY (session, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_completions_onset ON completions(session, onset);
	`
	_, err := s.db.Exec(schema)
	return err
}

// OpenSession registers a window session. Idempotent.
func (s *Store) OpenSession(session, backendName string, refreshInterval float64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO sessions (id, backend, refresh_interval, opened_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   backend = excluded.backend,
			   refresh_interval = excluded.refresh_interval`,
			session, backendName, refreshInterval, now,
		)
		return err
	})
}

// RecordCompletion stores one completion. A repeated (session, seq)
// replaces the earlier row.
func (s *Store) RecordCompletion(c flipstamp.Completion) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	codes := make([]string, len(c.Verdict.Codes))
	for i, code := range c.Verdict.Codes {
		codes[i] = code.String()
	}

	return retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(
			`INSERT INTO sessions (id, opened_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
			c.Session, now,
		); err != nil {
			return err
		}

		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO completions
			 (session, seq, status, onset, frame_counter, flags, source, swap_type, level, codes, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.Session, int64(c.Seq), c.Status.String(), c.OnsetTime, int64(c.FrameCounter),
			c.Flags.String(), c.Source.String(), c.Verdict.SwapType.String(),
			c.Verdict.Level.String(), strings.Join(codes, ","), now,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Observer returns a completion observer that logs write failures
// through logf instead of returning them.
func (s *Store) Observer(logf func(format string, args ...interface{})) flipstamp.CompletionFunc {
	return func(c flipstamp.Completion) {
		if err := s.RecordCompletion(c); err != nil {
			logf("store: record seq %d of %s: %v", c.Seq, c.Session, err)
		}
	}
}

// Completions returns a session's completions ordered by sequence number.
// limit <= 0 returns all of them.
func (s *Store) Completions(session string, limit int) ([]Row, error) {
	query := `SELECT session, seq, status, onset, frame_counter, flags, source, swap_type, level, codes, recorded_at
	          FROM completions WHERE session = ? ORDER BY seq`
	args := []interface{}{session}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r         Row
			seq, fc   int64
			createdAt string
		)
		if err := rows.Scan(&r.Session, &seq, &r.Status, &r.OnsetTime, &fc, &r.Flags,
			&r.Source, &r.SwapType, &r.Level, &r.Codes, &createdAt); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		r.FrameCounter = uint64(fc)
		r.RecordedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sessions lists session ids, oldest first.
func (s *Store) Sessions() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM sessions ORDER BY opened_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Summarize aggregates a session. Intervals are only taken between
// presented frames whose frame counters are adjacent.
func (s *Store) Summarize(session string) (Summary, error) {
	sum := Summary{Session: session}

	var refresh float64
	err := s.db.QueryRow(`SELECT backend, refresh_interval FROM sessions WHERE id = ?`, session).
		Scan(&sum.Backend, &refresh)
	if err != nil {
		return sum, fmt.Errorf("session %s: %w", session, err)
	}

	rows, err := s.Completions(session, 0)
	if err != nil {
		return sum, err
	}

	var (
		total float64
		n     int
		prev  *Row
	)
	for i := range rows {
		r := &rows[i]
		if r.Level == "reject" {
			sum.Rejected++
		}
		if r.Status != "completed" {
			sum.Discarded++
			continue
		}
		sum.Presented++

		if prev != nil && r.FrameCounter == prev.FrameCounter+1 {
			interval := r.OnsetTime - prev.OnsetTime
			total += interval
			n++
			if refresh > 0 {
				sum.MaxJitter = math.Max(sum.MaxJitter, math.Abs(interval-refresh))
			}
		}
		prev = r
	}
	if n > 0 {
		sum.MeanInterval = total / float64(n)
	}
	return sum, nil
}

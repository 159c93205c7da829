// Package store keeps a local history of completed benchmark sessions so
// snapshotter configurations can be compared across invocations.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/h4x3rotab/docker-unpack-bench/internal/bench"
)

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	image          TEXT NOT NULL,
	num_runs       INTEGER NOT NULL,
	successful     INTEGER NOT NULL,
	failed         INTEGER NOT NULL,
	avg_duration_s REAL,
	started_at     DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	run_id      INTEGER NOT NULL,
	outcome     TEXT NOT NULL,
	duration_s  REAL NOT NULL,
	cpu_peak    REAL NOT NULL,
	mem_peak_mb REAL NOT NULL,
	pid_peak    INTEGER NOT NULL,
	PRIMARY KEY (session_id, run_id)
);
CREATE INDEX IF NOT EXISTS idx_sessions_image ON sessions(image);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);
`

// dsnWithPragmas applies WAL and a busy timeout per connection; PRAGMAs in
// the DSN are applied by the driver to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession appends one finished session and all its runs atomically.
func (s *Store) SaveSession(rep *bench.Report) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var avg sql.NullFloat64
	if rep.Summary.AvgDurationSeconds != nil {
		avg = sql.NullFloat64{Float64: *rep.Summary.AvgDurationSeconds, Valid: true}
	}

	_, err = tx.Exec(
		`INSERT INTO sessions (id, image, num_runs, successful, failed, avg_duration_s, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rep.BenchmarkConfig.SessionID, rep.BenchmarkConfig.TargetImage, rep.BenchmarkConfig.NumRuns,
		rep.Summary.SuccessfulRuns, rep.Summary.FailedRuns, avg, rep.BenchmarkConfig.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	for _, run := range rep.Runs {
		_, err = tx.Exec(
			`INSERT INTO runs (session_id, run_id, outcome, duration_s, cpu_peak, mem_peak_mb, pid_peak)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rep.BenchmarkConfig.SessionID, run.RunID, run.Outcome, run.DurationSeconds,
			run.PeakMetrics.CPUPeakPercent, run.PeakMetrics.MemoryPeakMB, run.PeakMetrics.PIDPeakCount,
		)
		if err != nil {
			return fmt.Errorf("inserting run %d: %w", run.RunID, err)
		}
	}

	return tx.Commit()
}

type SessionRow struct {
	ID           string
	Image        string
	NumRuns      int
	Successful   int
	Failed       int
	AvgDurationS *float64
	StartedAt    time.Time
}

// RecentSessions lists past sessions, newest first. An empty image matches
// every session.
func (s *Store) RecentSessions(image string, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, image, num_runs, successful, failed, avg_duration_s, started_at
		 FROM sessions`
	args := []any{}
	if image != "" {
		query += ` WHERE image = ?`
		args = append(args, image)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var avg sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.Image, &r.NumRuns, &r.Successful, &r.Failed, &avg, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		if avg.Valid {
			v := avg.Float64
			r.AvgDurationS = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionRuns returns the recorded runs of one session, in run order.
func (s *Store) SessionRuns(sessionID string) ([]bench.RunResult, error) {
	rows, err := s.db.Query(
		`SELECT run_id, outcome, duration_s, cpu_peak, mem_peak_mb, pid_peak
		 FROM runs WHERE session_id = ? ORDER BY run_id`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []bench.RunResult
	for rows.Next() {
		var r bench.RunResult
		if err := rows.Scan(&r.RunID, &r.Outcome, &r.DurationSeconds,
			&r.PeakMetrics.CPUPeakPercent, &r.PeakMetrics.MemoryPeakMB, &r.PeakMetrics.PIDPeakCount); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

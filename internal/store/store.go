package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a run id or kind has no rows.
var ErrNotFound = errors.New("run not found")

// Store provides SQLite-backed persistence for runs.
type Store struct {
	db *sql.DB
}

// NewStore opens the SQLite database at dbPath, creating its directory and
// tables if they don't exist.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS node_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		node_ref TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS ping_delays (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		repetition INTEGER NOT NULL,
		routers INTEGER NOT NULL,
		delay_ms REAL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateRun records the start of a run. params is stored as JSON.
func (s *Store) CreateRun(kind string, params any) (*Run, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	run := &Run{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusRunning,
		Params:    string(data),
		StartedAt: time.Now().UTC(),
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (id, kind, status, params, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Kind, run.Status, run.Params, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// FinishRun marks a run complete or failed.
func (s *Store) FinishRun(id, status string) error {
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id string) (*Run, error) {
	return s.scanRun(s.db.QueryRow(
		`SELECT id, kind, status, params, started_at, finished_at
		 FROM runs WHERE id = ?`,
		id,
	))
}

// LatestRun returns the most recently started run, optionally of one kind.
func (s *Store) LatestRun(kind string) (*Run, error) {
	if kind == "" {
		return s.scanRun(s.db.QueryRow(
			`SELECT id, kind, status, params, started_at, finished_at
			 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		))
	}
	return s.scanRun(s.db.QueryRow(
		`SELECT id, kind, status, params, started_at, finished_at
		 FROM runs WHERE kind = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		kind,
	))
}

func (s *Store) scanRun(row *sql.Row) (*Run, error) {
	var (
		run      Run
		finished sql.NullTime
	)
	err := row.Scan(&run.ID, &run.Kind, &run.Status, &run.Params, &run.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}

// ListRuns returns summaries of the most recent runs.
func (s *Store) ListRuns(limit int) ([]Summary, error) {
	rows, err := s.db.Query(
		`SELECT r.id, r.kind, r.status, r.started_at,
		        (SELECT COUNT(*) FROM node_results n WHERE n.run_id = r.id) AS nodes,
		        (SELECT COUNT(*) FROM node_results n WHERE n.run_id = r.id AND n.error_kind != '') AS failed,
		        (SELECT COUNT(*) FROM ping_delays p WHERE p.run_id = r.id) AS delays
		 FROM runs r
		 ORDER BY r.started_at DESC, r.rowid DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Kind, &sum.Status, &sum.StartedAt, &sum.Nodes, &sum.Failed, &sum.Delays); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return summaries, nil
}

// SaveNodeResults inserts every result in one transaction.
func (s *Store) SaveNodeResults(runID string, results []NodeResult) error {
	return s.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			`INSERT INTO node_results (run_id, node_ref, value, error_kind, error)
			 VALUES (?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return fmt.Errorf("prepare node result: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, r := range results {
			if _, err := stmt.Exec(runID, r.NodeRef, r.Value, r.ErrorKind, r.Error); err != nil {
				return fmt.Errorf("insert node result %s: %w", r.NodeRef, err)
			}
		}
		return nil
	})
}

// GetNodeResults retrieves the results of a run in insertion order.
func (s *Store) GetNodeResults(runID string) ([]NodeResult, error) {
	rows, err := s.db.Query(
		`SELECT run_id, node_ref, value, error_kind, error
		 FROM node_results
		 WHERE run_id = ?
		 ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query node results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []NodeResult
	for rows.Next() {
		var r NodeResult
		if err := rows.Scan(&r.RunID, &r.NodeRef, &r.Value, &r.ErrorKind, &r.Error); err != nil {
			return nil, fmt.Errorf("scan node result: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return results, nil
}

// SavePingDelays inserts scenario steps; unmeasured steps store NULL.
func (s *Store) SavePingDelays(runID string, delays []PingDelay) error {
	return s.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			`INSERT INTO ping_delays (run_id, repetition, routers, delay_ms)
			 VALUES (?, ?, ?, ?)`,
		)
		if err != nil {
			return fmt.Errorf("prepare ping delay: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, d := range delays {
			delay := sql.NullFloat64{Float64: d.DelayMs, Valid: d.Measured}
			if _, err := stmt.Exec(runID, d.Repetition, d.Routers, delay); err != nil {
				return fmt.Errorf("insert ping delay: %w", err)
			}
		}
		return nil
	})
}

// GetPingDelays retrieves a run's steps ordered by repetition and router count.
func (s *Store) GetPingDelays(runID string) ([]PingDelay, error) {
	rows, err := s.db.Query(
		`SELECT run_id, repetition, routers, delay_ms
		 FROM ping_delays
		 WHERE run_id = ?
		 ORDER BY repetition ASC, routers ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ping delays: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var delays []PingDelay
	for rows.Next() {
		var (
			d     PingDelay
			delay sql.NullFloat64
		)
		if err := rows.Scan(&d.RunID, &d.Repetition, &d.Routers, &delay); err != nil {
			return nil, fmt.Errorf("scan ping delay: %w", err)
		}
		d.DelayMs, d.Measured = delay.Float64, delay.Valid
		delays = append(delays, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return delays, nil
}

// DeleteRun removes a run and every row recorded for it.
func (s *Store) DeleteRun(id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM node_results WHERE run_id = ?`,
			`DELETE FROM ping_delays WHERE run_id = ?`,
		} {
			if _, err := tx.Exec(q, id); err != nil {
				return fmt.Errorf("delete run rows: %w", err)
			}
		}
		res, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil
	})
}

func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

package tracker

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// sqliteTracker records every metric of every training step in a
// SQLite database, so that multiple runs can be stored side by side
// and queried afterward. Each tracker instance registers itself as one
// run identified by a fresh UUID.
type sqliteTracker struct {
	db    *sql.DB
	runID string
}

// NewSQLite returns a Tracker backed by the SQLite database at
// filename, creating the database and its schema if needed. The run is
// tagged with the given name.
func NewSQLite(filename, name string) (Tracker, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("newsqlite: could not open database: %v", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			run_id TEXT NOT NULL REFERENCES runs(id),
			step INTEGER NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS metrics_run_step
			ON metrics (run_id, name, step)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("newsqlite: could not create schema: %v",
				err)
		}
	}

	runID := uuid.NewString()
	_, err = db.Exec("INSERT INTO runs (id, name, created_at) "+
		"VALUES (?, ?, ?)", runID, name, time.Now().UTC().Format(
		time.RFC3339))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("newsqlite: could not register run: %v", err)
	}

	return &sqliteTracker{db: db, runID: runID}, nil
}

// Track inserts all metrics of one training step in a single
// transaction.
func (s *sqliteTracker) Track(step int, metrics map[string]float64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("track: could not begin transaction: %v", err)
	}

	stmt, err := tx.Prepare("INSERT INTO metrics (run_id, step, name, " +
		"value) VALUES (?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("track: could not prepare insert: %v", err)
	}
	defer stmt.Close()

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := stmt.Exec(s.runID, step, name, metrics[name]); err != nil {
			tx.Rollback()
			return fmt.Errorf("track: could not insert metric %v: %v", name,
				err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("track: could not commit transaction: %v", err)
	}
	return nil
}

// Save closes the database. Metrics are committed on every Track call,
// so there is nothing left to flush.
func (s *sqliteTracker) Save() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("save: could not close database: %v", err)
	}
	return nil
}

// LoadMetric returns the time series of one metric of one run, in step
// order, from the SQLite database at filename.
func LoadMetric(filename, runID, name string) ([]float64, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("loadmetric: could not open database: %v", err)
	}
	defer db.Close()

	rows, err := db.Query("SELECT value FROM metrics WHERE run_id = ? "+
		"AND name = ? ORDER BY step", runID, name)
	if err != nil {
		return nil, fmt.Errorf("loadmetric: could not query metrics: %v", err)
	}
	defer rows.Close()

	var data []float64
	for rows.Next() {
		var value float64
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("loadmetric: could not scan value: %v",
				err)
		}
		data = append(data, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loadmetric: could not read metrics: %v", err)
	}
	return data, nil
}

// RunID returns the identifier under which a SQLite tracker stores its
// metrics.
func (s *sqliteTracker) RunID() string {
	return s.runID
}

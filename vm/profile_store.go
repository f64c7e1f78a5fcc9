package vm

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// ---------------------------------------------------------------------------
// ProfileStore: SQLite persistence for run profiles
// ---------------------------------------------------------------------------

// ProfileStore persists per-run opcode profiles to a SQLite database so
// repeated runs of the same program can be compared offline.
type ProfileStore struct {
	db     *sql.DB
	dbPath string
}

// OpenProfileStore opens (and if needed initializes) the profile database
// at dbPath.
func OpenProfileStore(dbPath string) (*ProfileStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening profile database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			program TEXT NOT NULL,
			started_at TEXT NOT NULL,
			instructions INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS opcode_counts (
			run_id TEXT NOT NULL REFERENCES runs(id),
			opcode TEXT NOT NULL,
			count INTEGER NOT NULL,
			PRIMARY KEY (run_id, opcode)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	return &ProfileStore{db: db, dbPath: dbPath}, nil
}

// Close closes the database connection.
func (ps *ProfileStore) Close() error {
	if ps.db != nil {
		return ps.db.Close()
	}
	return nil
}

// Save writes one run's profile. The run is identified by the VM's run
// UUID; saving the same run twice replaces it.
func (ps *ProfileStore) Save(runID uuid.UUID, program string, prof *Profiler) error {
	tx, err := ps.db.Begin()
	if err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT OR REPLACE INTO runs (id, program, started_at, instructions) VALUES (?, ?, ?, ?)",
		runID.String(), program, time.Now().UTC().Format(time.RFC3339), prof.Total(),
	)
	if err != nil {
		return fmt.Errorf("saving run: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM opcode_counts WHERE run_id = ?", runID.String()); err != nil {
		return fmt.Errorf("clearing old counts: %w", err)
	}
	for op, count := range prof.Counts() {
		_, err := tx.Exec(
			"INSERT INTO opcode_counts (run_id, opcode, count) VALUES (?, ?, ?)",
			runID.String(), op.String(), count,
		)
		if err != nil {
			return fmt.Errorf("saving opcode count: %w", err)
		}
	}

	return tx.Commit()
}

// RunCount returns the number of recorded runs.
func (ps *ProfileStore) RunCount() (int, error) {
	var n int
	if err := ps.db.QueryRow("SELECT COUNT(*) FROM runs").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting runs: %w", err)
	}
	return n, nil
}

// OpcodeCount returns the recorded count of one opcode in one run.
func (ps *ProfileStore) OpcodeCount(runID uuid.UUID, op Opcode) (uint64, error) {
	var n uint64
	err := ps.db.QueryRow(
		"SELECT count FROM opcode_counts WHERE run_id = ? AND opcode = ?",
		runID.String(), op.String(),
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading opcode count: %w", err)
	}
	return n, nil
}

package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/samogod/tunelaunch/pkg/config"
)

var DebugLog func(string, ...interface{})

type DB struct {
	conn    *sql.DB
	enabled bool
}

type RunRecord struct {
	ID         string
	Experiment string
	RunName    string
	Task       string
	Seed       sql.NullInt64
	Status     string
	ExitCode   int
	Attempts   int
	LogFile    string
	Port       int
	Command    string
	Metrics    string
	StartedAt  time.Time
	FinishedAt time.Time
}

const DBName = "tunelaunch_runs"

func New(cfg *config.Database) (*DB, error) {
	db := &DB{
		enabled: cfg.Enabled,
	}

	if !cfg.Enabled {
		if DebugLog != nil {
			DebugLog("run history database disabled")
		}
		return db, nil
	}

	postgresConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password)

	postgresConn, err := sql.Open("postgres", postgresConnStr)
	if err != nil {
		return db, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer postgresConn.Close()

	if err := postgresConn.Ping(); err != nil {
		return db, fmt.Errorf("failed to ping postgres: %w", err)
	}

	var exists bool
	err = postgresConn.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", DBName).Scan(&exists)
	if err != nil {
		return db, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		_, err = postgresConn.Exec(fmt.Sprintf("CREATE DATABASE %s", DBName))
		if err != nil {
			return db, fmt.Errorf("failed to create database: %w", err)
		}
		if DebugLog != nil {
			DebugLog("database '%s' created", DBName)
		}
	}

	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, DBName)

	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return db, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return db, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := db.attach(conn); err != nil {
		return db, err
	}

	return db, nil
}

// attach adopts conn once the schema is in place. On failure conn is
// closed and the database stays disabled.
func (db *DB) attach(conn *sql.DB) error {
	db.conn = conn
	if err := db.initSchema(); err != nil {
		conn.Close()
		db.conn = nil
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (db *DB) initSchema() error {
	if !db.enabled || db.conn == nil {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id UUID PRIMARY KEY,
		experiment VARCHAR(255) NOT NULL,
		run_name VARCHAR(255) NOT NULL,
		task VARCHAR(255) NOT NULL DEFAULT '',
		seed INTEGER,
		status VARCHAR(20) NOT NULL,
		exit_code INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		log_file TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		command TEXT NOT NULL DEFAULT '',
		metrics TEXT NOT NULL DEFAULT '{}',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		UNIQUE(experiment, run_name)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *DB) IsEnabled() bool {
	return db.enabled && db.conn != nil
}

// RecordRuns stores the runs of one experiment in a single transaction.
// A rerun of the same experiment and run name replaces the earlier row.
func (db *DB) RecordRuns(records []RunRecord) error {
	if !db.IsEnabled() {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range records {
		if DebugLog != nil {
			DebugLog("recording run %s of %s with status %s", r.RunName, r.Experiment, r.Status)
		}
		_, err := tx.Exec(`
			INSERT INTO runs (id, experiment, run_name, task, seed, status, exit_code, attempts,
				log_file, port, command, metrics, started_at, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (experiment, run_name) DO UPDATE SET
				id = EXCLUDED.id,
				status = EXCLUDED.status,
				exit_code = EXCLUDED.exit_code,
				attempts = EXCLUDED.attempts,
				log_file = EXCLUDED.log_file,
				port = EXCLUDED.port,
				command = EXCLUDED.command,
				metrics = EXCLUDED.metrics,
				started_at = EXCLUDED.started_at,
				finished_at = EXCLUDED.finished_at
		`, r.ID, r.Experiment, r.RunName, r.Task, r.Seed, r.Status, r.ExitCode, r.Attempts,
			r.LogFile, r.Port, r.Command, r.Metrics, r.StartedAt, r.FinishedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

const selectRuns = `
	SELECT id, experiment, run_name, task, seed, status, exit_code, attempts,
		log_file, port, command, metrics, started_at, finished_at
	FROM runs
`

// QueryRuns returns the runs of experiments whose name starts with
// experiment, optionally filtered by status.
func (db *DB) QueryRuns(experiment string, status string) ([]RunRecord, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("database is not enabled")
	}

	query, args := experimentQuery(experiment, status)
	return db.queryRecords(query, args...)
}

// experimentQuery matches experiment as a literal prefix; LIKE would
// treat the '_' of every experiment identifier as a wildcard.
func experimentQuery(experiment string, status string) (string, []interface{}) {
	query := selectRuns + " WHERE left(experiment, length($1)) = $1"
	args := []interface{}{experiment}

	if status != "" {
		query += " AND status = $2"
		args = append(args, status)
	}

	query += " ORDER BY started_at DESC"
	return query, args
}

func (db *DB) QueryAllRuns(status string) ([]RunRecord, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("database is not enabled")
	}

	query := selectRuns
	var args []interface{}

	if status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}

	query += " ORDER BY experiment, started_at DESC"

	return db.queryRecords(query, args...)
}

func (db *DB) queryRecords(query string, args ...interface{}) ([]RunRecord, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.Experiment, &r.RunName, &r.Task, &r.Seed, &r.Status, &r.ExitCode,
			&r.Attempts, &r.LogFile, &r.Port, &r.Command, &r.Metrics, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/neurobench/trialctx/pkg/schema"
)

// trialLogSchema is the trial log database schema. Applied through the
// versioned migration runner so later schema changes stay additive.
const trialLogSchema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    paradigm TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trial_log (
    run_id TEXT NOT NULL REFERENCES runs(id),
    trial INTEGER NOT NULL,
    parameter TEXT NOT NULL,
    value TEXT NOT NULL,
    expression TEXT NOT NULL,
    logged_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (run_id, trial, parameter)
);

CREATE INDEX IF NOT EXISTS idx_trial_log_run ON trial_log(run_id, trial);
`

// LibSQLStore implements TrialStore using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a
// store. The path should be a file URI, e.g. "file:/path/to/trials.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, paradigm, created_at) VALUES (?, ?, ?)`,
		run.ID, run.Paradigm, run.CreatedAt,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	run := &schema.Run{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, paradigm, created_at FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.Paradigm, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get run: %s", err.Error()).WithCause(err)
	}
	return run, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context) ([]*schema.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, paradigm, created_at FROM runs ORDER BY created_at ASC`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list runs: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var runs []*schema.Run
	for rows.Next() {
		run := &schema.Run{}
		if err := rows.Scan(&run.ID, &run.Paradigm, &run.CreatedAt); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan run: %s", err.Error()).WithCause(err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Trial log ---

// AppendTrial appends one trial's loggable values in a single transaction,
// one row per parameter, so a trial is never half-logged.
func (s *LibSQLStore) AppendTrial(ctx context.Context, rec *schema.TrialRecord) error {
	if rec.LoggedAt.IsZero() {
		rec.LoggedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin trial tx: %s", err.Error()).WithCause(err)
	}
	defer tx.Rollback()

	for _, v := range rec.Values {
		encoded, err := json.Marshal(v.Value)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore,
				"encode value for %s: %s", v.Name, err.Error()).WithCause(err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trial_log (run_id, trial, parameter, value, expression, logged_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.RunID, rec.Trial, v.Name, string(encoded), v.Expression, rec.LoggedAt,
		); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore,
				"insert trial row: %s", err.Error()).WithCause(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "commit trial: %s", err.Error()).WithCause(err)
	}
	return nil
}

// GetTrials returns a run's trial records ordered by trial number, each
// record grouping its parameter rows in insertion order.
func (s *LibSQLStore) GetTrials(ctx context.Context, runID string) ([]*schema.TrialRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trial, parameter, value, expression, logged_at
		 FROM trial_log WHERE run_id = ? ORDER BY trial ASC, rowid ASC`, runID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get trials: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var records []*schema.TrialRecord
	var current *schema.TrialRecord
	for rows.Next() {
		var (
			trial            int
			name, raw, exprS string
			loggedAt         time.Time
		)
		if err := rows.Scan(&trial, &name, &raw, &exprS, &loggedAt); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan trial row: %s", err.Error()).WithCause(err)
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"decode value for %s: %s", name, err.Error()).WithCause(err)
		}

		if current == nil || current.Trial != trial {
			current = &schema.TrialRecord{RunID: runID, Trial: trial, LoggedAt: loggedAt}
			records = append(records, current)
		}
		current.Values = append(current.Values, schema.TrialValue{
			Name: name, Value: value, Expression: exprS,
		})
	}
	return records, rows.Err()
}

// --- Migrations ---

// migration holds a versioned SQL migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{Version: 1, Name: "trial_log_schema", SQL: trialLogSchema},
}

// runMigrations creates the schema_version table and applies any pending migrations.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// splitStatements splits a SQL script on semicolons, skipping blanks and
// pure comment blocks.
func splitStatements(script string) []string {
	var stmts []string
	for _, raw := range strings.Split(script, ";") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		hasCode := false
		for _, l := range strings.Split(s, "\n") {
			l = strings.TrimSpace(l)
			if l != "" && !strings.HasPrefix(l, "--") {
				hasCode = true
				break
			}
		}
		if hasCode {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

var _ TrialStore = (*LibSQLStore)(nil)

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    timestamp TEXT,
    success_rate REAL,
    total_cycles INTEGER,
    config TEXT,
    results TEXT,
    optimization_history TEXT,
    converged INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);`

// sqliteAddedColumns are the columns missing from databases created before
// runs tracked convergence and fatal errors.
var sqliteAddedColumns = []struct{ name, ddl string }{
	{"converged", `ALTER TABLE runs ADD COLUMN converged INTEGER NOT NULL DEFAULT 0`},
	{"error", `ALTER TABLE runs ADD COLUMN error TEXT NOT NULL DEFAULT ''`},
}

const sqliteColumns = `id, timestamp, success_rate, total_cycles, converged, error, config, results, optimization_history`

// SQLiteStore keeps run history in a single-file SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenSQLite opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers and keeps ":memory:" to one database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, log: logger.Named("store.sqlite")}, nil
}

// migrateSQLite adds any missing columns to an existing runs table.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info('runs')`)
	if err != nil {
		return fmt.Errorf("inspect runs table: %w", err)
	}
	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("inspect runs table: %w", err)
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect runs table: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, col := range sqliteAddedColumns {
		if have[col.name] {
			continue
		}
		if _, err := tx.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec *schemas.RunRecord) error {
	r, err := encodeRow(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (`+sqliteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, formatTimestamp(r.Timestamp), r.SuccessRate, r.TotalCycles, r.Converged, r.Error,
		string(r.Config), string(r.Results), string(r.Optimizations),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]schemas.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM runs ORDER BY timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	records := []schemas.RunRecord{}
	for rows.Next() {
		r, err := scanSQLiteRow(rows)
		if err == nil {
			var rec schemas.RunRecord
			if rec, err = r.decode(); err == nil {
				records = append(records, rec)
				continue
			}
		}
		s.log.Warn("Skipping corrupt run row.", zap.String("run_id", r.ID), zap.Error(err))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*schemas.RunRecord, error) {
	r, err := scanSQLiteRow(s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	rec, err := r.decode()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs`); err != nil {
		return fmt.Errorf("clear runs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

// scanSQLiteRow tolerates NULL columns left by older writers.
func scanSQLiteRow(src scanner) (row, error) {
	var (
		r                        row
		ts, errText              sql.NullString
		config, results, history sql.NullString
		successRate              sql.NullFloat64
		totalCycles, converged   sql.NullInt64
	)
	if err := src.Scan(&r.ID, &ts, &successRate, &totalCycles, &converged, &errText, &config, &results, &history); err != nil {
		return r, err
	}
	if ts.Valid {
		t, err := parseTimestamp(ts.String)
		if err != nil {
			return r, fmt.Errorf("run %s: bad timestamp: %w", r.ID, err)
		}
		r.Timestamp = t
	}
	r.SuccessRate = successRate.Float64
	r.TotalCycles = int(totalCycles.Int64)
	r.Converged = converged.Int64 != 0
	r.Error = errText.String
	r.Config = []byte(config.String)
	r.Results = []byte(results.String)
	r.Optimizations = []byte(history.String)
	return r, nil
}

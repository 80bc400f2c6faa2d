package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	pgCreateTable = `
        CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            timestamp TIMESTAMPTZ NOT NULL,
            success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
            total_cycles INTEGER NOT NULL DEFAULT 0,
            converged BOOLEAN NOT NULL DEFAULT FALSE,
            error TEXT NOT NULL DEFAULT '',
            config JSONB NOT NULL,
            results JSONB NOT NULL,
            optimization_history JSONB NOT NULL
        );
    `
	pgUpsert = `
        INSERT INTO runs (id, timestamp, success_rate, total_cycles, converged, error, config, results, optimization_history)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            timestamp = EXCLUDED.timestamp,
            success_rate = EXCLUDED.success_rate,
            total_cycles = EXCLUDED.total_cycles,
            converged = EXCLUDED.converged,
            error = EXCLUDED.error,
            config = EXCLUDED.config,
            results = EXCLUDED.results,
            optimization_history = EXCLUDED.optimization_history;
    `
	pgSelectAll = `
        SELECT id, timestamp, success_rate, total_cycles, converged, error, config, results, optimization_history
        FROM runs
        ORDER BY timestamp DESC;
    `
	pgSelectOne = `
        SELECT id, timestamp, success_rate, total_cycles, converged, error, config, results, optimization_history
        FROM runs
        WHERE id = $1;
    `
	pgDeleteOne = `DELETE FROM runs WHERE id = $1;`
	pgDeleteAll = `DELETE FROM runs;`
)

// PostgresStore keeps run history in PostgreSQL with JSONB documents.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgres verifies the connection and ensures the runs table exists.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, pgCreateTable); err != nil {
		return nil, fmt.Errorf("failed to create runs table: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		log:  logger.Named("store.postgres"),
	}, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec *schemas.RunRecord) error {
	r, err := encodeRow(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, pgUpsert,
		r.ID, r.Timestamp, r.SuccessRate, r.TotalCycles, r.Converged, r.Error,
		r.Config, r.Results, r.Optimizations,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) ([]schemas.RunRecord, error) {
	rows, err := s.pool.Query(ctx, pgSelectAll)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	records := []schemas.RunRecord{}
	for rows.Next() {
		r, err := scanPgRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		rec, err := r.decode()
		if err != nil {
			s.log.Warn("Skipping corrupt run row.", zap.String("run_id", r.ID), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*schemas.RunRecord, error) {
	r, err := scanPgRow(s.pool.QueryRow(ctx, pgSelectOne, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	rec, err := r.decode()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, pgDeleteOne, id)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgDeleteAll); err != nil {
		return fmt.Errorf("failed to clear runs: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgRow(src pgx.Row) (row, error) {
	var r row
	err := src.Scan(
		&r.ID, &r.Timestamp, &r.SuccessRate, &r.TotalCycles, &r.Converged, &r.Error,
		&r.Config, &r.Results, &r.Optimizations,
	)
	return r, err
}

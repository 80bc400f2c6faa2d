package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"
)

// Hash fields of a stored run.
const (
	fieldTimestamp   = "timestamp"
	fieldSuccessRate = "success_rate"
	fieldTotalCycles = "total_cycles"
	fieldConverged   = "converged"
	fieldError       = "error"
	fieldConfig      = "config"
	fieldResults     = "results"
	fieldHistory     = "optimization_history"
)

// RedisStore keeps one hash per run under "<prefix>run:<id>" and indexes run
// ids by start time in the sorted set "<prefix>runs".
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	log    *zap.Logger
}

// NewRedis verifies the connection and returns a store using keyPrefix.
func NewRedis(ctx context.Context, client redis.UniversalClient, keyPrefix string, logger *zap.Logger) (*RedisStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisStore{client: client, prefix: keyPrefix, log: logger.Named("store.redis")}, nil
}

func (s *RedisStore) indexKey() string       { return s.prefix + "runs" }
func (s *RedisStore) runKey(id string) string { return s.prefix + "run:" + id }

func (s *RedisStore) Save(ctx context.Context, rec *schemas.RunRecord) error {
	r, err := encodeRow(rec)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.runKey(r.ID),
			fieldTimestamp, formatTimestamp(r.Timestamp),
			fieldSuccessRate, strconv.FormatFloat(r.SuccessRate, 'f', -1, 64),
			fieldTotalCycles, r.TotalCycles,
			fieldConverged, strconv.FormatBool(r.Converged),
			fieldError, r.Error,
			fieldConfig, string(r.Config),
			fieldResults, string(r.Results),
			fieldHistory, string(r.Optimizations),
		)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(r.Timestamp.UnixNano()), Member: r.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", r.ID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) ([]schemas.RunRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.runKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch runs: %w", err)
	}

	records := make([]schemas.RunRecord, 0, len(ids))
	for i, cmd := range cmds {
		rec, err := s.decodeHash(ids[i], cmd.Val())
		if err != nil {
			s.log.Warn("Skipping corrupt run entry.", zap.String("run_id", ids[i]), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*schemas.RunRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.runKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	rec, err := s.decodeHash(id, fields)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.runKey(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if del.Val() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.runKey(id))
	}
	keys = append(keys, s.indexKey())
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear runs: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) decodeHash(id string, fields map[string]string) (schemas.RunRecord, error) {
	if len(fields) == 0 {
		return schemas.RunRecord{}, ErrRunNotFound
	}
	r := row{
		ID:            id,
		Error:         fields[fieldError],
		Config:        []byte(fields[fieldConfig]),
		Results:       []byte(fields[fieldResults]),
		Optimizations: []byte(fields[fieldHistory]),
	}
	var errs []error
	var err error
	if r.Timestamp, err = parseTimestamp(fields[fieldTimestamp]); err != nil {
		errs = append(errs, fmt.Errorf("timestamp: %w", err))
	}
	if r.SuccessRate, err = strconv.ParseFloat(fields[fieldSuccessRate], 64); err != nil {
		errs = append(errs, fmt.Errorf("success_rate: %w", err))
	}
	if r.TotalCycles, err = strconv.Atoi(fields[fieldTotalCycles]); err != nil {
		errs = append(errs, fmt.Errorf("total_cycles: %w", err))
	}
	if r.Converged, err = strconv.ParseBool(fields[fieldConverged]); err != nil {
		errs = append(errs, fmt.Errorf("converged: %w", err))
	}
	if len(errs) > 0 {
		return schemas.RunRecord{}, fmt.Errorf("run %s: %w", id, errors.Join(errs...))
	}
	return r.decode()
}

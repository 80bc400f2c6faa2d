// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/config"
	"github.com/xkilldash9x/scriptgym/internal/llmclient"
	"github.com/xkilldash9x/scriptgym/internal/store"
)

// OpenStore opens the configured run history backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Type {
	case config.StoreMemory:
		logger.Warn("Using the in-memory run history store. All runs will be lost on exit.")
		return store.NewMemory(), nil

	case config.StoreSQLite, "":
		logger.Info("Opening SQLite run history.", zap.String("path", cfg.SQLite.Path))
		return store.OpenSQLite(ctx, cfg.SQLite.Path, logger)

	case config.StorePostgres:
		logger.Info("Opening PostgreSQL run history.", zap.String("host", cfg.Postgres.Host))
		pool, err := newPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		s, err := store.NewPostgres(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil

	case config.StoreRedis:
		logger.Info("Opening Redis run history.", zap.String("addr", cfg.Redis.Addr))
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s, err := store.NewRedis(ctx, client, cfg.Redis.KeyPrefix, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
}

func newPostgresPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	// One run writes once at teardown; a small pool is plenty.
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}
	return pool, nil
}

// InitializeLLMClient builds the role router for cfg, reporting every
// completion to observer when one is given.
func InitializeLLMClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger, observer llmclient.CompletionObserver) (schemas.LLMClient, error) {
	var opts []llmclient.RouterOption
	if observer != nil {
		opts = append(opts, llmclient.WithObserver(observer))
	}
	router, err := llmclient.NewRouterFromConfig(ctx, cfg, logger, opts...)
	if err != nil {
		logger.Error("Failed to initialize LLM client. Runs cannot start.", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	return router, nil
}

// WithRunOverrides applies the provider, model and key carried by a run
// request to the default model. Switching provider drops the configured key
// and endpoint, falling back to the new provider's environment variable.
func WithRunOverrides(cfg config.LLMConfig, run schemas.RunConfig) config.LLMConfig {
	def := cfg.Default
	if p := config.LLMProvider(run.Provider); p != "" && p != def.Provider {
		def.Provider = p
		def.APIKey = config.APIKeyFromEnv(p)
		def.Endpoint = ""
	}
	if run.Model != "" {
		def.Model = run.Model
	}
	if run.APIKey != "" {
		def.APIKey = run.APIKey
	}
	cfg.Default = def
	return cfg
}

// FillRunDefaults replaces unset numeric fields of a run request with the
// configured gym defaults. Negative values are kept so validation rejects them.
func FillRunDefaults(run schemas.RunConfig, gym config.GymConfig) schemas.RunConfig {
	if run.MaxCycles == 0 {
		run.MaxCycles = gym.MaxCycles
	}
	if run.BatchSize == 0 {
		run.BatchSize = gym.BatchSize
	}
	if run.MaxTurns == 0 {
		run.MaxTurns = gym.MaxTurns
	}
	if run.Thresholds == (schemas.ThresholdSet{}) {
		run.Thresholds = gym.Thresholds
	}
	return run
}

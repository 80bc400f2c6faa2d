// File: internal/service/components.go
package service

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/config"
	"github.com/xkilldash9x/scriptgym/internal/events"
	"github.com/xkilldash9x/scriptgym/internal/gym/controller"
	"github.com/xkilldash9x/scriptgym/internal/llmclient"
	"github.com/xkilldash9x/scriptgym/internal/metrics"
	"github.com/xkilldash9x/scriptgym/internal/store"
)

// Runner executes one optimisation run.
type Runner interface {
	Run(ctx context.Context, cfg schemas.RunConfig) (*schemas.RunRecord, error)
}

// LLMFactory builds the completion client for one run.
type LLMFactory func(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger, observer llmclient.CompletionObserver) (schemas.LLMClient, error)

// Components holds the long-lived services shared by every run: the history
// store and the metrics registry. Completion clients are per run because a run
// request may carry its own provider and key.
type Components struct {
	Config   config.Interface
	Store    store.Store
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	logger     *zap.Logger
	llmFactory LLMFactory
}

// NewComponents opens the history store and creates the metrics registry.
func NewComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	st, err := OpenStore(ctx, cfg.Store(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	return newComponents(cfg, st, logger), nil
}

func newComponents(cfg config.Interface, st store.Store, logger *zap.Logger) *Components {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Components{
		Config:     cfg,
		Store:      st,
		Metrics:    metrics.New(reg),
		Registry:   reg,
		logger:     logger,
		llmFactory: InitializeLLMClient,
	}
}

// NewRunner builds a controller for run that reports to emitter. The returned
// cleanup releases the run's completion clients and must be called once the
// run has finished.
func (c *Components) NewRunner(ctx context.Context, run schemas.RunConfig, emitter events.Emitter) (Runner, func(), error) {
	llmCfg := WithRunOverrides(c.Config.LLM(), run)
	llm, err := c.llmFactory(ctx, llmCfg, c.logger, c.Metrics)
	if err != nil {
		return nil, nil, err
	}

	gym := c.Config.Gym()
	ctrl := controller.New(llm, c.Store, emitter, c.logger,
		controller.WithMetrics(c.Metrics),
		controller.WithStopPhrases(gym.StopPhrases),
		controller.WithPersistTimeout(gym.PersistTimeout),
	)
	cleanup := func() {
		if err := llm.Close(); err != nil {
			c.logger.Warn("Error closing LLM client.", zap.Error(err))
		}
	}
	return ctrl, cleanup, nil
}

// Shutdown releases the shared services.
func (c *Components) Shutdown() {
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			c.logger.Warn("Error closing run history store.", zap.Error(err))
		} else {
			c.logger.Debug("Run history store closed.")
		}
	}
}

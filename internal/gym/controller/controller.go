// Package controller runs the optimisation loop: cycles of scenario batches,
// immediate script rewrites on failure and batch-mean convergence checks.
package controller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/events"
	"github.com/xkilldash9x/scriptgym/internal/gym/agent"
	"github.com/xkilldash9x/scriptgym/internal/gym/evaluator"
	"github.com/xkilldash9x/scriptgym/internal/gym/optimizer"
	"github.com/xkilldash9x/scriptgym/internal/gym/persona"
	"github.com/xkilldash9x/scriptgym/internal/gym/simulation"
	"github.com/xkilldash9x/scriptgym/internal/metrics"
	"github.com/xkilldash9x/scriptgym/internal/observability"
)

// ErrInvalidConfig wraps every run configuration rejected before the loop starts.
var ErrInvalidConfig = errors.New("invalid run configuration")

const defaultPersistTimeout = 10 * time.Second

// Saver persists finished runs.
type Saver interface {
	Save(ctx context.Context, rec *schemas.RunRecord) error
}

// Option customises a Controller.
type Option func(*Controller)

// WithMetrics records run progress on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithStopPhrases overrides the simulator's terminal phrases.
func WithStopPhrases(phrases []string) Option {
	return func(c *Controller) { c.stopPhrases = phrases }
}

// WithPersistTimeout bounds the final save.
func WithPersistTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.persistTimeout = d
		}
	}
}

// WithRunIDs replaces the process-wide run id sequence.
func WithRunIDs(seq *schemas.RunIDSequence) Option {
	return func(c *Controller) {
		if seq != nil {
			c.ids = seq
		}
	}
}

// WithClock replaces the wall clock used for run ids.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller owns one run at a time. All completion traffic goes through llm,
// which routes by role.
type Controller struct {
	llm     schemas.LLMClient
	saver   Saver
	emitter events.Emitter
	logger  *zap.Logger
	metrics *metrics.Metrics

	stopPhrases    []string
	persistTimeout time.Duration
	now            func() time.Time
	ids            *schemas.RunIDSequence
}

// runIDs is shared by every Controller so concurrent runs never share an id.
var runIDs schemas.RunIDSequence

// New creates a Controller. A nil saver skips persistence and a nil emitter
// discards events.
func New(llm schemas.LLMClient, saver Saver, emitter events.Emitter, logger *zap.Logger, opts ...Option) *Controller {
	if emitter == nil {
		emitter = events.Discard
	}
	c := &Controller{
		llm:            llm,
		saver:          saver,
		emitter:        emitter,
		logger:         logger.Named("controller"),
		persistTimeout: defaultPersistTimeout,
		now:            time.Now,
		ids:            &runIDs,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run is the mutable state of one execution.
type run struct {
	cfg      schemas.RunConfig
	rec      *schemas.RunRecord
	logger   *zap.Logger
	session  *agent.Session
	personas *persona.Generator
	sim      *simulation.Simulator
	eval     *evaluator.Evaluator
	opt      *optimizer.Optimizer
}

// Run executes the loop for cfg and returns the record, which is also saved.
// The record is returned even when err is non-nil; err is reserved for
// run-fatal conditions: invalid configuration, cancellation and panics.
func (c *Controller) Run(ctx context.Context, cfg schemas.RunConfig) (rec *schemas.RunRecord, err error) {
	start := c.now()
	rec = &schemas.RunRecord{
		ID:        c.ids.Next(start),
		Timestamp: start.UTC(),
		Config:    cfg.Redacted(),
	}
	runLogger := observability.RunLogger(c.logger, rec.ID)

	// Events after this point must reach the sink even if ctx is gone.
	emitCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			runLogger.Error("Run panicked.", zap.Any("panic_value", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("run panicked: %v", r)
		}
		outcome := metrics.OutcomeExhausted
		switch {
		case err != nil:
			rec.Error = err.Error()
			outcome = metrics.OutcomeFailed
			c.emitter.Emit(emitCtx, schemas.ErrorEvent(rec.ID, err.Error()))
		case rec.Converged:
			outcome = metrics.OutcomeConverged
		}
		c.metrics.RunFinished(outcome)

		c.emitter.Emit(emitCtx, schemas.LogEvent(rec.ID, "Saving Simulation History..."))
		c.persist(emitCtx, rec, runLogger)
		c.emitter.Emit(emitCtx, schemas.LogEvent(rec.ID, "Optimization Complete."))
		c.emitter.Emit(emitCtx, schemas.DoneEvent(rec))
	}()

	if verr := cfg.Validate(); verr != nil {
		return rec, fmt.Errorf("%w: %v", ErrInvalidConfig, verr)
	}

	r := &run{
		cfg:      cfg,
		rec:      rec,
		logger:   runLogger,
		session:  agent.NewSession(c.llm, runLogger, cfg.BaseScript),
		personas: persona.NewGenerator(c.llm, runLogger),
		sim:      simulation.NewSimulator(runLogger, c.stopPhrases),
		eval:     evaluator.New(c.llm, runLogger),
		opt:      optimizer.New(c.llm, runLogger),
	}

	runLogger.Info("Run started.",
		zap.Int("max_cycles", cfg.MaxCycles),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("max_turns", cfg.MaxTurns),
	)
	c.emitter.Emit(ctx, schemas.LogEvent(rec.ID, "Starting Simulation Loop..."))

	for cycle := 1; cycle <= cfg.MaxCycles; cycle++ {
		if cerr := ctx.Err(); cerr != nil {
			return rec, fmt.Errorf("run cancelled: %w", cerr)
		}
		converged, cerr := c.runCycle(ctx, r, cycle)
		if cerr != nil {
			return rec, cerr
		}
		if converged {
			rec.Converged = true
			break
		}
	}

	fields := []zap.Field{
		zap.Bool("converged", rec.Converged),
		zap.Int("total_cycles", rec.TotalCycles),
		zap.Float64("success_rate", rec.SuccessRate),
	}
	if best, ok := rec.BestCycle(); ok && !rec.Converged {
		fields = append(fields, zap.Int("best_cycle", best.Cycle), zap.Float64("best_pass_rate", best.PassRate))
		c.emitter.Emit(ctx, schemas.LogEvent(rec.ID, fmt.Sprintf(
			"Thresholds not met after %d cycle(s). Best cycle: %d (%d/%d passed, mean overall %.1f).",
			rec.TotalCycles, best.Cycle, best.Passes, best.Scenarios, best.Means.Overall)))
	}
	runLogger.Info("Run finished.", fields...)
	return rec, nil
}

// runCycle plays one batch and reports whether every batch mean met its threshold.
func (c *Controller) runCycle(ctx context.Context, r *run, cycle int) (bool, error) {
	cfg := r.cfg
	r.rec.TotalCycles = cycle
	c.metrics.CycleStarted()
	c.emitter.Emit(ctx, schemas.LogEvent(r.rec.ID, fmt.Sprintf("--- Cycle %d/%d ---", cycle, cfg.MaxCycles)))

	batch := make([]schemas.EvaluationResult, 0, cfg.BatchSize)
	passes := 0
	for scenario := 1; scenario <= cfg.BatchSize; scenario++ {
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("run cancelled: %w", err)
		}
		c.emitter.Emit(ctx, schemas.LogEvent(r.rec.ID, fmt.Sprintf("Simulating %d/%d...", scenario, cfg.BatchSize)))

		recorded := len(r.rec.Results)
		result, err := c.runScenario(ctx, r, cycle, scenario, passes, scenario-1)
		if len(r.rec.Results) > recorded {
			batch = append(batch, result)
			if r.rec.Results[len(r.rec.Results)-1].Passed {
				passes++
			}
			r.rec.SuccessRate = float64(passes) / float64(scenario)
		}
		if err != nil {
			return false, err
		}
	}

	means := schemas.MeansOf(batch)
	met := cfg.Thresholds.MetBy(means)
	r.logger.Info("Cycle finished.",
		zap.Int("cycle", cycle),
		zap.Int("passes", passes),
		zap.Float64("mean_repetition", means.Repetition),
		zap.Float64("mean_negotiation", means.Negotiation),
		zap.Float64("mean_empathy", means.Empathy),
		zap.Float64("mean_overall", means.Overall),
		zap.Bool("thresholds_met", met),
	)
	c.emitter.Emit(ctx, schemas.LogEvent(r.rec.ID, fmt.Sprintf(
		"Cycle %d means: repetition %.1f, negotiation %.1f, empathy %.1f, overall %.1f (%d/%d passed)",
		cycle, means.Repetition, means.Negotiation, means.Empathy, means.Overall, passes, cfg.BatchSize)))
	if met {
		c.emitter.Emit(ctx, schemas.LogEvent(r.rec.ID, fmt.Sprintf("All thresholds met in cycle %d. Stopping.", cycle)))
	}
	return met, nil
}

// runScenario plays, scores and, on failure, rewrites once. It appends the
// ScenarioResult to the record and returns the evaluation. A scenario
// interrupted by cancellation records nothing.
func (c *Controller) runScenario(ctx context.Context, r *run, cycle, scenario, passesSoFar, playedSoFar int) (schemas.EvaluationResult, error) {
	p := r.personas.Generate(ctx)
	if err := ctx.Err(); err != nil {
		return schemas.EvaluationResult{}, fmt.Errorf("run cancelled: %w", err)
	}
	log := r.logger.With(observability.ScenarioFields(cycle, scenario, p)...)

	r.session.Reset(p.Name)
	scriptUsed := r.session.RawScript()
	counterparty := persona.NewCounterparty(p, c.llm, r.logger)

	transcript := r.sim.Run(ctx, r.session, counterparty, r.cfg.MaxTurns)
	if err := ctx.Err(); err != nil {
		return schemas.EvaluationResult{}, fmt.Errorf("run cancelled: %w", err)
	}
	result := r.eval.Evaluate(ctx, transcript)
	if err := ctx.Err(); err != nil {
		return schemas.EvaluationResult{}, fmt.Errorf("run cancelled: %w", err)
	}
	passed := r.cfg.Thresholds.Passes(result)
	log.Info("Scenario scored.", append(observability.ScoreFields(result), zap.Bool("passed", passed), zap.Int("turns", transcript.Len()))...)
	c.metrics.ScenarioScored(result.OverallRating, passed)

	var (
		updated   *string
		cancelled error
		newScript string
		reasoning optimizer.Reasoning
	)
	if !passed {
		c.emitter.Emit(ctx, schemas.LogEvent(r.rec.ID, fmt.Sprintf(
			"Scenario Failed (%.1f/%.1f). Optimizing...", result.OverallRating, r.cfg.Thresholds.Overall)))

		passRate := 0.0
		if playedSoFar > 0 {
			passRate = float64(passesSoFar) / float64(playedSoFar)
		}
		failure := schemas.FailureRecord{Persona: p, Result: result, Transcript: transcript}
		newScript, reasoning = r.opt.Optimize(ctx, scriptUsed, []schemas.FailureRecord{failure}, passRate, r.cfg.Thresholds)
		cancelled = ctx.Err()
	}
	// The grade stands; a rewrite cut short by cancellation is not applied.
	if !passed && cancelled == nil {
		r.session.UpdateScript(newScript)
		applied := r.session.RawScript()
		updated = &applied

		ev := schemas.OptimizationEvent{
			Cycle:     cycle,
			Scenario:  scenario,
			OldScript: scriptUsed,
			NewScript: applied,
			Reasoning: fmt.Sprintf("Optimized after scenario %d failure.\n%s", scenario, reasoning.Brief),
		}
		r.rec.OptimizationHistory = append(r.rec.OptimizationHistory, ev)
		c.metrics.OptimizationApplied()
		c.emitter.Emit(ctx, schemas.OptimizationEventOf(r.rec.ID, ev))
		c.emitter.Emit(ctx, schemas.LogEvent(r.rec.ID, "Prompt Updated."))
		log.Info("Script updated.", zap.Bool("changed", reasoning.Changed))
	}

	sr := schemas.ScenarioResult{
		Cycle:         cycle,
		Scenario:      scenario,
		Persona:       p,
		Score:         result.OverallRating,
		Metrics:       result.Metrics,
		Transcript:    transcript,
		Feedback:      result.Feedback,
		Passed:        passed,
		ScriptUsed:    scriptUsed,
		UpdatedScript: updated,
	}
	r.rec.Results = append(r.rec.Results, sr)
	c.emitter.Emit(ctx, schemas.ResultEvent(r.rec.ID, sr))
	if cancelled != nil {
		return result, fmt.Errorf("run cancelled: %w", cancelled)
	}
	return result, nil
}

// persist saves rec with a context detached from the caller's cancellation.
func (c *Controller) persist(ctx context.Context, rec *schemas.RunRecord, logger *zap.Logger) {
	if c.saver == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, c.persistTimeout)
	defer cancel()

	if err := c.saver.Save(saveCtx, rec); err != nil {
		logger.Error("Failed to save run history.", zap.Error(err))
		c.emitter.Emit(ctx, schemas.ErrorEvent(rec.ID, fmt.Sprintf("failed to save run history: %v", err)))
		return
	}
	logger.Info("Run history saved.", zap.Int("results", len(rec.Results)))
}

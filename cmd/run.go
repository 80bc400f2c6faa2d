// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/config"
	"github.com/xkilldash9x/scriptgym/internal/events"
	"github.com/xkilldash9x/scriptgym/internal/observability"
	"github.com/xkilldash9x/scriptgym/internal/server"
	"github.com/xkilldash9x/scriptgym/internal/service"
)

type runOptions struct {
	cycles      int
	batch       int
	turns       int
	scriptFile  string
	saveScript  string
	provider    string
	model       string
	apiKey      string
	repetition  float64
	negotiation float64
	empathy     float64
	overall     float64
}

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	var opts runOptions

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one optimisation session and stores it in the run history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}
			applyRunFlags(cmd, cfg, opts)

			run, err := buildRunConfig(cfg, opts)
			if err != nil {
				return err
			}

			components, err := service.NewComponents(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			rec, err := runSimulation(ctx, components, run, events.NewLogEmitter(logger), cmd.OutOrStdout())
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Run aborted; partial history was saved.")
				}
				return err
			}
			if opts.saveScript != "" {
				return writeFinalScript(opts.saveScript, rec)
			}
			return nil
		},
	}

	gym := config.NewDefaultConfig().Gym()
	f := runCmd.Flags()
	f.IntVar(&opts.cycles, "cycles", gym.MaxCycles, "Maximum optimisation cycles.")
	f.IntVar(&opts.batch, "batch", gym.BatchSize, "Scenarios per cycle.")
	f.IntVar(&opts.turns, "turns", gym.MaxTurns, "Maximum agent turns per conversation.")
	f.StringVarP(&opts.scriptFile, "script", "s", "", "File holding the base script. The built-in script is used if unset.")
	f.StringVarP(&opts.saveScript, "save-script", "o", "", "Write the final script to this file.")
	f.StringVar(&opts.provider, "provider", "", "Completion provider (groq, gemini, openai, vertex, local). (Overrides config/env)")
	f.StringVar(&opts.model, "model", "", "Model name. (Overrides config/env)")
	f.StringVar(&opts.apiKey, "api-key", "", "Provider API key. (Overrides config/env)")
	f.Float64Var(&opts.repetition, "min-repetition", gym.Thresholds.Repetition, "Repetition threshold.")
	f.Float64Var(&opts.negotiation, "min-negotiation", gym.Thresholds.Negotiation, "Negotiation threshold.")
	f.Float64Var(&opts.empathy, "min-empathy", gym.Thresholds.Empathy, "Empathy threshold.")
	f.Float64Var(&opts.overall, "min-overall", gym.Thresholds.Overall, "Overall threshold.")

	return runCmd
}

// applyRunFlags writes explicitly set flags over the loaded configuration, so
// flags beat config file and env vars.
func applyRunFlags(cmd *cobra.Command, cfg config.Interface, opts runOptions) {
	flags := cmd.Flags()
	if flags.Changed("cycles") {
		cfg.SetGymMaxCycles(opts.cycles)
	}
	if flags.Changed("batch") {
		cfg.SetGymBatchSize(opts.batch)
	}
	if flags.Changed("turns") {
		cfg.SetGymMaxTurns(opts.turns)
	}
	th := cfg.Gym().Thresholds
	changed := false
	for name, dst := range map[string]*float64{
		"min-repetition":  &th.Repetition,
		"min-negotiation": &th.Negotiation,
		"min-empathy":     &th.Empathy,
		"min-overall":     &th.Overall,
	} {
		if flags.Changed(name) {
			v, _ := flags.GetFloat64(name)
			*dst = v
			changed = true
		}
	}
	if changed {
		cfg.SetGymThresholds(th)
	}
	if opts.provider != "" && config.LLMProvider(opts.provider) != cfg.LLM().Default.Provider {
		p := config.LLMProvider(opts.provider)
		cfg.SetLLMProvider(p)
		cfg.SetLLMAPIKey(config.APIKeyFromEnv(p))
	}
	if opts.model != "" {
		cfg.SetLLMModel(opts.model)
	}
	if opts.apiKey != "" {
		cfg.SetLLMAPIKey(opts.apiKey)
	}
}

// buildRunConfig assembles the run request from the resolved configuration.
func buildRunConfig(cfg config.Interface, opts runOptions) (schemas.RunConfig, error) {
	gym := cfg.Gym()
	run := schemas.RunConfig{
		MaxCycles:  gym.MaxCycles,
		BatchSize:  gym.BatchSize,
		MaxTurns:   gym.MaxTurns,
		Thresholds: gym.Thresholds,
	}
	if opts.scriptFile != "" {
		path, err := homedir.Expand(opts.scriptFile)
		if err != nil {
			return run, fmt.Errorf("could not expand script path: %w", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return run, fmt.Errorf("failed to read base script: %w", err)
		}
		run.BaseScript = string(data)
	}
	if err := run.Validate(); err != nil {
		return run, err
	}
	return run, nil
}

// runSimulation executes one run and prints a summary to out. It is decoupled
// from cobra so it can be driven with a fake runner factory.
func runSimulation(ctx context.Context, runners server.RunnerFactory, run schemas.RunConfig, emitter events.Emitter, out io.Writer) (*schemas.RunRecord, error) {
	runner, cleanup, err := runners.NewRunner(ctx, run, emitter)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rec, err := runner.Run(ctx, run)
	if rec != nil {
		printRunSummary(out, rec)
	}
	if err != nil {
		return rec, err
	}
	observability.GetLogger().Debug("Run stored.", zap.String("run_id", rec.ID))
	return rec, nil
}

func printRunSummary(out io.Writer, rec *schemas.RunRecord) {
	converged := "no"
	if rec.Converged {
		converged = "yes"
	}
	fmt.Fprintf(out, "\nRun %s finished after %d cycle(s).\n", rec.ID, rec.TotalCycles)
	fmt.Fprintf(out, "  Converged:    %s\n", converged)
	fmt.Fprintf(out, "  Success rate: %.1f%%\n", rec.SuccessRate*100)
	fmt.Fprintf(out, "  Scenarios:    %d\n", len(rec.Results))
	fmt.Fprintf(out, "  Rewrites:     %d\n", len(rec.OptimizationHistory))
	if best, ok := rec.BestCycle(); ok && !rec.Converged {
		fmt.Fprintf(out, "  Best cycle:   %d (%.1f%% passed, mean overall %.1f)\n", best.Cycle, best.PassRate*100, best.Means.Overall)
	}
	if rec.Error != "" {
		fmt.Fprintf(out, "  Error:        %s\n", rec.Error)
	}
	fmt.Fprintf(out, "Inspect it with: scriptgym history show %s\n", rec.ID)
}

// finalScript is the latest script of the run: the last rewrite, or the
// script the last scenario used.
func finalScript(rec *schemas.RunRecord) string {
	if n := len(rec.OptimizationHistory); n > 0 {
		return rec.OptimizationHistory[n-1].NewScript
	}
	if n := len(rec.Results); n > 0 {
		return rec.Results[n-1].ScriptUsed
	}
	return ""
}

func writeFinalScript(path string, rec *schemas.RunRecord) error {
	script := finalScript(rec)
	if script == "" {
		return errors.New("run produced no script to save")
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("could not expand output path: %w", err)
	}
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		return fmt.Errorf("failed to write final script: %w", err)
	}
	return nil
}

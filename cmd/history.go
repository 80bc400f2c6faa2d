// File: cmd/history.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scriptgym/internal/observability"
	"github.com/xkilldash9x/scriptgym/internal/service"
	"github.com/xkilldash9x/scriptgym/internal/store"
)

// withStore opens the configured history store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, st store.Store) error) error {
	ctx := cmd.Context()
	cfg, err := configFrom(ctx)
	if err != nil {
		return err
	}
	st, err := service.OpenStore(ctx, cfg.Store(), observability.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	defer st.Close()
	return fn(ctx, st)
}

// newHistoryCmd creates the `history` command group.
func newHistoryCmd() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Lists, inspects and deletes stored runs",
	}

	historyCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Lists stored runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st store.Store) error {
				return listRuns(ctx, st, cmd.OutOrStdout())
			})
		},
	})

	historyCmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Prints one stored run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st store.Store) error {
				return showRun(ctx, st, args[0], cmd.OutOrStdout())
			})
		},
	})

	historyCmd.AddCommand(&cobra.Command{
		Use:   "delete <run-id>",
		Short: "Deletes one stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st store.Store) error {
				return deleteRun(ctx, st, args[0], cmd.OutOrStdout())
			})
		},
	})

	historyCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Deletes every stored run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st store.Store) error {
				if err := st.Clear(ctx); err != nil {
					return fmt.Errorf("failed to clear run history: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Run history cleared.")
				return nil
			})
		},
	})

	return historyCmd
}

func listRuns(ctx context.Context, st store.Store, out io.Writer) error {
	runs, err := st.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load run history: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs stored.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tCYCLES\tSCENARIOS\tSUCCESS\tCONVERGED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.0f%%\t%t\n",
			r.ID,
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			r.TotalCycles,
			len(r.Results),
			r.SuccessRate*100,
			r.Converged,
		)
	}
	return w.Flush()
}

func showRun(ctx context.Context, st store.Store, id string, out io.Writer) error {
	rec, err := st.Get(ctx, id)
	if errors.Is(err, store.ErrRunNotFound) {
		return fmt.Errorf("no run with id %q", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func deleteRun(ctx context.Context, st store.Store, id string, out io.Writer) error {
	err := st.Delete(ctx, id)
	if errors.Is(err, store.ErrRunNotFound) {
		return fmt.Errorf("no run with id %q", id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	fmt.Fprintf(out, "Run %s deleted.\n", id)
	return nil
}

// File: cmd/serve.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/internal/observability"
	"github.com/xkilldash9x/scriptgym/internal/server"
	"github.com/xkilldash9x/scriptgym/internal/service"
)

// newServeCmd creates the `serve` command hosting the dashboard API.
func newServeCmd() *cobra.Command {
	var addr string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the run history API and the /ws/simulate stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}
			srvCfg := cfg.Server()
			if addr != "" {
				srvCfg.Addr = addr
			}

			components, err := service.NewComponents(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			srv := server.New(srvCfg, cfg.Gym(), components.Store, components, components.Registry, logger)
			logger.Info("Starting scriptgym server.", zap.String("address", srvCfg.Addr), zap.String("store", string(cfg.Store().Type)))
			// Serve returns nil once the signal-aware context is cancelled and shutdown completes.
			return srv.ListenAndServe(ctx)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address. (Overrides config/env)")
	return serveCmd
}

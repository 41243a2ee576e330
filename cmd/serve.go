package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/internal/observability"
	"github.com/111bobmoin/myLLMhoneynet/internal/orchestrator"
)

// newServeCmd creates and configures the `serve` command.
func newServeCmd() *cobra.Command {
	var (
		services  []string
		configDir string
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the decoy host and its protocol listeners",
		Long: `Serve loads the host profile (virtual filesystem plus per-service
configuration) and listens on every configured protocol port until
interrupted. Attacker activity streams into the local event spool and,
when a database URL is configured, into the central archive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			if len(services) > 0 {
				appCfg.SetHostServices(services)
			}
			if configDir != "" {
				appCfg.SetHostConfigDir(configDir)
			}

			o, err := orchestrator.New(appCfg, logger)
			if err != nil {
				return err
			}

			if err := o.Serve(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Info("Decoy host stopped", zap.String("host", appCfg.Host().Name))
					return nil
				}
				return fmt.Errorf("decoy host failed: %w", err)
			}
			return nil
		},
	}

	serveCmd.Flags().StringSliceVarP(&services, "services", "s", nil,
		"Protocol listeners to start (ssh, telnet, ftp, http, https, mysql). Empty means all.")
	serveCmd.Flags().StringVar(&configDir, "config-dir", "",
		"Directory holding the host profile JSON documents. (Overrides config/env)")
	return serveCmd
}

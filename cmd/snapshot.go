package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/internal/observability"
	"github.com/111bobmoin/myLLMhoneynet/internal/orchestrator"
)

// newSnapshotCmd creates and configures the `snapshot` command.
func newSnapshotCmd() *cobra.Command {
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Rebuilds the memory model and writes the compact context artifact",
		Long: `Snapshot runs a perception pass, rebuilds the short-term deployment
tree from the host profile, folds in long-term facts and attacker
preferences, and writes a size-bounded context document for the
generation agents to consume.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			o, err := orchestrator.New(appCfg, logger)
			if err != nil {
				return err
			}

			if err := o.Snapshot(ctx); err != nil {
				logger.Error("Snapshot failed", zap.Error(err))
				return err
			}

			fmt.Printf("Snapshot written to %s\n", filepath.Join(appCfg.Memory().Dir, "snapshot.json"))
			return nil
		},
	}
	return snapshotCmd
}

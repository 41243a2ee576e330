package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/internal/observability"
	"github.com/111bobmoin/myLLMhoneynet/internal/orchestrator"
)

// newPerceiveCmd creates and configures the `perceive` command.
func newPerceiveCmd() *cobra.Command {
	var (
		hosts     []string
		follow    bool
		ruleset   string
		summarize bool
	)

	perceiveCmd := &cobra.Command{
		Use:   "perceive",
		Short: "Scores attacker activity in the event spool into intrusion stages",
		Long: `Perceive replays each host's event log through the stage ruleset and
reports the deepest intrusion stage reached. With --follow it tails the
logs instead, re-scoring as new activity arrives. Stage assessments only
ever deepen; clearing a host requires an operator reset.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			if len(hosts) > 0 {
				appCfg.SetPerceptionHosts(hosts)
			}
			if cmd.Flags().Changed("follow") {
				appCfg.SetPerceptionFollow(follow)
			}
			if ruleset != "" {
				appCfg.SetPerceptionRulesetPath(ruleset)
			}
			if cmd.Flags().Changed("summarize") {
				appCfg.SetSummarizeEnabled(summarize)
			}

			o, err := orchestrator.New(appCfg, logger)
			if err != nil {
				return err
			}

			if err := o.Perceive(ctx); err != nil {
				logger.Error("Perception pass failed", zap.Error(err))
				return err
			}
			return nil
		},
	}

	perceiveCmd.Flags().StringSliceVar(&hosts, "hosts", nil,
		"Attacker hosts to evaluate. Empty means every host found in the spool.")
	perceiveCmd.Flags().BoolVarP(&follow, "follow", "f", false,
		"Tail event logs and re-score continuously instead of a single pass.")
	perceiveCmd.Flags().StringVar(&ruleset, "ruleset", "",
		"Path to a YAML stage ruleset. (Overrides config/env)")
	perceiveCmd.Flags().BoolVar(&summarize, "summarize", false,
		"Attach LLM-written summaries to stage escalations. Requires llm.api_key.")
	return perceiveCmd
}

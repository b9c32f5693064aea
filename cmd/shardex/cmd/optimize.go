package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/shardex/internal/pipeline"
)

func newOptimizeCmd() *cobra.Command {
	var entityType string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Optimize every shard and wait for it",
		Long: `Submit an optimize operation to every configured shard and wait for the
maintenance it triggers: segment merges for bleve, FTS merge and WAL
checkpoint for sqlite, graph rebuild for hnsw.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			coord, err := pipeline.NewFromConfig(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = coord.Close(cmd.Context()) }()

			start := time.Now()
			if err := coord.Optimize(cmd.Context(), entityType); err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Fprintf(cmd.OutOrStdout(), "optimized in %s\n", time.Since(start).Round(time.Millisecond))
			}
			return printShardReports(cmd.OutOrStdout(), shardReports(coord), jsonOutput)
		},
	}

	cmd.Flags().StringVar(&entityType, "type", "", "Only optimize on behalf of this entity type")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

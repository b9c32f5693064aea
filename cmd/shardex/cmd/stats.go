package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/shardex/internal/pipeline"
)

// ShardReport is the JSON output for one shard.
type ShardReport struct {
	Shard     string `json:"shard"`
	Backend   string `json:"backend"`
	Documents int    `json:"documents"`
	Orphans   int    `json:"orphans"`
}

func newStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-shard document counts",
		Long:  `Open every configured shard and report its document and orphan counts.`,
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

			if err := coord.OpenShards(); err != nil {
				return err
			}
			return printShardReports(cmd.OutOrStdout(), shardReports(coord), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func shardReports(coord *pipeline.Coordinator) []ShardReport {
	var out []ShardReport
	for _, st := range coord.ShardStats() {
		out = append(out, ShardReport{
			Shard:     string(st.Key),
			Backend:   st.Store.Backend,
			Documents: st.Store.Documents,
			Orphans:   st.Store.Orphans,
		})
	}
	return out
}

func printShardReports(w io.Writer, reports []ShardReport, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}

	fmt.Fprintf(w, "%-16s %-8s %10s %8s\n", "SHARD", "BACKEND", "DOCUMENTS", "ORPHANS")
	total := 0
	for _, r := range reports {
		fmt.Fprintf(w, "%-16s %-8s %10d %8d\n", r.Shard, r.Backend, r.Documents, r.Orphans)
		total += r.Documents
	}
	fmt.Fprintf(w, "%-16s %-8s %10d\n", "total", "", total)
	return nil
}

func printShardDocuments(w io.Writer, docs map[string]int) {
	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-14s %d\n", k, docs[k])
	}
}

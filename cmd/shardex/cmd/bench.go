package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/shardex/internal/async"
	"github.com/Aman-CERP/shardex/internal/config"
	"github.com/Aman-CERP/shardex/internal/mutation"
	"github.com/Aman-CERP/shardex/internal/pipeline"
	"github.com/Aman-CERP/shardex/internal/store"
)

type benchOptions struct {
	docs            int
	txSize          int
	updateRatio     float64
	deleteRatio     float64
	collectionNoise float64
	mode            string
	bulk            bool
	seed            uint64
	shards          int
	backend         string
	dataDir         string
	watch           bool
	jsonOutput      bool
}

// BenchResult is the output of a bench run.
type BenchResult struct {
	Backend        string              `json:"backend"`
	Mode           string              `json:"mode"`
	Operations     int                 `json:"operations"`
	Transactions   int                 `json:"transactions"`
	FailedCommits  int                 `json:"failed_commits"`
	ElapsedSeconds float64             `json:"elapsed_seconds"`
	OpsPerSecond   float64             `json:"ops_per_second"`
	Pipeline       async.StatsSnapshot `json:"pipeline"`
	ShardDocuments map[string]int      `json:"shard_documents"`
}

func newBenchCmd() *cobra.Command {
	var opts benchOptions

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a synthetic indexing workload",
		Long: `Run a synthetic workload of adds, updates and deletes through the
pipeline, in units of work of --tx-size operations. Collection noise adds
secondary updates to "collection" entities, as a change to a document
would trigger for the collections that embed it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if opts.shards > 0 {
				cfg.Sharding.Strategy = "hash"
				cfg.Sharding.Shards = opts.shards
			}
			if opts.backend != "" {
				cfg.Storage.Backend = opts.backend
			}
			if opts.dataDir != "" {
				cfg.Storage.DataDir = opts.dataDir
			}
			if opts.mode != "" {
				cfg.Pipeline.DefaultMode = opts.mode
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			result, err := runBench(cmd.Context(), cfg, opts)
			if err != nil {
				return err
			}
			return printBench(cmd.OutOrStdout(), result, opts.jsonOutput)
		},
	}

	cmd.Flags().IntVar(&opts.docs, "docs", 10000, "Number of documents to add")
	cmd.Flags().IntVar(&opts.txSize, "tx-size", 200, "Operations per unit of work")
	cmd.Flags().Float64Var(&opts.updateRatio, "updates", 0.2, "Probability of an update per added document")
	cmd.Flags().Float64Var(&opts.deleteRatio, "deletes", 0.05, "Probability of a delete per added document")
	cmd.Flags().Float64Var(&opts.collectionNoise, "collection-noise", 0.1, "Probability of a collection-triggered update")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "Submission mode: sync or async (default from config)")
	cmd.Flags().BoolVar(&opts.bulk, "bulk", false, "Mark operations as bulk (batch-mode writers)")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 1, "Workload random seed")
	cmd.Flags().IntVar(&opts.shards, "shards", 0, "Override the number of hash shards")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "Override the storage backend")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "Override the shard data directory")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "Reshard live when the --config file changes")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runBench(ctx context.Context, cfg *config.Config, opts benchOptions) (*BenchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	coord, err := pipeline.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownTimeoutDuration()+time.Second)
		defer cancel()
		if err := coord.Close(closeCtx); err != nil {
			slog.Warn("pipeline_close_failed", slog.String("error", err.Error()))
		}
	}()

	if opts.watch && configPath != "" {
		w, err := config.NewWatcher(configPath, 0, func(next *config.Config) {
			strategy, err := pipeline.StrategyFrom(next.Sharding)
			if err != nil {
				slog.Warn("reshard_rejected", slog.String("error", err.Error()))
				return
			}
			_ = coord.Reshard(strategy)
		})
		if err != nil {
			return nil, err
		}
		w.Start(ctx)
		defer func() {
			_ = w.Stop()
			w.Wait()
		}()
	}

	mode := pipeline.DefaultMode(cfg)
	ops := workload(opts, cfg.Storage.VectorDimensions)
	txSize := max(opts.txSize, 1)

	result := &BenchResult{
		Backend:    cfg.Storage.Backend,
		Mode:       mode.String(),
		Operations: len(ops),
	}

	start := time.Now()
	var txs []*pipeline.Transaction
	for from := 0; from < len(ops); from += txSize {
		tx := coord.Begin(mode)
		if err := tx.Add(ctx, ops[from:min(from+txSize, len(ops))]...); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			if mode == pipeline.ModeAsync {
				return nil, err
			}
			result.FailedCommits++
		}
		txs = append(txs, tx)
	}
	if mode == pipeline.ModeAsync {
		for _, tx := range txs {
			if err := tx.Wait(ctx); err != nil {
				result.FailedCommits++
			}
		}
	}
	elapsed := time.Since(start)

	result.Transactions = len(txs)
	result.ElapsedSeconds = elapsed.Seconds()
	if secs := elapsed.Seconds(); secs > 0 {
		result.OpsPerSecond = float64(len(ops)) / secs
	}
	result.Pipeline = coord.Stats()
	result.ShardDocuments = make(map[string]int)
	for _, st := range coord.ShardStats() {
		result.ShardDocuments[string(st.Key)] = st.Store.Documents
	}
	return result, nil
}

// workload builds a deterministic operation sequence for opts.
func workload(opts benchOptions, dims int) []mutation.Operation {
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed^0x5eed))

	payload := func(kind string, i int) []byte {
		doc := &store.Document{
			Content: fmt.Sprintf("%s %d lorem ipsum indexing pipeline shard", kind, i),
			Fields:  map[string]string{"kind": kind},
		}
		if dims > 0 {
			doc.Vector = make([]float32, dims)
			for d := range doc.Vector {
				doc.Vector[d] = rng.Float32()
			}
		}
		data, _ := store.EncodeDocument(doc)
		return data
	}
	hint := func(op mutation.Operation) mutation.Operation {
		if opts.bulk {
			return op.WithBatchHint()
		}
		return op
	}

	var ops []mutation.Operation
	for i := 0; i < opts.docs; i++ {
		ops = append(ops, hint(mutation.Add("doc", fmt.Sprint(i), payload("doc", i))))
		if i == 0 {
			continue
		}
		if rng.Float64() < opts.updateRatio {
			j := rng.IntN(i)
			ops = append(ops, hint(mutation.Update("doc", fmt.Sprint(j), payload("doc", j))))
		}
		if rng.Float64() < opts.deleteRatio {
			ops = append(ops, hint(mutation.Delete("doc", fmt.Sprint(rng.IntN(i)))))
		}
		if rng.Float64() < opts.collectionNoise {
			c := rng.IntN(10)
			ops = append(ops, hint(mutation.Update("collection", fmt.Sprint(c), payload("collection", c)).CollectionTriggered()))
		}
	}
	return ops
}

func printBench(w io.Writer, r *BenchResult, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(w, "backend       %s\n", r.Backend)
	fmt.Fprintf(w, "mode          %s\n", r.Mode)
	fmt.Fprintf(w, "operations    %d in %.2fs (%.0f ops/s)\n", r.Operations, r.ElapsedSeconds, r.OpsPerSecond)
	fmt.Fprintf(w, "transactions  %d (%d failed)\n", r.Transactions, r.FailedCommits)
	fmt.Fprintf(w, "applied       %d (%d not applied)\n", r.Pipeline.OpsApplied, r.Pipeline.OpsNotApplied)
	printShardDocuments(w, r.ShardDocuments)
	return nil
}

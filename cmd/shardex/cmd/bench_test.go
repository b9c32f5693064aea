package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/shardex/internal/errors"
	"github.com/Aman-CERP/shardex/internal/mutation"
)

// writeConfig writes a project config into a temp dir and returns its path.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".shardex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// runRoot executes the root command with args and returns stdout.
func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		configPath = ""
		debugMode = false
	})
	root := NewRootCmd()
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(new(bytes.Buffer))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestWorkload_Deterministic(t *testing.T) {
	// Given: the same options twice
	opts := benchOptions{docs: 200, updateRatio: 0.3, deleteRatio: 0.1, collectionNoise: 0.2, seed: 7}

	// When: building both workloads
	a := workload(opts, 0)
	b := workload(opts, 0)

	// Then: they are identical and start with one add per document
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].String(), b[i].String())
	}
	assert.Equal(t, mutation.KindAdd, a[0].Kind())
	assert.GreaterOrEqual(t, len(a), 200)
}

func TestWorkload_OnlyAdds(t *testing.T) {
	// Given: no updates, deletes or noise
	opts := benchOptions{docs: 25, seed: 1, bulk: true}

	// When: building the workload
	ops := workload(opts, 4)

	// Then: every op is a hinted add
	require.Len(t, ops, 25)
	for _, op := range ops {
		assert.Equal(t, mutation.KindAdd, op.Kind())
		assert.True(t, op.BatchHint())
		assert.True(t, op.HasPayload())
	}
}

func TestWorkload_CollectionNoiseIsSecondary(t *testing.T) {
	// Given: noise on every document
	opts := benchOptions{docs: 20, collectionNoise: 1, seed: 3}

	// When: building the workload
	ops := workload(opts, 0)

	// Then: every collection op is in the secondary layer
	var collections int
	for _, op := range ops {
		if op.EntityType() == "collection" {
			collections++
			assert.Equal(t, mutation.LayerSecondary, op.Layer())
		}
	}
	assert.Equal(t, 19, collections)
}

func TestBenchCmd_JSON(t *testing.T) {
	// Given: an in-memory two shard config
	path := writeConfig(t, `
sharding:
  strategy: hash
  shards: 2
storage:
  backend: memory
`)

	// When: running a small sync bench
	out, err := runRoot(t, "--config", path, "bench",
		"--docs", "100", "--updates", "0", "--deletes", "0", "--collection-noise", "0",
		"--tx-size", "30", "--mode", "sync", "--json")

	// Then: every document lands on one of the two shards
	require.NoError(t, err)
	var result BenchResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "sync", result.Mode)
	assert.Equal(t, 100, result.Operations)
	assert.Equal(t, 4, result.Transactions)
	assert.Zero(t, result.FailedCommits)
	assert.Equal(t, 100, result.Pipeline.OpsApplied)

	total := 0
	for _, n := range result.ShardDocuments {
		total += n
	}
	assert.Equal(t, 100, total)
	assert.Len(t, result.ShardDocuments, 2)
}

func TestBenchCmd_AsyncText(t *testing.T) {
	// Given: an in-memory config
	path := writeConfig(t, "storage:\n  backend: memory\n")

	// When: running an async bench with text output
	out, err := runRoot(t, "--config", path, "bench", "--docs", "50", "--mode", "async")

	// Then: the summary names the mode and throughput
	require.NoError(t, err)
	assert.Contains(t, out, "mode          async")
	assert.Contains(t, out, "ops/s")
}

func TestBenchCmd_InvalidOverride(t *testing.T) {
	// Given: a valid config
	path := writeConfig(t, "storage:\n  backend: memory\n")

	// When: overriding with an unknown backend
	_, err := runRoot(t, "--config", path, "bench", "--docs", "1", "--backend", "rocks")

	// Then: it is rejected as a config error
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConfigInvalid, errors.GetCode(err))
}

func TestStatsCmd_AfterBench(t *testing.T) {
	// Given: a sqlite config and a bench that wrote 40 documents
	dataDir := t.TempDir()
	path := writeConfig(t, `
sharding:
  strategy: hash
  shards: 3
storage:
  backend: sqlite
  data_dir: `+dataDir+`
`)
	_, err := runRoot(t, "--config", path, "bench",
		"--docs", "40", "--updates", "0", "--deletes", "0", "--collection-noise", "0", "--mode", "sync")
	require.NoError(t, err)

	// When: reading stats in a fresh pipeline
	out, err := runRoot(t, "--config", path, "stats", "--json")

	// Then: the persisted documents are counted across all shards
	require.NoError(t, err)
	var reports []ShardReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 3)
	total := 0
	for _, r := range reports {
		assert.Equal(t, "sqlite", r.Backend)
		total += r.Documents
	}
	assert.Equal(t, 40, total)
}

func TestOptimizeCmd_Text(t *testing.T) {
	// Given: a bleve config with data
	dataDir := t.TempDir()
	path := writeConfig(t, `
sharding:
  shards: 2
storage:
  backend: bleve
  data_dir: `+dataDir+`
`)
	_, err := runRoot(t, "--config", path, "bench", "--docs", "20", "--deletes", "0", "--mode", "sync")
	require.NoError(t, err)

	// When: optimizing
	out, err := runRoot(t, "--config", path, "optimize")

	// Then: the shard table is printed with the total
	require.NoError(t, err)
	assert.Contains(t, out, "SHARD")
	assert.Contains(t, out, "total")
	assert.Contains(t, out, "shard-0")
}

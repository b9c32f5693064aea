package pipeline

import (
	"fmt"
	"strings"

	"github.com/Aman-CERP/shardex/internal/async"
	"github.com/Aman-CERP/shardex/internal/config"
	"github.com/Aman-CERP/shardex/internal/errors"
	"github.com/Aman-CERP/shardex/internal/routing"
	"github.com/Aman-CERP/shardex/internal/shard"
	"github.com/Aman-CERP/shardex/internal/store"
)

// NewFromConfig builds a coordinator from a loaded configuration. Options
// are applied after the configured strategy and policy, so they win.
func NewFromConfig(cfg *config.Config, opts ...Option) (*Coordinator, error) {
	pc, err := ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	strategy, err := StrategyFrom(cfg.Sharding)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithStrategy(strategy),
		WithPolicy(PolicyFrom(cfg.Maintenance)),
	}
	return New(pc, append(base, opts...)...)
}

// ConfigFrom converts the file configuration to a coordinator Config.
func ConfigFrom(cfg *config.Config) (Config, error) {
	backpressure, err := async.ParseBackpressure(strings.ToLower(cfg.Pipeline.Backpressure))
	if err != nil {
		return Config{}, err
	}

	pc := DefaultConfig()
	pc.Workers = cfg.Pipeline.Workers
	pc.QueueDepth = cfg.Pipeline.QueueDepth
	pc.Backpressure = backpressure
	pc.BatchCommitSize = cfg.Pipeline.BatchCommitSize
	pc.MapperParallelism = cfg.Pipeline.MapperParallelism
	pc.AutoFlushSize = cfg.Pipeline.AutoFlushSize
	pc.DataDir = cfg.Storage.DataDir
	pc.Backend = store.Backend(strings.ToLower(cfg.Storage.Backend))
	pc.Vector = store.DefaultVectorConfig(cfg.Storage.VectorDimensions)
	pc.HistoryDepth = cfg.Sharding.HistoryDepth
	pc.PlacementCacheSize = cfg.Sharding.PlacementCacheSize
	if d := cfg.Pipeline.ShutdownTimeoutDuration(); d > 0 {
		pc.ShutdownTimeout = d
	}
	return pc, nil
}

// StrategyFrom builds the sharding strategy a configuration describes.
func StrategyFrom(sc config.ShardingConfig) (routing.Strategy, error) {
	switch strings.ToLower(sc.Strategy) {
	case "", "hash":
		prefix := sc.Prefix
		if prefix == "" {
			prefix = "shard"
		}
		return routing.NewHashStrategy(prefix, sc.Shards)
	case "type":
		return routing.NewTypeStrategy(sc.Types)
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unknown sharding strategy %q", sc.Strategy), nil)
	}
}

// PolicyFrom builds the maintenance policy a configuration describes.
func PolicyFrom(mc config.MaintenanceConfig) shard.Policy {
	if !mc.Enabled {
		return shard.ManualPolicy{}
	}
	return shard.ThresholdPolicy{
		MinOps:      mc.MinOps,
		MinCommits:  mc.MinCommits,
		MinDeletes:  mc.MinDeletes,
		OrphanRatio: mc.OrphanRatio,
		Cooldown:    mc.CooldownDuration(),
	}
}

// DefaultMode returns the submission mode a configuration selects.
func DefaultMode(cfg *config.Config) Mode {
	m, err := ParseMode(cfg.Pipeline.DefaultMode)
	if err != nil {
		return ModeSync
	}
	return m
}

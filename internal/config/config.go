package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/shardex/internal/errors"
)

// Config represents the complete shardex configuration.
type Config struct {
	Version     int               `yaml:"version" json:"version"`
	Pipeline    PipelineConfig    `yaml:"pipeline" json:"pipeline"`
	Sharding    ShardingConfig    `yaml:"sharding" json:"sharding"`
	Storage     StorageConfig     `yaml:"storage" json:"storage"`
	Maintenance MaintenanceConfig `yaml:"maintenance" json:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// PipelineConfig configures execution of submitted batches.
type PipelineConfig struct {
	// Workers is the size of the pool shared by every shard queue.
	Workers int `yaml:"workers" json:"workers"`
	// QueueDepth bounds pending executions per shard.
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`
	// Backpressure is "block" (wait for room) or "reject" (fail fast).
	Backpressure string `yaml:"backpressure" json:"backpressure"`
	// DefaultMode is "sync" or "async".
	DefaultMode       string `yaml:"default_mode" json:"default_mode"`
	AutoFlushSize     int    `yaml:"auto_flush_size" json:"auto_flush_size"`
	BatchCommitSize   int    `yaml:"batch_commit_size" json:"batch_commit_size"`
	MapperParallelism int    `yaml:"mapper_parallelism" json:"mapper_parallelism"`
	ShutdownTimeout   string `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// ShardingConfig configures how documents are spread over shards.
type ShardingConfig struct {
	// Strategy is "hash" (Shards buckets) or "type" (Types mapping).
	Strategy string `yaml:"strategy" json:"strategy"`
	Shards   int    `yaml:"shards" json:"shards"`
	// Prefix names hash shards: prefix-0, prefix-1, ...
	Prefix string `yaml:"prefix" json:"prefix"`
	// Types maps an entity type to its shard for the type strategy.
	Types map[string]string `yaml:"types,omitempty" json:"types,omitempty"`
	// HistoryDepth is how many earlier layouts deletes still reach.
	HistoryDepth       int `yaml:"history_depth" json:"history_depth"`
	PlacementCacheSize int `yaml:"placement_cache_size" json:"placement_cache_size"`
}

// StorageConfig configures the per-shard index backend.
type StorageConfig struct {
	// Backend is memory, bleve, sqlite or hnsw.
	Backend string `yaml:"backend" json:"backend"`
	// DataDir holds one directory per shard. Empty keeps shards in memory.
	DataDir          string `yaml:"data_dir" json:"data_dir"`
	VectorDimensions int    `yaml:"vector_dimensions" json:"vector_dimensions"`
}

// MaintenanceConfig configures background shard optimization.
type MaintenanceConfig struct {
	// Enabled turns on threshold-driven maintenance. When disabled only
	// explicit optimize operations run it.
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	MinOps      int     `yaml:"min_ops" json:"min_ops"`
	MinCommits  int     `yaml:"min_commits" json:"min_commits"`
	MinDeletes  int     `yaml:"min_deletes" json:"min_deletes"`
	OrphanRatio float64 `yaml:"orphan_ratio" json:"orphan_ratio"`
	Cooldown    string  `yaml:"cooldown" json:"cooldown"`
}

// LoggingConfig configures the log file.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Pipeline: PipelineConfig{
			Workers:           8,
			QueueDepth:        64,
			Backpressure:      "block",
			DefaultMode:       "sync",
			AutoFlushSize:     0,
			BatchCommitSize:   1000,
			MapperParallelism: 8,
			ShutdownTimeout:   "30s",
		},
		Sharding: ShardingConfig{
			Strategy:           "hash",
			Shards:             4,
			Prefix:             "shard",
			HistoryDepth:       2,
			PlacementCacheSize: 10000,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Maintenance: MaintenanceConfig{
			Enabled:     true,
			MinOps:      10000,
			MinCommits:  200,
			MinDeletes:  0,
			OrphanRatio: 0.2,
			Cooldown:    "1m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// GetUserConfigPath returns the path to the user configuration file.
// It follows the XDG Base Directory layout:
//   - $XDG_CONFIG_HOME/shardex/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/shardex/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "shardex", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "shardex", "config.yaml")
	}
	return filepath.Join(home, ".config", "shardex", "config.yaml")
}

// Load loads configuration for a working directory.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User config (~/.config/shardex/config.yaml)
//  3. Project config (.shardex.yaml in dir)
//  4. Environment variables (SHARDEX_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, err
		}
	}

	for _, name := range []string{".shardex.yaml", ".shardex.yml"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			if err := cfg.loadYAML(path); err != nil {
				return nil, err
			}
			break
		}
	}

	return cfg.finish()
}

// LoadFile loads configuration from an explicit file on top of the defaults.
// Unlike Load, a missing file is an error.
func LoadFile(path string) (*Config, error) {
	if !fileExists(path) {
		return nil, errors.New(errors.ErrCodeConfigNotFound, "config file not found", nil).
			WithDetail("path", path)
	}
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, err
	}
	return cfg.finish()
}

func (c *Config) finish() (*Config, error) {
	c.applyEnvOverrides()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadYAML decodes path over the current values, so keys absent from the
// file keep what earlier layers set.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.ConfigError("failed to read config file", err).WithDetail("path", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.ConfigError("failed to parse config file", err).WithDetail("path", path)
	}
	return nil
}

// applyEnvOverrides applies SHARDEX_* environment variables. Unparseable
// numbers are ignored.
func (c *Config) applyEnvOverrides() {
	envInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
				*dst = n
			}
		}
	}
	envString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	envInt("SHARDEX_WORKERS", &c.Pipeline.Workers)
	envInt("SHARDEX_QUEUE_DEPTH", &c.Pipeline.QueueDepth)
	envString("SHARDEX_BACKPRESSURE", &c.Pipeline.Backpressure)
	envString("SHARDEX_MODE", &c.Pipeline.DefaultMode)
	envInt("SHARDEX_AUTO_FLUSH_SIZE", &c.Pipeline.AutoFlushSize)
	envInt("SHARDEX_BATCH_COMMIT_SIZE", &c.Pipeline.BatchCommitSize)

	envString("SHARDEX_STRATEGY", &c.Sharding.Strategy)
	envInt("SHARDEX_SHARDS", &c.Sharding.Shards)

	envString("SHARDEX_BACKEND", &c.Storage.Backend)
	envString("SHARDEX_DATA_DIR", &c.Storage.DataDir)
	envInt("SHARDEX_VECTOR_DIMENSIONS", &c.Storage.VectorDimensions)

	if v := os.Getenv("SHARDEX_MAINTENANCE_ENABLED"); v != "" {
		c.Maintenance.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("SHARDEX_MAINTENANCE_ORPHAN_RATIO"); v != "" {
		if r, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && r >= 0 && r <= 1 {
			c.Maintenance.OrphanRatio = r
		}
	}
	envString("SHARDEX_MAINTENANCE_COOLDOWN", &c.Maintenance.Cooldown)

	envString("SHARDEX_LOG_LEVEL", &c.Logging.Level)
	envString("SHARDEX_LOG_FILE", &c.Logging.File)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.Workers < 0 {
		return invalid("pipeline.workers must be non-negative, got %d", p.Workers)
	}
	if p.QueueDepth < 0 {
		return invalid("pipeline.queue_depth must be non-negative, got %d", p.QueueDepth)
	}
	if !oneOf(p.Backpressure, "block", "reject") {
		return invalid("pipeline.backpressure must be 'block' or 'reject', got %s", p.Backpressure)
	}
	if !oneOf(p.DefaultMode, "sync", "async") {
		return invalid("pipeline.default_mode must be 'sync' or 'async', got %s", p.DefaultMode)
	}
	if p.AutoFlushSize < 0 || p.BatchCommitSize < 0 || p.MapperParallelism < 0 {
		return invalid("pipeline sizes must be non-negative")
	}
	if _, err := parseDuration("pipeline.shutdown_timeout", p.ShutdownTimeout); err != nil {
		return err
	}

	s := c.Sharding
	switch strings.ToLower(s.Strategy) {
	case "hash":
		if s.Shards < 1 {
			return invalid("sharding.shards must be at least 1, got %d", s.Shards)
		}
	case "type":
		if len(s.Types) == 0 {
			return invalid("sharding.types must map at least one entity type for the type strategy")
		}
	default:
		return invalid("sharding.strategy must be 'hash' or 'type', got %s", s.Strategy)
	}
	if s.HistoryDepth < 0 || s.PlacementCacheSize < 0 {
		return invalid("sharding.history_depth and placement_cache_size must be non-negative")
	}

	st := c.Storage
	if !oneOf(st.Backend, "memory", "bleve", "sqlite", "hnsw") {
		return invalid("storage.backend must be 'memory', 'bleve', 'sqlite' or 'hnsw', got %s", st.Backend)
	}
	if strings.ToLower(st.Backend) == "hnsw" && st.VectorDimensions <= 0 {
		return invalid("storage.vector_dimensions must be positive for the hnsw backend")
	}

	m := c.Maintenance
	if m.MinOps < 0 || m.MinCommits < 0 || m.MinDeletes < 0 {
		return invalid("maintenance thresholds must be non-negative")
	}
	if m.OrphanRatio < 0 || m.OrphanRatio > 1 {
		return invalid("maintenance.orphan_ratio must be between 0 and 1, got %f", m.OrphanRatio)
	}
	if _, err := parseDuration("maintenance.cooldown", m.Cooldown); err != nil {
		return err
	}

	if !oneOf(c.Logging.Level, "debug", "info", "warn", "error") {
		return invalid("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}
	return nil
}

// ShutdownTimeoutDuration returns the parsed shutdown timeout.
func (p PipelineConfig) ShutdownTimeoutDuration() time.Duration {
	d, _ := parseDuration("", p.ShutdownTimeout)
	return d
}

// CooldownDuration returns the parsed cooldown.
func (m MaintenanceConfig) CooldownDuration() time.Duration {
	d, _ := parseDuration("", m.Cooldown)
	return d
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.InternalError("failed to marshal config", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.IOError("failed to write config file", err).WithDetail("path", path)
	}
	return nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, invalid("%s must be a non-negative duration, got %q", field, s)
	}
	return d, nil
}

func invalid(format string, args ...any) error {
	return errors.ConfigError(fmt.Sprintf(format, args...), nil)
}

func oneOf(v string, allowed ...string) bool {
	v = strings.ToLower(v)
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

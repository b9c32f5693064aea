package async

import (
	"sync"
	"time"
)

// StatsSnapshot is an immutable copy of pipeline counters.
type StatsSnapshot struct {
	BatchesSubmitted int     `json:"batches_submitted"`
	BatchesCompleted int     `json:"batches_completed"`
	BatchesFailed    int     `json:"batches_failed"`
	ShardExecutions  int     `json:"shard_executions"`
	ShardFailures    int     `json:"shard_failures"`
	OpsApplied       int     `json:"ops_applied"`
	OpsNotApplied    int     `json:"ops_not_applied"`
	InFlight         int     `json:"in_flight"`
	OpsPerSecond     float64 `json:"ops_per_second"`
	ElapsedSeconds   int     `json:"elapsed_seconds"`
}

// Stats tracks pipeline progress. It is safe for concurrent use.
type Stats struct {
	mu sync.RWMutex

	batchesSubmitted int
	batchesCompleted int
	batchesFailed    int
	shardExecutions  int
	shardFailures    int
	opsApplied       int
	opsNotApplied    int
	startTime        time.Time
}

// NewStats creates a tracker starting now.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

// BatchSubmitted records a batch accepted for execution.
func (s *Stats) BatchSubmitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchesSubmitted++
}

// BatchFinished records the end of a batch across all its shards.
func (s *Stats) BatchFinished(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchesCompleted++
	if failed {
		s.batchesFailed++
	}
}

// ShardExecuted records one per-shard execution and its op counts.
func (s *Stats) ShardExecuted(applied, notApplied int, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shardExecutions++
	s.opsApplied += applied
	s.opsNotApplied += notApplied
	if failed {
		s.shardFailures++
	}
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	elapsed := time.Since(s.startTime)
	var rate float64
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(s.opsApplied) / secs
	}

	return StatsSnapshot{
		BatchesSubmitted: s.batchesSubmitted,
		BatchesCompleted: s.batchesCompleted,
		BatchesFailed:    s.batchesFailed,
		ShardExecutions:  s.shardExecutions,
		ShardFailures:    s.shardFailures,
		OpsApplied:       s.opsApplied,
		OpsNotApplied:    s.opsNotApplied,
		InFlight:         s.batchesSubmitted - s.batchesCompleted,
		OpsPerSecond:     rate,
		ElapsedSeconds:   int(elapsed.Seconds()),
	}
}

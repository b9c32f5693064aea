package shard

import (
	"time"

	"github.com/Aman-CERP/shardex/internal/store"
)

// Counters is what a maintenance policy sees when deciding.
type Counters struct {
	// OpsSinceMaintenance counts operations committed since the last run.
	OpsSinceMaintenance int
	// DeletesSinceMaintenance counts delete-like operations among them.
	DeletesSinceMaintenance int
	// CommitsSinceMaintenance counts successful commits.
	CommitsSinceMaintenance int
	// LastMaintenance is zero until maintenance first runs.
	LastMaintenance time.Time
	// Requested is set when an explicit optimize operation was applied.
	Requested bool
	Store     store.Stats
}

// Policy decides whether a shard should run maintenance after a commit.
type Policy interface {
	ShouldOptimize(c Counters) bool
}

// ThresholdPolicy runs maintenance when any configured threshold is crossed
// and the cooldown has passed. Zero thresholds are disabled.
type ThresholdPolicy struct {
	MinOps      int
	MinCommits  int
	MinDeletes  int
	OrphanRatio float64
	Cooldown    time.Duration
}

// DefaultThresholdPolicy returns the thresholds used when none are configured.
func DefaultThresholdPolicy() ThresholdPolicy {
	return ThresholdPolicy{
		MinOps:      10000,
		MinCommits:  200,
		OrphanRatio: 0.2,
		Cooldown:    time.Minute,
	}
}

func (p ThresholdPolicy) ShouldOptimize(c Counters) bool {
	if c.Requested {
		return true
	}
	if !c.LastMaintenance.IsZero() && time.Since(c.LastMaintenance) < p.Cooldown {
		return false
	}

	if p.MinOps > 0 && c.OpsSinceMaintenance >= p.MinOps {
		return true
	}
	if p.MinCommits > 0 && c.CommitsSinceMaintenance >= p.MinCommits {
		return true
	}
	if p.MinDeletes > 0 && c.DeletesSinceMaintenance >= p.MinDeletes {
		return true
	}
	if p.OrphanRatio > 0 {
		total := c.Store.Documents + c.Store.Orphans
		if total > 0 && float64(c.Store.Orphans)/float64(total) >= p.OrphanRatio {
			return true
		}
	}
	return false
}

// ManualPolicy only runs maintenance for explicit optimize operations.
type ManualPolicy struct{}

func (ManualPolicy) ShouldOptimize(c Counters) bool { return c.Requested }

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(Counters) bool

func (f PolicyFunc) ShouldOptimize(c Counters) bool { return f(c) }

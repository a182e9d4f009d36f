// Package health builds point-in-time Snapshots of system health from a metrics source.
package health

import (
	"errors"
	"time"

	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

// Source exposes the health signals a Snapshot is built from.
type Source interface {
	LatencyStats() (types.LatencyStats, error)
	OperationCounts() map[string]types.OperationCounts
	BurnRates() []types.BurnRate
	RecentErrorEvents() int
}

// Builder aggregates a Source into Snapshots. It has no side effects.
type Builder struct {
	source        Source
	burnThreshold float64
	now           func() time.Time
}

// NewBuilder creates a Builder that keeps burn rates at or above burnThreshold.
func NewBuilder(source Source, burnThreshold float64) *Builder {
	return &Builder{
		source:        source,
		burnThreshold: burnThreshold,
		now:           time.Now,
	}
}

// Build reads the source once. A read error is returned alongside the partial
// snapshot; callers treat it as non-fatal.
func (b *Builder) Build() (types.Snapshot, error) {
	snap := types.Snapshot{
		CapturedAt: b.now().UnixMilli(),
		Operations: map[string]types.OperationCounts{},
	}

	var errs []error

	latency, err := b.source.LatencyStats()
	if err != nil {
		errs = append(errs, err)
	}
	snap.Latency = latency

	for op, c := range b.source.OperationCounts() {
		snap.Operations[op] = c
	}

	for _, br := range b.source.BurnRates() {
		if br.BurnRate >= b.burnThreshold {
			snap.HotBurnRates = append(snap.HotBurnRates, br)
		}
	}

	snap.RecentErrorEvents = b.source.RecentErrorEvents()

	return snap, errors.Join(errs...)
}

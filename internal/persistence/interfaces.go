// Package persistence defines the durable storage contracts for baseline
// statistics and raw flow observations.
package persistence

import (
	"context"
	"time"

	"github.com/optionsflow/optionsflow/internal/domain"
)

// Observation is one raw baseline observation retained for history.
type Observation struct {
	Instrument  domain.InstrumentKey
	Value       float64 // pressure ratio
	Volume      float64
	DataQuality float64
	Timestamp   time.Time
}

// BaselineRepo stores per-instrument statistical summaries and their raw
// observation history.
type BaselineRepo interface {
	// UpsertStats snapshots the statistics for one instrument.
	UpsertStats(ctx context.Context, stats domain.BaselineStats) error

	// GetStats returns the stored snapshot, or nil when none exists.
	GetStats(ctx context.Context, key domain.InstrumentKey) (*domain.BaselineStats, error)

	// ListStats returns all stored snapshots, for warm starts.
	ListStats(ctx context.Context) ([]domain.BaselineStats, error)

	// AppendObservation adds one raw observation to the history table.
	AppendObservation(ctx context.Context, obs Observation) error

	// PruneObservations deletes history older than the cutoff and returns
	// the number of rows removed.
	PruneObservations(ctx context.Context, olderThan time.Time) (int64, error)
}

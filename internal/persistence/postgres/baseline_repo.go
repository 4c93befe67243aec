package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/optionsflow/optionsflow/internal/domain"
	"github.com/optionsflow/optionsflow/internal/persistence"
)

// baselineRepo implements persistence.BaselineRepo for PostgreSQL.
type baselineRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBaselineRepo creates a PostgreSQL baseline repository.
func NewBaselineRepo(db *sqlx.DB, timeout time.Duration) persistence.BaselineRepo {
	return &baselineRepo{db: db, timeout: timeout}
}

// UpsertStats snapshots the statistics for one instrument, keyed by
// (strike, option_type).
func (r *baselineRepo) UpsertStats(ctx context.Context, s domain.BaselineStats) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO baseline_stats
			(strike, option_type, mean, std, min, max, p25, p50, p75, p90, p95, sample_count, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (strike, option_type) DO UPDATE SET
			mean = EXCLUDED.mean, std = EXCLUDED.std,
			min = EXCLUDED.min, max = EXCLUDED.max,
			p25 = EXCLUDED.p25, p50 = EXCLUDED.p50, p75 = EXCLUDED.p75,
			p90 = EXCLUDED.p90, p95 = EXCLUDED.p95,
			sample_count = EXCLUDED.sample_count,
			last_updated = EXCLUDED.last_updated`

	_, err := r.db.ExecContext(ctx, query,
		s.Instrument.Strike, string(s.Instrument.OptionType),
		s.Mean, s.Std, s.Min, s.Max,
		s.P25, s.P50, s.P75, s.P90, s.P95,
		s.SampleCount, s.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to upsert baseline stats: %w", err)
	}
	return nil
}

// GetStats returns the stored snapshot for one instrument, or nil.
func (r *baselineRepo) GetStats(ctx context.Context, key domain.InstrumentKey) (*domain.BaselineStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT strike, option_type, mean, std, min, max, p25, p50, p75, p90, p95, sample_count, last_updated
		FROM baseline_stats
		WHERE strike = $1 AND option_type = $2`

	row := r.db.QueryRowxContext(ctx, query, key.Strike, string(key.OptionType))
	stats, err := scanStats(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get baseline stats: %w", err)
	}
	return stats, nil
}

// ListStats returns every stored snapshot.
func (r *baselineRepo) ListStats(ctx context.Context) ([]domain.BaselineStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT strike, option_type, mean, std, min, max, p25, p50, p75, p90, p95, sample_count, last_updated
		FROM baseline_stats
		ORDER BY strike, option_type`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list baseline stats: %w", err)
	}
	defer rows.Close()

	var out []domain.BaselineStats
	for rows.Next() {
		stats, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *stats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating baseline stats rows: %w", err)
	}
	return out, nil
}

// AppendObservation adds one raw observation to the retained history table.
func (r *baselineRepo) AppendObservation(ctx context.Context, obs persistence.Observation) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO baseline_observations (strike, option_type, value, volume, data_quality, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.ExecContext(ctx, query,
		obs.Instrument.Strike, string(obs.Instrument.OptionType),
		obs.Value, obs.Volume, obs.DataQuality, obs.Timestamp)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate observation: %w", err)
		}
		return fmt.Errorf("failed to append observation: %w", err)
	}
	return nil
}

// PruneObservations deletes history rows older than the cutoff.
func (r *baselineRepo) PruneObservations(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM baseline_observations WHERE ts < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune observations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read pruned row count: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStats(row rowScanner) (*domain.BaselineStats, error) {
	var s domain.BaselineStats
	var optionType string
	err := row.Scan(
		&s.Instrument.Strike, &optionType,
		&s.Mean, &s.Std, &s.Min, &s.Max,
		&s.P25, &s.P50, &s.P75, &s.P90, &s.P95,
		&s.SampleCount, &s.LastUpdated)
	if err != nil {
		return nil, err
	}
	s.Instrument.OptionType = domain.OptionType(optionType)
	return &s, nil
}

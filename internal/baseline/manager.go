// Package baseline maintains incrementally-updated per-instrument statistics
// over pressure observations and classifies new observations as anomalous.
package baseline

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optionsflow/optionsflow/internal/cache"
	"github.com/optionsflow/optionsflow/internal/config"
	"github.com/optionsflow/optionsflow/internal/domain"
	"github.com/optionsflow/optionsflow/internal/persistence"
)

const (
	trendObservations = 5
	trendSlopeMin     = 0.1
	persistTimeout    = 5 * time.Second

	// seedHandoff is the live sample count at which a warm-start seed stops
	// scoring new observations and the live window takes over.
	seedHandoff = 30
)

// entry is the in-memory state for one instrument.
type entry struct {
	window      *rollingWindow
	seed        *domain.BaselineStats
	lastUpdated time.Time
	lastQuality float64
	updates     int
}

// Manager owns the per-instrument baselines. Repo and cache are optional:
// a nil repo disables persistence, a nil cache disables the hot tier.
type Manager struct {
	cfg   config.BaselineConfig
	repo  persistence.BaselineRepo
	cache cache.SnapshotCache

	mu      sync.Mutex
	entries map[domain.InstrumentKey]*entry
	seeds   map[domain.InstrumentKey]domain.BaselineStats
	updates uint64
}

// NewManager creates a baseline manager.
func NewManager(cfg config.BaselineConfig, repo persistence.BaselineRepo, snapCache cache.SnapshotCache) *Manager {
	if cfg.PersistEveryN <= 0 {
		cfg.PersistEveryN = 10
	}
	return &Manager{
		cfg:     cfg,
		repo:    repo,
		cache:   snapCache,
		entries: make(map[domain.InstrumentKey]*entry),
	}
}

// Update folds one observation into the instrument's baseline and returns the
// anomaly context. The context is computed against the baseline as it stood
// before this observation, so a fresh outlier is judged by history, not by a
// window it has already contaminated. Never blocks on I/O; persistence runs
// in the background.
func (m *Manager) Update(key domain.InstrumentKey, pressureRatio, volume, dataQuality float64, ts time.Time) domain.BaselineContext {
	// Unusable ratios (one-sided +Inf windows) are capped so sums stay finite.
	value := pressureRatio
	if math.IsInf(value, 1) {
		value = 1000
	}

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{window: newRollingWindow(m.cfg.WindowSize)}
		if seed, found := m.seeds[key]; found {
			s := seed
			e.seed = &s
		}
		m.entries[key] = e
	}

	ctx := m.contextLocked(key, e, value, dataQuality, ts)

	e.window.add(value)
	e.lastUpdated = ts
	e.lastQuality = dataQuality
	e.updates++
	m.updates++

	// Recompute the post-add fields that include the new observation.
	ctx.SampleCount = e.window.count()
	ctx.Trend = trendOf(e.window)
	ctx.Volatility = volatilityOf(e.window)
	ctx.Confidence = 0.6*math.Min(float64(e.window.count())/100, 1) + 0.4*dataQuality

	var persist *domain.BaselineStats
	if m.repo != nil && e.updates%m.cfg.PersistEveryN == 0 {
		s := m.snapshotLocked(key, e)
		persist = &s
	}
	m.mu.Unlock()

	if persist != nil {
		go m.persist(*persist, persistence.Observation{
			Instrument:  key,
			Value:       value,
			Volume:      volume,
			DataQuality: dataQuality,
			Timestamp:   ts,
		})
	}
	return ctx
}

// WarmStart loads persisted baselines so the first windows after a restart are
// judged against prior history instead of an empty window. The hot tier is
// consulted per instrument: a cached snapshot newer than the stored row wins,
// and rows missing from the cache are backfilled into it. Returns the number
// of instruments seeded.
func (m *Manager) WarmStart(ctx context.Context) (int, error) {
	if m.repo == nil {
		return 0, nil
	}
	stored, err := m.repo.ListStats(ctx)
	if err != nil {
		return 0, err
	}

	seeds := make(map[domain.InstrumentKey]domain.BaselineStats, len(stored))
	for _, s := range stored {
		if m.cache != nil {
			cached, ok, cerr := m.cache.Get(ctx, s.Instrument)
			switch {
			case cerr != nil:
				log.Warn().Err(cerr).Stringer("instrument", s.Instrument).Msg("baseline cache read failed")
			case ok && cached.LastUpdated.After(s.LastUpdated):
				seeds[s.Instrument] = *cached
				continue
			case !ok:
				if serr := m.cache.Set(ctx, s); serr != nil {
					log.Warn().Err(serr).Stringer("instrument", s.Instrument).Msg("baseline cache backfill failed")
				}
			}
		}
		seeds[s.Instrument] = s
	}

	m.mu.Lock()
	m.seeds = seeds
	m.mu.Unlock()

	if len(seeds) > 0 {
		log.Info().Int("instruments", len(seeds)).Msg("baselines warm started")
	}
	return len(seeds), nil
}

// Lookup serves the latest statistics for one instrument through the storage
// tiers: live memory first, then the snapshot cache, then the repository.
// Returns nil when no tier knows the instrument.
func (m *Manager) Lookup(ctx context.Context, key domain.InstrumentKey) (*domain.BaselineStats, error) {
	if s := m.Snapshot(key); s != nil {
		return s, nil
	}
	if m.cache != nil {
		cached, ok, err := m.cache.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Stringer("instrument", key).Msg("baseline cache read failed")
		} else if ok {
			return cached, nil
		}
	}
	if m.repo == nil {
		return nil, nil
	}
	return m.repo.GetStats(ctx, key)
}

// contextLocked scores the new value against the prior window.
func (m *Manager) contextLocked(key domain.InstrumentKey, e *entry, value, dataQuality float64, ts time.Time) domain.BaselineContext {
	ctx := domain.BaselineContext{
		Instrument: key,
		Value:      value,
		Timestamp:  ts,
		Trend:      domain.TrendStable,
		Volatility: domain.VolNormal,
	}

	var (
		mean, std float64
		rank      float64
		haveRank  bool
	)
	if e.seed != nil && e.window.count() < seedHandoff {
		mean, std = e.seed.Mean, e.seed.Std
		rank = percentileRank(value, e.seed.P25, e.seed.P50, e.seed.P75, e.seed.P90, e.seed.P95)
		haveRank = true
	} else {
		mean, std = e.window.mean(), e.window.std()
		if sorted := e.window.sorted(); len(sorted) > 0 {
			rank = percentileRank(value,
				e.window.percentile(sorted, 25),
				e.window.percentile(sorted, 50),
				e.window.percentile(sorted, 75),
				e.window.percentile(sorted, 90),
				e.window.percentile(sorted, 95))
			haveRank = true
		}
	}
	if std > 0 {
		ctx.ZScore = (value - mean) / std
	}
	if haveRank {
		ctx.PercentileRank = rank
	}

	// Two independent severity ladders; whichever is worse wins.
	ctx.Severity = domain.MaxSeverity(zSeverity(ctx.ZScore), percentileSeverity(ctx.PercentileRank))
	ctx.AnomalyDetected = ctx.Severity > domain.SeverityNone
	return ctx
}

// percentileRank buckets a value against the stored percentile thresholds.
func percentileRank(value, p25, p50, p75, p90, p95 float64) float64 {
	switch {
	case value >= p95:
		return 99
	case value >= p90:
		return 95
	case value >= p75:
		return 90
	case value >= p50:
		return 75
	case value >= p25:
		return 50
	default:
		return 25
	}
}

func zSeverity(z float64) domain.Severity {
	abs := math.Abs(z)
	switch {
	case abs >= 3.0:
		return domain.SeverityExtreme
	case abs >= 2.5:
		return domain.SeveritySevere
	case abs >= 2.0:
		return domain.SeverityModerate
	case abs >= 1.5:
		return domain.SeverityMild
	default:
		return domain.SeverityNone
	}
}

func percentileSeverity(rank float64) domain.Severity {
	switch {
	case rank >= 99:
		return domain.SeverityExtreme
	case rank >= 95:
		return domain.SeveritySevere
	case rank >= 90:
		return domain.SeverityModerate
	case rank >= 75:
		return domain.SeverityMild
	default:
		return domain.SeverityNone
	}
}

func trendOf(w *rollingWindow) domain.TrendDirection {
	s := slope(w.lastN(trendObservations))
	switch {
	case s > trendSlopeMin:
		return domain.TrendUp
	case s < -trendSlopeMin:
		return domain.TrendDown
	default:
		return domain.TrendStable
	}
}

func volatilityOf(w *rollingWindow) domain.VolatilityRegime {
	mean := w.mean()
	if w.count() < 10 || mean == 0 {
		return domain.VolNormal
	}
	cv := w.std() / mean
	switch {
	case cv < 0.2:
		return domain.VolLow
	case cv > 0.5:
		return domain.VolHigh
	default:
		return domain.VolNormal
	}
}

func (m *Manager) snapshotLocked(key domain.InstrumentKey, e *entry) domain.BaselineStats {
	sorted := e.window.sorted()
	return domain.BaselineStats{
		Instrument:  key,
		Mean:        e.window.mean(),
		Std:         e.window.std(),
		Min:         e.window.min,
		Max:         e.window.max,
		P25:         e.window.percentile(sorted, 25),
		P50:         e.window.percentile(sorted, 50),
		P75:         e.window.percentile(sorted, 75),
		P90:         e.window.percentile(sorted, 90),
		P95:         e.window.percentile(sorted, 95),
		SampleCount: e.window.count(),
		LastUpdated: e.lastUpdated,
	}
}

// persist writes one snapshot and its triggering observation off the hot path.
func (m *Manager) persist(stats domain.BaselineStats, obs persistence.Observation) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := m.repo.UpsertStats(ctx, stats); err != nil {
		log.Error().Err(err).Stringer("instrument", stats.Instrument).Msg("baseline snapshot persist failed")
	}
	if err := m.repo.AppendObservation(ctx, obs); err != nil {
		log.Error().Err(err).Stringer("instrument", obs.Instrument).Msg("observation append failed")
	}
	if m.cache != nil {
		if err := m.cache.Set(ctx, stats); err != nil {
			log.Warn().Err(err).Msg("baseline cache set failed")
		}
	}
}

// Snapshot returns the current statistics for one instrument, or nil when the
// instrument has no baseline yet.
func (m *Manager) Snapshot(key domain.InstrumentKey) *domain.BaselineStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	s := m.snapshotLocked(key, e)
	return &s
}

// CleanupInactive evicts in-memory baselines idle past the inactivity window
// and purges matching cache entries. Persisted history is untouched; it has
// its own retention policy.
func (m *Manager) CleanupInactive(now time.Time) int {
	cutoff := now.Add(-time.Duration(m.cfg.InactiveEvictHrs) * time.Hour)

	m.mu.Lock()
	removed := 0
	for key, e := range m.entries {
		if e.lastUpdated.Before(cutoff) {
			delete(m.entries, key)
			removed++
		}
	}
	m.mu.Unlock()

	if m.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := m.cache.PurgeOlderThan(ctx, cutoff); err != nil {
			log.Warn().Err(err).Msg("baseline cache purge failed")
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("evicted inactive baselines")
	}
	return removed
}

// PruneHistory deletes persisted observations past the retention window.
func (m *Manager) PruneHistory(ctx context.Context, now time.Time) error {
	if m.repo == nil {
		return nil
	}
	cutoff := now.AddDate(0, 0, -m.cfg.HistoryRetainDays)
	n, err := m.repo.PruneObservations(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().Int64("rows", n).Time("cutoff", cutoff).Msg("pruned baseline observation history")
	}
	return nil
}

// TrackedInstruments reports the in-memory baseline count.
func (m *Manager) TrackedInstruments() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Updates reports the total observation count folded in.
func (m *Manager) Updates() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

// Package pipeline wires the filter, validator, classifier, aggregator, and
// baseline manager into one mode-aware orchestrator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/optionsflow/optionsflow/internal/baseline"
	"github.com/optionsflow/optionsflow/internal/cache"
	"github.com/optionsflow/optionsflow/internal/calendar"
	"github.com/optionsflow/optionsflow/internal/classify"
	"github.com/optionsflow/optionsflow/internal/config"
	"github.com/optionsflow/optionsflow/internal/domain"
	"github.com/optionsflow/optionsflow/internal/filter"
	"github.com/optionsflow/optionsflow/internal/persistence"
	"github.com/optionsflow/optionsflow/internal/pressure"
	"github.com/optionsflow/optionsflow/internal/provider"
	"github.com/optionsflow/optionsflow/internal/quality"
)

// ErrFatalStop distinguishes the error-budget / cost-budget shutdown from a
// normal drain. Operators must restart deliberately after one of these.
var ErrFatalStop = errors.New("pipeline stopped: fatal condition")

// SignalListener consumes routed signals. Failures are isolated per listener.
type SignalListener interface {
	OnSignal(sig domain.Signal)
}

// MetricsListener mirrors pressure.MetricsListener for external subscribers
// of the finalized-window stream.
type MetricsListener = pressure.MetricsListener

// Status is the operator-facing snapshot of the whole pipeline.
type Status struct {
	Mode            domain.Mode          `json:"mode"`
	Running         bool                 `json:"running"`
	Fatal           bool                 `json:"fatal"`
	FatalReason     string               `json:"fatal_reason,omitempty"`
	StartedAt       time.Time            `json:"started_at,omitempty"`
	ErrorCount      int                  `json:"error_count"`
	BudgetRemaining int64                `json:"budget_remaining"`
	Filter          filter.Stats         `json:"filter"`
	FilterRatio     float64              `json:"filter_ratio"`
	Batch           filter.BatchStats    `json:"batch"`
	Validator       quality.Stats        `json:"validator"`
	BreakerState    quality.BreakerState `json:"breaker_state"`
	ActiveWindows   int                  `json:"active_windows"`
	WindowsEmitted  uint64               `json:"windows_emitted"`
	BaselineCount   int                  `json:"baseline_count"`
	BaselineUpdates uint64               `json:"baseline_updates"`
	SignalsEmitted  uint64               `json:"signals_emitted"`
	ShadowSignals   int                  `json:"shadow_signals"`
}

// Orchestrator owns the component graph and the mode state machine.
type Orchestrator struct {
	mode   domain.Mode
	policy domain.ModePolicy
	cfg    *config.Config
	clock  calendar.Clock

	filter     *filter.EventFilter
	coord      *filter.Coordinator
	classifier *classify.Classifier
	aggregator *pressure.Aggregator
	validator  *quality.Validator
	baselines  *baseline.Manager
	feed       provider.Feed
	creds      provider.Credentials
	budget     *Budget

	minSeverity domain.Severity
	minRatio    float64

	mu           sync.Mutex
	running      bool
	fatal        bool
	fatalReason  string
	startedAt    time.Time
	errorCount   int
	signalsCount uint64
	shadow       []domain.Signal

	signalListeners []SignalListener
}

// New constructs the full component graph for the configured mode. All
// sub-components must be constructible or New fails, which doubles as the
// first pre-flight check.
func New(cfg *config.Config, feed provider.Feed, creds provider.Credentials,
	repo persistence.BaselineRepo, snapCache cache.SnapshotCache, clock calendar.Clock) (*Orchestrator, error) {

	mode, err := domain.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = calendar.RealClock{}
	}
	policy := mode.Policy()

	// The bypass flag only relaxes the gate outside production.
	enforceHours := policy.EnforceMarketHours
	if cfg.Pipeline.MarketHoursBypass && mode != domain.ModeProduction {
		enforceHours = false
	}

	validator, err := quality.NewValidator(cfg.Validator, clock)
	if err != nil {
		return nil, fmt.Errorf("construct validator: %w", err)
	}
	minSeverity, err := domain.ParseSeverity(cfg.Pipeline.SignalMinSeverity)
	if err != nil {
		return nil, err
	}
	if feed == nil {
		return nil, fmt.Errorf("no input feed configured")
	}

	o := &Orchestrator{
		mode:        mode,
		policy:      policy,
		cfg:         cfg,
		clock:       clock,
		filter:      filter.New(cfg.Filter, enforceHours),
		coord:       filter.NewCoordinator(cfg.Batch),
		classifier:  classify.New(cfg.Pressure.PriceHistorySize),
		aggregator:  pressure.New(cfg.Pressure.Timeframes(), time.Duration(cfg.Pressure.SweepAfterMins)*time.Minute),
		validator:   validator,
		baselines:   baseline.NewManager(cfg.Baseline, repo, snapCache),
		feed:        feed,
		creds:       creds,
		budget:      NewBudget(cfg.Pipeline.DailyEventBudget, clock),
		minSeverity: minSeverity,
		minRatio:    cfg.Pipeline.SignalMinRatio,
	}

	o.coord.AddListener(batchProcessor{o})
	o.aggregator.AddListener(baselineRouter{o})
	return o, nil
}

// AddSignalListener registers an external signal consumer.
func (o *Orchestrator) AddSignalListener(l SignalListener) {
	o.mu.Lock()
	o.signalListeners = append(o.signalListeners, l)
	o.mu.Unlock()
}

// AddMetricsListener exposes the finalized-window stream to external
// subscribers (export, inspection).
func (o *Orchestrator) AddMetricsListener(l MetricsListener) {
	o.aggregator.AddListener(l)
}

// preflight runs the mode-dependent start checks. Failing any prevents start
// entirely; there is no partial start.
func (o *Orchestrator) preflight(ctx context.Context) error {
	if o.policy.EnforceMarketHours && !calendar.IsMarketOpen(o.clock.Now()) {
		return fmt.Errorf("preflight: market closed")
	}
	if o.policy.RequireAuth && !o.creds.Valid() {
		return fmt.Errorf("preflight: provider authentication missing")
	}
	if o.policy.EnforceCostBudget && o.budget.Exhausted() {
		return fmt.Errorf("preflight: daily cost budget exhausted")
	}
	if err := o.feed.Connect(ctx); err != nil {
		return fmt.Errorf("preflight: feed connect: %w", err)
	}
	return nil
}

// Run drives the pipeline until the context is cancelled, the input drains,
// or a fatal condition trips. Returns ErrFatalStop (wrapped) on fatal stops.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.preflight(ctx); err != nil {
		return err
	}
	// Warm-start failure is survivable: baselines rebuild from live flow.
	if _, err := o.baselines.WarmStart(ctx); err != nil {
		log.Warn().Err(err).Msg("baseline warm start failed")
	}

	o.coord.Start()
	defer o.coord.Stop(5 * time.Second)
	defer o.feed.Close()

	o.mu.Lock()
	o.running = true
	o.startedAt = o.clock.Now()
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	log.Info().Str("mode", string(o.mode)).Msg("pipeline started")

	maintCtx, cancelMaint := context.WithCancel(ctx)
	defer cancelMaint()
	go o.maintenanceLoop(maintCtx)

	reconnectDelay := time.Duration(o.cfg.Pipeline.ReconnectDelayS) * time.Second

	for {
		stop, err := o.checkContinue(ctx)
		if stop || err != nil {
			return err
		}

		ev, err := o.feed.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				log.Info().Msg("pipeline stopping: context cancelled")
				return nil
			case errors.Is(err, io.EOF):
				log.Info().Msg("pipeline stopping: input drained")
				return nil
			default:
				o.recordError(err)
				o.sleepReconnect(ctx, reconnectDelay)
				if cerr := o.feed.Connect(ctx); cerr != nil {
					log.Warn().Err(cerr).Msg("feed reconnect failed")
				}
				continue
			}
		}

		o.budget.Record(1)
		if accepted, _ := o.filter.Submit(ev); accepted {
			o.coord.Submit(ev)
		}
	}
}

// checkContinue is the run loop's should-continue predicate. Market close and
// cancellation are graceful stops; exhausted error or cost budgets are fatal.
func (o *Orchestrator) checkContinue(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}

	o.mu.Lock()
	fatal, reason := o.fatal, o.fatalReason
	o.mu.Unlock()
	if fatal {
		log.Error().Str("reason", reason).Msg("pipeline fatal stop")
		return true, fmt.Errorf("%w: %s", ErrFatalStop, reason)
	}

	if o.policy.EnforceCostBudget && o.budget.Exhausted() {
		o.setFatal("daily cost budget exhausted")
		return true, fmt.Errorf("%w: daily cost budget exhausted", ErrFatalStop)
	}
	if o.policy.EnforceMarketHours && !calendar.IsMarketOpen(o.clock.Now()) {
		log.Info().Msg("pipeline stopping: market closed")
		return true, nil
	}
	return false, nil
}

func (o *Orchestrator) sleepReconnect(ctx context.Context, delay time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// recordError counts one transient processing error; exhausting the error
// budget flips the pipeline to fatal.
func (o *Orchestrator) recordError(err error) {
	o.mu.Lock()
	o.errorCount++
	count := o.errorCount
	o.mu.Unlock()

	log.Error().Err(err).Int("error_count", count).Msg("pipeline processing error")
	if count >= o.cfg.Pipeline.MaxErrors {
		o.setFatal(fmt.Sprintf("error budget exhausted (%d errors)", count))
	}
}

func (o *Orchestrator) setFatal(reason string) {
	o.mu.Lock()
	if !o.fatal {
		o.fatal = true
		o.fatalReason = reason
	}
	o.mu.Unlock()
}

// maintenanceLoop runs the periodic sweeps that are independent of the event
// path: stale window cleanup, inactive baseline eviction, history pruning,
// and the status log.
func (o *Orchestrator) maintenanceLoop(ctx context.Context) {
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()
	statusEvery := time.Duration(o.cfg.Pipeline.StatusIntervalSecs) * time.Second
	if statusEvery <= 0 {
		statusEvery = 30 * time.Second
	}
	status := time.NewTicker(statusEvery)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			o.aggregator.SweepStale()
			o.baselines.CleanupInactive(o.clock.Now())
		case <-prune.C:
			if err := o.baselines.PruneHistory(ctx, o.clock.Now()); err != nil {
				log.Warn().Err(err).Msg("history prune failed")
			}
		case <-status.C:
			s := o.Status()
			log.Info().
				Uint64("received", s.Filter.Received).
				Float64("filter_ratio", s.FilterRatio).
				Str("breaker", string(s.BreakerState)).
				Int("windows", s.ActiveWindows).
				Uint64("signals", s.SignalsEmitted).
				Msg("pipeline status")
		}
	}
}

// batchProcessor feeds validated trades through classification into the
// aggregator. Transient errors are caught at the event boundary: the event is
// dropped, counted, and the batch continues.
type batchProcessor struct{ o *Orchestrator }

func (p batchProcessor) OnBatch(batch []domain.MarketEvent) error {
	for _, ev := range batch {
		p.processEvent(ev)
	}
	return nil
}

func (p batchProcessor) processEvent(ev domain.MarketEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.o.recordError(fmt.Errorf("event processing panic: %v", r))
		}
	}()

	ok, _ := p.o.validator.Validate(ev)
	if !ok || !ev.HasTrade() {
		return
	}
	trade := p.o.classifier.Classify(ev)
	p.o.aggregator.Process(trade)
}

// baselineRouter folds finalized windows into the baseline manager and routes
// any resulting anomaly as a signal.
type baselineRouter struct{ o *Orchestrator }

func (r baselineRouter) OnPressureMetrics(m domain.PressureMetrics) {
	windowEnd := m.WindowStart.Add(m.Timeframe)
	ctx := r.o.baselines.Update(m.Instrument, m.PressureRatio, m.TotalVolume, m.DataQuality, windowEnd)

	if !ctx.AnomalyDetected || ctx.Severity < r.o.minSeverity {
		return
	}
	if m.PressureRatio < r.o.minRatio {
		return
	}
	r.o.routeSignal(domain.Signal{
		ID:            uuid.NewString(),
		Instrument:    m.Instrument,
		PressureRatio: m.PressureRatio,
		Severity:      ctx.Severity,
		Confidence:    ctx.Confidence,
		Direction:     m.DominantSide,
		GeneratedAt:   windowEnd,
	})
}

// routeSignal applies the mode's routing policy: staging diverts to the
// shadow collection, everything else goes to the registered listeners with
// per-listener isolation.
func (o *Orchestrator) routeSignal(sig domain.Signal) {
	o.mu.Lock()
	o.signalsCount++
	if o.policy.ShadowSignals {
		o.shadow = append(o.shadow, sig)
		o.mu.Unlock()
		log.Debug().Stringer("instrument", sig.Instrument).Str("severity", sig.Severity.String()).
			Msg("signal diverted to shadow collection")
		return
	}
	listeners := o.signalListeners
	o.mu.Unlock()

	log.Info().
		Stringer("instrument", sig.Instrument).
		Float64("pressure_ratio", sig.PressureRatio).
		Str("severity", sig.Severity.String()).
		Str("direction", string(sig.Direction)).
		Msg("signal generated")

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("signal listener panicked")
				}
			}()
			l.OnSignal(sig)
		}()
	}
}

// BaselineLookup serves one instrument's baseline statistics through the
// storage tiers (live, cache, repository). Nil when unknown everywhere.
func (o *Orchestrator) BaselineLookup(ctx context.Context, key domain.InstrumentKey) (*domain.BaselineStats, error) {
	return o.baselines.Lookup(ctx, key)
}

// ShadowSignals returns a copy of the staged signals collected in staging
// mode.
func (o *Orchestrator) ShadowSignals() []domain.Signal {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.Signal, len(o.shadow))
	copy(out, o.shadow)
	return out
}

// Status builds the operator snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	running, fatal, reason := o.running, o.fatal, o.fatalReason
	startedAt := o.startedAt
	errorCount := o.errorCount
	signals := o.signalsCount
	shadowLen := len(o.shadow)
	o.mu.Unlock()

	fstats := o.filter.Stats()
	vstats := o.validator.Stats()
	return Status{
		Mode:            o.mode,
		Running:         running,
		Fatal:           fatal,
		FatalReason:     reason,
		StartedAt:       startedAt,
		ErrorCount:      errorCount,
		BudgetRemaining: o.budget.Remaining(),
		Filter:          fstats,
		FilterRatio:     fstats.FilterRatio(),
		Batch:           o.coord.Stats(),
		Validator:       vstats,
		BreakerState:    vstats.Breaker.State,
		ActiveWindows:   o.aggregator.ActiveWindows(),
		WindowsEmitted:  o.aggregator.Finalized(),
		BaselineCount:   o.baselines.TrackedInstruments(),
		BaselineUpdates: o.baselines.Updates(),
		SignalsEmitted:  signals,
		ShadowSignals:   shadowLen,
	}
}

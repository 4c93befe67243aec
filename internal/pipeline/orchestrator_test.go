package pipeline

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optionsflow/optionsflow/internal/calendar"
	"github.com/optionsflow/optionsflow/internal/config"
	"github.com/optionsflow/optionsflow/internal/domain"
	"github.com/optionsflow/optionsflow/internal/persistence"
	"github.com/optionsflow/optionsflow/internal/provider"
)

// sessionNoon is a Wednesday 12:00 New York (17:00 UTC, January = EST).
var sessionNoon = time.Date(2026, 1, 14, 17, 0, 0, 0, time.UTC)

// scriptedFeed plays a fixed event sequence, then waits briefly so queued
// batches drain before reporting end of input.
type scriptedFeed struct {
	mu       sync.Mutex
	events   []domain.MarketEvent
	idx      int
	eofDelay time.Duration
	closed   bool
}

func (f *scriptedFeed) Connect(context.Context) error { return nil }

func (f *scriptedFeed) Next(ctx context.Context) (domain.MarketEvent, error) {
	if err := ctx.Err(); err != nil {
		return domain.MarketEvent{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.events) {
		if f.eofDelay > 0 {
			time.Sleep(f.eofDelay)
		}
		return domain.MarketEvent{}, io.EOF
	}
	ev := f.events[f.idx]
	f.idx++
	return ev, nil
}

func (f *scriptedFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// buyFlowScript produces `windows` one-minute windows of aggressive call
// buying, with a trailing event that finalizes the last window.
func buyFlowScript(start time.Time, windows int) []domain.MarketEvent {
	var events []domain.MarketEvent
	for w := 0; w < windows; w++ {
		base := start.Add(time.Duration(w) * time.Minute)
		for i := 0; i < 5; i++ {
			events = append(events, domain.MarketEvent{
				EventID:    "e",
				Timestamp:  base.Add(time.Duration(i) * time.Second),
				Instrument: domain.InstrumentKey{Strike: 450, OptionType: domain.Call},
				BidPrice:   2.00,
				AskPrice:   2.10,
				BidSize:    50,
				AskSize:    40,
				TradePrice: 2.10, // at the ask: buyer-initiated
				TradeSize:  20,
			})
		}
	}
	// Quote-only closer past the final window boundary.
	events = append(events, domain.MarketEvent{
		Timestamp:  start.Add(time.Duration(windows)*time.Minute + 30*time.Second),
		Instrument: domain.InstrumentKey{Strike: 450, OptionType: domain.Call},
		BidPrice:   2.00,
		AskPrice:   2.10,
	})
	return events
}

func pipelineConfig(mode string) *config.Config {
	cfg := config.Default()
	cfg.Mode = mode
	// Single worker and single-event batches keep processing order
	// deterministic under test.
	cfg.Batch.MinBatchSize = 1
	cfg.Batch.MaxBatchSize = 1
	cfg.Batch.Workers = 1
	cfg.Pressure.TimeframeMinutes = []int{1}
	return cfg
}

type signalCapture struct {
	mu      sync.Mutex
	signals []domain.Signal
}

func (c *signalCapture) OnSignal(sig domain.Signal) {
	c.mu.Lock()
	c.signals = append(c.signals, sig)
	c.mu.Unlock()
}

func (c *signalCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.signals)
}

func TestOrchestratorEndToEndBuyFlow(t *testing.T) {
	cfg := pipelineConfig("development")
	feed := &scriptedFeed{events: buyFlowScript(sessionNoon, 3), eofDelay: 300 * time.Millisecond}
	clock := calendar.FixedClock{T: sessionNoon}

	orch, err := New(cfg, feed, provider.Credentials{}, nil, nil, clock)
	require.NoError(t, err)

	capture := &signalCapture{}
	orch.AddSignalListener(capture)

	require.NoError(t, orch.Run(context.Background()))

	status := orch.Status()
	assert.False(t, status.Running)
	assert.False(t, status.Fatal)
	assert.Equal(t, uint64(16), status.Filter.Received)
	assert.Positive(t, status.Validator.Passed)
	assert.GreaterOrEqual(t, status.WindowsEmitted, uint64(2))
	assert.Equal(t, 1, status.BaselineCount)

	// The first window seeds the baseline; later identical one-sided windows
	// sit at its top percentile bucket and route as signals.
	require.Positive(t, capture.count())
	capture.mu.Lock()
	sig := capture.signals[0]
	capture.mu.Unlock()
	assert.Equal(t, domain.SideBuy, sig.Direction)
	assert.GreaterOrEqual(t, sig.Severity, domain.SeverityModerate)
	assert.NotEmpty(t, sig.ID)

	feed.mu.Lock()
	assert.True(t, feed.closed, "feed closed on shutdown")
	feed.mu.Unlock()
}

// warmRepo serves a canned snapshot list and records reads.
type warmRepo struct {
	mu        sync.Mutex
	stats     []domain.BaselineStats
	listCalls int
}

func (r *warmRepo) UpsertStats(context.Context, domain.BaselineStats) error { return nil }

func (r *warmRepo) GetStats(context.Context, domain.InstrumentKey) (*domain.BaselineStats, error) {
	return nil, nil
}

func (r *warmRepo) ListStats(context.Context) ([]domain.BaselineStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	return append([]domain.BaselineStats(nil), r.stats...), nil
}

func (r *warmRepo) AppendObservation(context.Context, persistence.Observation) error { return nil }

func (r *warmRepo) PruneObservations(context.Context, time.Time) (int64, error) { return 0, nil }

func TestOrchestratorWarmStartsBaselinesOnRun(t *testing.T) {
	cfg := pipelineConfig("development")
	repo := &warmRepo{stats: []domain.BaselineStats{{
		Instrument:  domain.InstrumentKey{Strike: 450, OptionType: domain.Call},
		Mean:        2.0,
		Std:         0.5,
		P25:         1.7,
		P50:         2.0,
		P75:         2.2,
		P90:         2.5,
		P95:         3.0,
		SampleCount: 400,
		LastUpdated: sessionNoon,
	}}}
	feed := &scriptedFeed{events: buyFlowScript(sessionNoon, 2), eofDelay: 300 * time.Millisecond}

	orch, err := New(cfg, feed, provider.Credentials{}, repo, nil, calendar.FixedClock{T: sessionNoon})
	require.NoError(t, err)

	capture := &signalCapture{}
	orch.AddSignalListener(capture)
	require.NoError(t, orch.Run(context.Background()))

	repo.mu.Lock()
	assert.Equal(t, 1, repo.listCalls, "run loads persisted baselines before processing")
	repo.mu.Unlock()

	// The very first finalized one-sided window is already anomalous against
	// the restored history; a cold start could not have judged it.
	require.Positive(t, capture.count())
	capture.mu.Lock()
	assert.Equal(t, domain.SideBuy, capture.signals[0].Direction)
	capture.mu.Unlock()
}

func TestOrchestratorStagingDivertsToShadow(t *testing.T) {
	cfg := pipelineConfig("staging")
	feed := &scriptedFeed{events: buyFlowScript(sessionNoon, 3), eofDelay: 300 * time.Millisecond}
	clock := calendar.FixedClock{T: sessionNoon}

	orch, err := New(cfg, feed, provider.Credentials{APIKey: "k", APISecret: "s"}, nil, nil, clock)
	require.NoError(t, err)

	capture := &signalCapture{}
	orch.AddSignalListener(capture)

	require.NoError(t, orch.Run(context.Background()))

	assert.Zero(t, capture.count(), "staging never reaches live listeners")
	assert.NotEmpty(t, orch.ShadowSignals())
}

func TestOrchestratorPreflightAuth(t *testing.T) {
	cfg := pipelineConfig("staging")
	feed := &scriptedFeed{}
	clock := calendar.FixedClock{T: sessionNoon}

	orch, err := New(cfg, feed, provider.Credentials{}, nil, nil, clock)
	require.NoError(t, err)

	err = orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication")
}

func TestOrchestratorPreflightMarketClosed(t *testing.T) {
	cfg := pipelineConfig("production")
	feed := &scriptedFeed{}
	weekend := calendar.FixedClock{T: time.Date(2026, 1, 11, 17, 0, 0, 0, time.UTC)}

	orch, err := New(cfg, feed, provider.Credentials{APIKey: "k", APISecret: "s"}, nil, nil, weekend)
	require.NoError(t, err)

	err = orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market closed")
}

func TestOrchestratorMarketHoursBypassIgnoredInProduction(t *testing.T) {
	cfg := pipelineConfig("production")
	cfg.Pipeline.MarketHoursBypass = true
	feed := &scriptedFeed{}
	weekend := calendar.FixedClock{T: time.Date(2026, 1, 11, 17, 0, 0, 0, time.UTC)}

	orch, err := New(cfg, feed, provider.Credentials{APIKey: "k", APISecret: "s"}, nil, nil, weekend)
	require.NoError(t, err)

	err = orch.Run(context.Background())
	assert.Error(t, err, "production ignores the bypass flag")
}

func TestOrchestratorCostBudgetFatal(t *testing.T) {
	cfg := pipelineConfig("production")
	cfg.Pipeline.DailyEventBudget = 3
	feed := &scriptedFeed{events: buyFlowScript(sessionNoon, 2)}
	clock := calendar.FixedClock{T: sessionNoon}

	orch, err := New(cfg, feed, provider.Credentials{APIKey: "k", APISecret: "s"}, nil, nil, clock)
	require.NoError(t, err)

	err = orch.Run(context.Background())
	require.ErrorIs(t, err, ErrFatalStop)

	status := orch.Status()
	assert.True(t, status.Fatal)
	assert.Contains(t, status.FatalReason, "budget")
}

func TestOrchestratorContextCancelIsGraceful(t *testing.T) {
	cfg := pipelineConfig("development")
	feed := &scriptedFeed{events: buyFlowScript(sessionNoon, 100)}

	orch, err := New(cfg, feed, provider.Credentials{}, nil, nil, calendar.FixedClock{T: sessionNoon})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a graceful stop")
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
	assert.False(t, orch.Status().Fatal)
}

func TestOrchestratorRejectsUnknownMode(t *testing.T) {
	cfg := pipelineConfig("development")
	cfg.Mode = "qa"
	_, err := New(cfg, &scriptedFeed{}, provider.Credentials{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestOrchestratorRequiresFeed(t *testing.T) {
	_, err := New(pipelineConfig("development"), nil, provider.Credentials{}, nil, nil, nil)
	assert.Error(t, err)
}

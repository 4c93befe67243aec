// Package pressure aggregates classified trades into rolling per-instrument
// pressure windows across multiple timeframes.
package pressure

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optionsflow/optionsflow/internal/domain"
)

// MetricsListener consumes finalized pressure windows. Listener failures are
// isolated and never reach the aggregator.
type MetricsListener interface {
	OnPressureMetrics(m domain.PressureMetrics)
}

// window is the mutable accumulator for one (instrument, timeframe, start).
// Destroyed the instant it is finalized; never revisited.
type window struct {
	key        domain.WindowKey
	bidVolume  float64
	askVolume  float64
	tradeCount int
	vwapNum    float64
	vwapDen    float64
	firstPrice float64
	lastPrice  float64
	confSum    float64
	confident  int // trades with classifier confidence > 0.5
}

// Aggregator maintains the window table. Finalization is driven by event
// timestamps, not the wall clock, so historical replays are deterministic.
type Aggregator struct {
	timeframes []time.Duration
	sweepAfter time.Duration

	mu        sync.Mutex
	windows   map[domain.WindowKey]*window
	latest    time.Time // latest processed event timestamp
	finalized uint64

	listenersMu sync.RWMutex
	listeners   []MetricsListener
}

// New creates an aggregator for the given timeframes. sweepAfter bounds how
// long a quiet instrument's windows survive past the latest event timestamp.
func New(timeframes []time.Duration, sweepAfter time.Duration) *Aggregator {
	if sweepAfter <= 0 {
		sweepAfter = time.Hour
	}
	return &Aggregator{
		timeframes: timeframes,
		sweepAfter: sweepAfter,
		windows:    make(map[domain.WindowKey]*window),
	}
}

// AddListener registers a consumer of finalized windows.
func (a *Aggregator) AddListener(l MetricsListener) {
	a.listenersMu.Lock()
	a.listeners = append(a.listeners, l)
	a.listenersMu.Unlock()
}

// Process folds one classified trade into every timeframe's window and
// finalizes any window whose end the event timestamp has passed, including
// windows for unrelated instruments.
func (a *Aggregator) Process(t domain.ClassifiedTrade) {
	ts := t.Event.Timestamp

	a.mu.Lock()
	if ts.After(a.latest) {
		a.latest = ts
	}
	done := a.expireLocked(ts)

	for _, tf := range a.timeframes {
		key := domain.WindowKey{
			Instrument:  t.Event.Instrument,
			Timeframe:   tf,
			WindowStart: ts.Truncate(tf),
		}
		w, ok := a.windows[key]
		if !ok {
			w = &window{key: key, firstPrice: t.Event.TradePrice}
			a.windows[key] = w
		}
		w.accumulate(t)
	}
	a.mu.Unlock()

	a.emit(done)
}

func (w *window) accumulate(t domain.ClassifiedTrade) {
	price, size := t.Event.TradePrice, t.Event.TradeSize

	switch t.Side {
	case domain.SideBuy:
		w.askVolume += size // aggressor bought at the ask
	case domain.SideSell:
		w.bidVolume += size
	}
	w.tradeCount++
	w.vwapNum += price * size
	w.vwapDen += size
	if w.firstPrice == 0 {
		w.firstPrice = price
	}
	w.lastPrice = price
	w.confSum += t.SideConfidence
	if t.SideConfidence > 0.5 {
		w.confident++
	}
}

// expireLocked removes and returns every window whose end is at or before ts.
func (a *Aggregator) expireLocked(ts time.Time) []domain.PressureMetrics {
	var done []domain.PressureMetrics
	for key, w := range a.windows {
		end := key.WindowStart.Add(key.Timeframe)
		if !end.After(ts) {
			done = append(done, w.finalize())
			delete(a.windows, key)
			a.finalized++
		}
	}
	return done
}

// finalize converts the accumulator into immutable metrics.
func (w *window) finalize() domain.PressureMetrics {
	m := domain.PressureMetrics{
		Instrument:  w.key.Instrument,
		WindowStart: w.key.WindowStart,
		Timeframe:   w.key.Timeframe,
		BidVolume:   w.bidVolume,
		AskVolume:   w.askVolume,
		TotalVolume: w.bidVolume + w.askVolume,
		TradeCount:  w.tradeCount,
	}

	switch {
	case w.bidVolume > 0:
		m.PressureRatio = w.askVolume / w.bidVolume
	case w.askVolume > 0:
		m.PressureRatio = math.Inf(1)
	default:
		m.PressureRatio = 1.0
	}

	if total := w.askVolume + w.bidVolume; total > 0 {
		buyShare := w.askVolume / total
		switch {
		case buyShare > 0.6:
			m.DominantSide = domain.SideBuy
		case buyShare < 0.4:
			m.DominantSide = domain.SideSell
		default:
			m.DominantSide = domain.SideNeutral
		}
	} else {
		m.DominantSide = domain.SideNeutral
	}

	if w.vwapDen > 0 {
		m.VWAP = w.vwapNum / w.vwapDen
	}
	if w.firstPrice > 0 {
		m.PriceMomentum = (w.lastPrice - w.firstPrice) / w.firstPrice
	}
	m.TradeIntensity = float64(w.tradeCount) / w.key.Timeframe.Minutes()

	if w.tradeCount > 0 {
		avgConf := w.confSum / float64(w.tradeCount)
		m.Confidence = 0.4*avgConf +
			0.3*math.Min(m.TotalVolume/200, 1) +
			0.3*math.Min(float64(w.tradeCount)/10, 1)
		m.DataQuality = float64(w.confident) / float64(w.tradeCount)
	}
	return m
}

func (a *Aggregator) emit(metrics []domain.PressureMetrics) {
	if len(metrics) == 0 {
		return
	}
	a.listenersMu.RLock()
	listeners := a.listeners
	a.listenersMu.RUnlock()

	for _, m := range metrics {
		for _, l := range listeners {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Msg("pressure listener panicked")
					}
				}()
				l.OnPressureMetrics(m)
			}()
		}
	}
}

// SweepStale removes windows whose end is more than the sweep horizon older
// than the latest processed timestamp. Recovers memory for instruments that
// went quiet; finalization on the live path is unaffected.
func (a *Aggregator) SweepStale() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.latest.IsZero() {
		return 0
	}
	cutoff := a.latest.Add(-a.sweepAfter)
	removed := 0
	for key := range a.windows {
		if key.WindowStart.Add(key.Timeframe).Before(cutoff) {
			delete(a.windows, key)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("swept stale pressure windows")
	}
	return removed
}

// ActiveWindows reports the live window count.
func (a *Aggregator) ActiveWindows() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.windows)
}

// Finalized reports the total finalized window count.
func (a *Aggregator) Finalized() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalized
}

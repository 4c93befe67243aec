package provider

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/optionsflow/optionsflow/internal/domain"
)

// SimulatedFeed generates a random-walk option tape for development mode.
// Quotes drift per instrument; roughly a third of events carry a trade,
// biased toward the ask so the pipeline has pressure to find.
type SimulatedFeed struct {
	rng      *rand.Rand
	interval time.Duration
	mids     []float64
	keys     []domain.InstrumentKey
	seq      int64
}

// NewSimulatedFeed creates a feed over `symbols` synthetic strikes emitting
// at `rateHz` events per second.
func NewSimulatedFeed(symbols, rateHz int, seed int64) *SimulatedFeed {
	if symbols <= 0 {
		symbols = 8
	}
	if rateHz <= 0 {
		rateHz = 50
	}
	rng := rand.New(rand.NewSource(seed))

	keys := make([]domain.InstrumentKey, 0, symbols)
	mids := make([]float64, 0, symbols)
	for i := 0; i < symbols; i++ {
		ot := domain.Call
		if i%2 == 1 {
			ot = domain.Put
		}
		keys = append(keys, domain.InstrumentKey{Strike: 100 + float64(5*i), OptionType: ot})
		mids = append(mids, 2+rng.Float64()*8)
	}
	return &SimulatedFeed{
		rng:      rng,
		interval: time.Second / time.Duration(rateHz),
		mids:     mids,
		keys:     keys,
	}
}

// Connect is a no-op for the simulated feed.
func (f *SimulatedFeed) Connect(context.Context) error { return nil }

// Next emits the next synthetic event, pacing to the configured rate.
func (f *SimulatedFeed) Next(ctx context.Context) (domain.MarketEvent, error) {
	select {
	case <-ctx.Done():
		return domain.MarketEvent{}, ctx.Err()
	case <-time.After(f.interval):
	}

	i := f.rng.Intn(len(f.keys))
	f.mids[i] *= 1 + (f.rng.Float64()-0.5)*0.01
	if f.mids[i] < 0.1 {
		f.mids[i] = 0.1
	}
	mid := f.mids[i]
	spread := mid * (0.01 + f.rng.Float64()*0.03)

	f.seq++
	ev := domain.MarketEvent{
		EventID:    fmt.Sprintf("%d", f.seq),
		Timestamp:  time.Now(),
		Instrument: f.keys[i],
		BidPrice:   mid - spread/2,
		AskPrice:   mid + spread/2,
		BidSize:    float64(10 + f.rng.Intn(200)),
		AskSize:    float64(10 + f.rng.Intn(200)),
	}

	if f.rng.Float64() < 0.35 {
		// Bias prints toward the ask: simulated institutional buying.
		if f.rng.Float64() < 0.65 {
			ev.TradePrice = ev.AskPrice
		} else {
			ev.TradePrice = ev.BidPrice
		}
		ev.TradeSize = float64(1 + f.rng.Intn(150))
	}
	return ev, nil
}

// Close is a no-op for the simulated feed.
func (f *SimulatedFeed) Close() error { return nil }

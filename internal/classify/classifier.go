// Package classify infers the initiator side of option trades from their
// position inside the prevailing quote.
package classify

import (
	"sync"

	"github.com/optionsflow/optionsflow/internal/domain"
)

const (
	buyThreshold  = 0.8
	sellThreshold = 0.2
)

// Classifier derives trade sides. Trades printing in the upper fifth of the
// spread are buyer-initiated, the lower fifth seller-initiated; mid-spread
// prints fall back to comparing against the recent price history for the
// instrument.
type Classifier struct {
	historySize int
	mu          sync.Mutex
	history     map[domain.InstrumentKey][]float64
}

// New creates a classifier with a bounded per-instrument price history.
func New(historySize int) *Classifier {
	if historySize <= 0 {
		historySize = 50
	}
	return &Classifier{
		historySize: historySize,
		history:     make(map[domain.InstrumentKey][]float64),
	}
}

// Classify derives the side and confidence for one trade-carrying event.
// The price history is updated on every call regardless of which branch
// decides the side.
func (c *Classifier) Classify(ev domain.MarketEvent) domain.ClassifiedTrade {
	side, conf := c.classify(ev)
	c.recordPrice(ev.Instrument, ev.TradePrice)
	return domain.ClassifiedTrade{Event: ev, Side: side, SideConfidence: conf}
}

func (c *Classifier) classify(ev domain.MarketEvent) (domain.Side, float64) {
	bid, ask, trade := ev.BidPrice, ev.AskPrice, ev.TradePrice
	if bid <= 0 || ask <= 0 || trade <= 0 || ask <= bid {
		return domain.SideUnknown, 0
	}

	rel := (trade - bid) / (ask - bid)
	switch {
	case rel >= buyThreshold:
		// Confidence scales 0.6 -> 0.9 as the print approaches the ask.
		return domain.SideBuy, 0.6 + 0.3*clamp01((rel-buyThreshold)/(1-buyThreshold))
	case rel <= sellThreshold:
		return domain.SideSell, 0.6 + 0.3*clamp01((sellThreshold-rel)/sellThreshold)
	}

	// Mid-spread print: tie-break against the recent price mean.
	if mean, ok := c.historyMean(ev.Instrument); ok {
		if trade > mean {
			return domain.SideBuy, 0.6
		}
		if trade < mean {
			return domain.SideSell, 0.6
		}
	}
	return domain.SideUnknown, 0.3
}

func (c *Classifier) historyMean(key domain.InstrumentKey) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prices := c.history[key]
	if len(prices) == 0 {
		return 0, false
	}
	var sum float64
	for _, p := range prices {
		sum += p
	}
	return sum / float64(len(prices)), true
}

func (c *Classifier) recordPrice(key domain.InstrumentKey, price float64) {
	if price <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	prices := append(c.history[key], price)
	if len(prices) > c.historySize {
		prices = prices[len(prices)-c.historySize:]
	}
	c.history[key] = prices
}

// HistoryLen reports the stored price count for an instrument.
func (c *Classifier) HistoryLen(key domain.InstrumentKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history[key])
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

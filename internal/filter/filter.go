package filter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/optionsflow/optionsflow/internal/calendar"
	"github.com/optionsflow/optionsflow/internal/config"
	"github.com/optionsflow/optionsflow/internal/domain"
)

// RejectReason categorizes why an event was dropped at admission.
type RejectReason string

const (
	Accepted          RejectReason = ""
	RejectMarketHours RejectReason = "market_closed"
	RejectRateLimit   RejectReason = "rate_limited"
	RejectTradeSize   RejectReason = "trade_too_small"
	RejectBadPrices   RejectReason = "invalid_prices"
	RejectWideSpread  RejectReason = "wide_spread"
	RejectBlackout    RejectReason = "session_blackout"
)

// Stats is a snapshot of admission counters.
type Stats struct {
	Received uint64                  `json:"received"`
	Accepted uint64                  `json:"accepted"`
	Rejected map[RejectReason]uint64 `json:"rejected"`
}

// FilterRatio returns accepted/received, 1.0 before any traffic.
func (s Stats) FilterRatio() float64 {
	if s.Received == 0 {
		return 1.0
	}
	return float64(s.Accepted) / float64(s.Received)
}

// EventFilter applies the ordered admission rules. Rejections are silent
// drops with counters; first failing rule wins.
type EventFilter struct {
	cfg             config.FilterConfig
	enforceHours    bool
	blackout        time.Duration
	limiter         *rate.Limiter
	mu              sync.Mutex
	received        uint64
	accepted        uint64
	rejected        map[RejectReason]uint64
}

// New creates an event filter. enforceHours is false outside production so
// historical replays and simulated feeds pass the market-hours gate.
func New(cfg config.FilterConfig, enforceHours bool) *EventFilter {
	burst := int(cfg.MaxEventsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &EventFilter{
		cfg:          cfg,
		enforceHours: enforceHours,
		blackout:     time.Duration(cfg.SessionBlackoutMins) * time.Minute,
		limiter:      rate.NewLimiter(rate.Limit(cfg.MaxEventsPerSecond), burst),
		rejected:     make(map[RejectReason]uint64),
	}
}

// Submit decides admission for one event. Never blocks and never errors;
// the returned reason is empty iff the event was accepted.
func (f *EventFilter) Submit(ev domain.MarketEvent) (bool, RejectReason) {
	reason := f.check(ev)

	f.mu.Lock()
	f.received++
	if reason == Accepted {
		f.accepted++
	} else {
		f.rejected[reason]++
	}
	f.mu.Unlock()

	return reason == Accepted, reason
}

func (f *EventFilter) check(ev domain.MarketEvent) RejectReason {
	if f.enforceHours && !calendar.IsMarketOpen(ev.Timestamp) {
		return RejectMarketHours
	}
	if !f.limiter.Allow() {
		return RejectRateLimit
	}
	if ev.HasTrade() && ev.TradeSize < f.cfg.MinTradeSize {
		return RejectTradeSize
	}
	if ev.BidPrice <= 0 || ev.AskPrice <= 0 {
		return RejectBadPrices
	}
	mid := ev.Mid()
	if mid > 0 && (ev.AskPrice-ev.BidPrice)/mid > f.cfg.MaxSpreadRatio {
		return RejectWideSpread
	}
	if f.enforceHours && calendar.InBlackout(ev.Timestamp, f.blackout) {
		return RejectBlackout
	}
	return Accepted
}

// Stats returns a copy of the admission counters.
func (f *EventFilter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	rejected := make(map[RejectReason]uint64, len(f.rejected))
	for k, v := range f.rejected {
		rejected[k] = v
	}
	return Stats{Received: f.received, Accepted: f.accepted, Rejected: rejected}
}

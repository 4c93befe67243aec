package domain

import (
	"fmt"
	"time"
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "CALL"
	Put  OptionType = "PUT"
)

// Side is the inferred initiator side of a trade.
type Side string

const (
	SideBuy     Side = "BUY"
	SideSell    Side = "SELL"
	SideUnknown Side = "UNKNOWN"
	SideNeutral Side = "NEUTRAL"
)

// InstrumentKey identifies one option contract. Used directly as a map key;
// never encode it into a delimited string.
type InstrumentKey struct {
	Strike     float64
	OptionType OptionType
}

func (k InstrumentKey) String() string {
	return fmt.Sprintf("%g%s", k.Strike, string(k.OptionType)[:1])
}

// WindowKey identifies one pressure accumulation window.
type WindowKey struct {
	Instrument  InstrumentKey
	Timeframe   time.Duration
	WindowStart time.Time
}

// MarketEvent is one raw tick from the data source. Immutable after creation;
// consumed exactly once by the event filter.
type MarketEvent struct {
	EventID    string // optional, for upstream dedup; the core does not dedup
	Timestamp  time.Time
	Instrument InstrumentKey
	BidPrice   float64
	AskPrice   float64
	BidSize    float64
	AskSize    float64
	TradePrice float64 // 0 when the event carries no trade
	TradeSize  float64
}

// HasTrade reports whether the event carries a trade print.
func (e MarketEvent) HasTrade() bool {
	return e.TradePrice > 0 && e.TradeSize > 0
}

// Mid returns the quote midpoint, or 0 for an unusable quote.
func (e MarketEvent) Mid() float64 {
	if e.BidPrice <= 0 || e.AskPrice <= 0 {
		return 0
	}
	return (e.BidPrice + e.AskPrice) / 2
}

// ClassifiedTrade is a MarketEvent's trade fields plus the derived side.
type ClassifiedTrade struct {
	Event          MarketEvent
	Side           Side
	SideConfidence float64
}

// PressureMetrics is a finalized pressure window. Produced exactly once per
// window; immutable.
type PressureMetrics struct {
	Instrument     InstrumentKey `json:"instrument"`
	WindowStart    time.Time     `json:"window_start"`
	Timeframe      time.Duration `json:"timeframe"`
	BidVolume      float64       `json:"bid_volume"`
	AskVolume      float64       `json:"ask_volume"`
	TotalVolume    float64       `json:"total_volume"`
	TradeCount     int           `json:"trade_count"`
	PressureRatio  float64       `json:"pressure_ratio"` // +Inf when one-sided buying
	DominantSide   Side          `json:"dominant_side"`
	VWAP           float64       `json:"vwap"`
	PriceMomentum  float64       `json:"price_momentum"`
	TradeIntensity float64       `json:"trade_intensity"` // trades per minute
	Confidence     float64       `json:"confidence"`
	DataQuality    float64       `json:"data_quality"`
}

// Severity grades an anomaly.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityMild
	SeverityModerate
	SeveritySevere
	SeverityExtreme
)

func (s Severity) String() string {
	switch s {
	case SeverityMild:
		return "mild"
	case SeverityModerate:
		return "moderate"
	case SeveritySevere:
		return "severe"
	case SeverityExtreme:
		return "extreme"
	default:
		return "none"
	}
}

// ParseSeverity reads a severity name from configuration.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "none", "":
		return SeverityNone, nil
	case "mild":
		return SeverityMild, nil
	case "moderate":
		return SeverityModerate, nil
	case "severe":
		return SeveritySevere, nil
	case "extreme":
		return SeverityExtreme, nil
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

// MaxSeverity returns the worse of two severities.
func MaxSeverity(a, b Severity) Severity {
	if a > b {
		return a
	}
	return b
}

// TrendDirection labels the short-horizon slope of a baseline series.
type TrendDirection string

const (
	TrendUp     TrendDirection = "up"
	TrendDown   TrendDirection = "down"
	TrendStable TrendDirection = "stable"
)

// VolatilityRegime buckets the coefficient of variation of a baseline series.
type VolatilityRegime string

const (
	VolLow    VolatilityRegime = "low"
	VolNormal VolatilityRegime = "normal"
	VolHigh   VolatilityRegime = "high"
)

// BaselineStats is the persisted statistical summary for one instrument.
type BaselineStats struct {
	Instrument  InstrumentKey `json:"instrument"`
	Mean        float64       `json:"mean"`
	Std         float64       `json:"std"`
	Min         float64       `json:"min"`
	Max         float64       `json:"max"`
	P25         float64       `json:"p25"`
	P50         float64       `json:"p50"`
	P75         float64       `json:"p75"`
	P90         float64       `json:"p90"`
	P95         float64       `json:"p95"`
	SampleCount int           `json:"sample_count"`
	LastUpdated time.Time     `json:"last_updated"`
}

// BaselineContext is the read-model computed from a baseline snapshot plus one
// new observation. Transient; recomputed on each update.
type BaselineContext struct {
	Instrument      InstrumentKey    `json:"instrument"`
	Value           float64          `json:"value"`
	ZScore          float64          `json:"z_score"`
	PercentileRank  float64          `json:"percentile_rank"`
	AnomalyDetected bool             `json:"anomaly_detected"`
	Severity        Severity         `json:"severity"`
	Trend           TrendDirection   `json:"trend"`
	Volatility      VolatilityRegime `json:"volatility"`
	Confidence      float64          `json:"confidence"`
	SampleCount     int              `json:"sample_count"`
	Timestamp       time.Time        `json:"timestamp"`
}

// Signal is an anomalous flow observation worth routing to subscribers.
type Signal struct {
	ID            string        `json:"id"`
	Instrument    InstrumentKey `json:"instrument"`
	PressureRatio float64       `json:"pressure_ratio"`
	Severity      Severity      `json:"severity"`
	Confidence    float64       `json:"confidence"`
	Direction     Side          `json:"direction"`
	GeneratedAt   time.Time     `json:"generated_at"`
}

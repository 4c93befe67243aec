package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentKeyString(t *testing.T) {
	assert.Equal(t, "450C", InstrumentKey{Strike: 450, OptionType: Call}.String())
	assert.Equal(t, "455.5P", InstrumentKey{Strike: 455.5, OptionType: Put}.String())
}

func TestInstrumentKeyAsMapKey(t *testing.T) {
	m := map[InstrumentKey]int{}
	m[InstrumentKey{Strike: 450, OptionType: Call}] = 1
	m[InstrumentKey{Strike: 450, OptionType: Put}] = 2
	m[InstrumentKey{Strike: 450, OptionType: Call}] = 3

	assert.Len(t, m, 2, "same strike different type are distinct keys")
	assert.Equal(t, 3, m[InstrumentKey{Strike: 450, OptionType: Call}])
}

func TestMarketEventHasTrade(t *testing.T) {
	ev := MarketEvent{TradePrice: 2.05, TradeSize: 10}
	assert.True(t, ev.HasTrade())

	assert.False(t, MarketEvent{TradePrice: 2.05}.HasTrade())
	assert.False(t, MarketEvent{TradeSize: 10}.HasTrade())
	assert.False(t, MarketEvent{}.HasTrade())
}

func TestMarketEventMid(t *testing.T) {
	ev := MarketEvent{BidPrice: 2.00, AskPrice: 2.10}
	assert.InDelta(t, 2.05, ev.Mid(), 1e-9)

	assert.Zero(t, MarketEvent{AskPrice: 2.10}.Mid())
	assert.Zero(t, MarketEvent{BidPrice: 2.00, AskPrice: -1}.Mid())
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityExtreme > SeveritySevere)
	assert.True(t, SeveritySevere > SeverityModerate)
	assert.True(t, SeverityModerate > SeverityMild)
	assert.True(t, SeverityMild > SeverityNone)
}

func TestSeverityRoundTrip(t *testing.T) {
	for _, s := range []Severity{SeverityNone, SeverityMild, SeverityModerate, SeveritySevere, SeverityExtreme} {
		parsed, err := ParseSeverity(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseSeverity("catastrophic")
	assert.Error(t, err)

	empty, err := ParseSeverity("")
	require.NoError(t, err)
	assert.Equal(t, SeverityNone, empty)
}

func TestMaxSeverity(t *testing.T) {
	assert.Equal(t, SeverityExtreme, MaxSeverity(SeverityMild, SeverityExtreme))
	assert.Equal(t, SeverityExtreme, MaxSeverity(SeverityExtreme, SeverityMild))
	assert.Equal(t, SeverityModerate, MaxSeverity(SeverityModerate, SeverityModerate))
}

func TestWindowKeyEquality(t *testing.T) {
	start := time.Date(2026, 1, 14, 15, 0, 0, 0, time.UTC)
	a := WindowKey{Instrument: InstrumentKey{Strike: 450, OptionType: Call}, Timeframe: time.Minute, WindowStart: start}
	b := WindowKey{Instrument: InstrumentKey{Strike: 450, OptionType: Call}, Timeframe: time.Minute, WindowStart: start}
	assert.Equal(t, a, b)
}

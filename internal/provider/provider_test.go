package provider

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optionsflow/optionsflow/internal/domain"
)

func TestCredentialsValid(t *testing.T) {
	assert.True(t, Credentials{APIKey: "k", APISecret: "s"}.Valid())
	assert.False(t, Credentials{APIKey: "k"}.Valid())
	assert.False(t, Credentials{APISecret: "s"}.Valid())
	assert.False(t, Credentials{}.Valid())
}

func TestReplayFeedDrainsCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	body := `{"event_id":"1","timestamp_ms":1760000000000,"strike":450,"option_type":"CALL","bid_price":2.0,"ask_price":2.1,"trade_price":2.1,"trade_size":10}

{"event_id":"2","timestamp_ms":1760000001000,"strike":455,"option_type":"PUT","bid_price":1.2,"ask_price":1.3}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	feed, err := NewReplayFeed(path)
	require.NoError(t, err)
	defer feed.Close()
	require.NoError(t, feed.Connect(context.Background()))

	ev, err := feed.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", ev.EventID)
	assert.Equal(t, domain.InstrumentKey{Strike: 450, OptionType: domain.Call}, ev.Instrument)
	assert.Equal(t, time.UnixMilli(1760000000000), ev.Timestamp)
	assert.True(t, ev.HasTrade())

	// Blank lines are skipped.
	ev, err = feed.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2", ev.EventID)
	assert.False(t, ev.HasTrade())

	_, err = feed.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestReplayFeedBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o644))

	feed, err := NewReplayFeed(path)
	require.NoError(t, err)
	defer feed.Close()

	_, err = feed.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestReplayFeedMissingFile(t *testing.T) {
	_, err := NewReplayFeed(filepath.Join(t.TempDir(), "nope.jsonl"))
	assert.Error(t, err)
}

func TestReplayFeedHonorsCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	feed, err := NewReplayFeed(path)
	require.NoError(t, err)
	defer feed.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = feed.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimulatedFeedProducesPlausibleEvents(t *testing.T) {
	feed := NewSimulatedFeed(4, 1000, 1)
	defer feed.Close()
	require.NoError(t, feed.Connect(context.Background()))

	trades := 0
	for i := 0; i < 200; i++ {
		ev, err := feed.Next(context.Background())
		require.NoError(t, err)

		assert.Positive(t, ev.BidPrice)
		assert.Greater(t, ev.AskPrice, ev.BidPrice)
		assert.NotEmpty(t, ev.EventID)
		assert.NotZero(t, ev.Instrument.Strike)
		if ev.HasTrade() {
			trades++
			inSpread := ev.TradePrice >= ev.BidPrice && ev.TradePrice <= ev.AskPrice
			assert.True(t, inSpread, "simulated prints stay inside the quote")
		}
	}
	assert.Greater(t, trades, 20, "roughly a third of events carry trades")
	assert.Less(t, trades, 120)
}

func TestSimulatedFeedDeterministicPerSeed(t *testing.T) {
	a := NewSimulatedFeed(4, 10000, 7)
	b := NewSimulatedFeed(4, 10000, 7)

	for i := 0; i < 20; i++ {
		evA, err := a.Next(context.Background())
		require.NoError(t, err)
		evB, err := b.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, evA.Instrument, evB.Instrument)
		assert.Equal(t, evA.BidPrice, evB.BidPrice)
		assert.Equal(t, evA.TradeSize, evB.TradeSize)
	}
}

func TestSimulatedFeedCancellation(t *testing.T) {
	feed := NewSimulatedFeed(4, 1, 1) // one event per second
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := feed.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebsocketFeedRequiresConnection(t *testing.T) {
	feed := NewWebsocketFeed("ws://localhost:1", Credentials{APIKey: "k", APISecret: "s"})
	_, err := feed.Next(context.Background())
	assert.Error(t, err)

	assert.NoError(t, feed.Close(), "closing a never-connected feed is safe")
}

func TestWebsocketFeedRejectsMissingCredentials(t *testing.T) {
	feed := NewWebsocketFeed("ws://localhost:1", Credentials{})
	err := feed.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")
}

func TestRawEventConversion(t *testing.T) {
	raw := rawEvent{
		EventID:    "e1",
		Timestamp:  1760000000000,
		Strike:     450,
		OptionType: "CALL",
		BidPrice:   2.0,
		AskPrice:   2.1,
		BidSize:    50,
		AskSize:    40,
		TradePrice: 2.05,
		TradeSize:  10,
	}
	ev := raw.toEvent()
	assert.Equal(t, "e1", ev.EventID)
	assert.Equal(t, domain.Call, ev.Instrument.OptionType)
	assert.Equal(t, 450.0, ev.Instrument.Strike)
	assert.Equal(t, time.UnixMilli(1760000000000), ev.Timestamp)
	assert.True(t, ev.HasTrade())
}

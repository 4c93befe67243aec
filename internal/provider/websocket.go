package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/optionsflow/optionsflow/internal/domain"
)

// rawEvent is the provider's wire format for one tick.
type rawEvent struct {
	EventID    string  `json:"event_id"`
	Timestamp  int64   `json:"timestamp_ms"`
	Strike     float64 `json:"strike"`
	OptionType string  `json:"option_type"`
	BidPrice   float64 `json:"bid_price"`
	AskPrice   float64 `json:"ask_price"`
	BidSize    float64 `json:"bid_size"`
	AskSize    float64 `json:"ask_size"`
	TradePrice float64 `json:"trade_price,omitempty"`
	TradeSize  float64 `json:"trade_size,omitempty"`
}

// WebsocketFeed reads events from the data provider's websocket stream.
// Connect and read calls run through a circuit breaker so a flapping provider
// is backed off instead of hammered.
type WebsocketFeed struct {
	url     string
	creds   Credentials
	breaker *gobreaker.CircuitBreaker

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebsocketFeed creates a disconnected feed for the given stream URL.
func NewWebsocketFeed(url string, creds Credentials) *WebsocketFeed {
	settings := gobreaker.Settings{
		Name:     "provider-stream",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("provider stream breaker state change")
		},
	}
	return &WebsocketFeed{
		url:     url,
		creds:   creds,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Connect dials the stream and authenticates.
func (f *WebsocketFeed) Connect(ctx context.Context) error {
	if !f.creds.Valid() {
		return fmt.Errorf("provider credentials missing")
	}

	_, err := f.breaker.Execute(func() (any, error) {
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, f.url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial provider stream: %w", err)
		}
		auth := map[string]string{"op": "auth", "key": f.creds.APIKey, "secret": f.creds.APISecret}
		if err := conn.WriteJSON(auth); err != nil {
			conn.Close()
			return nil, fmt.Errorf("authenticate stream: %w", err)
		}

		f.mu.Lock()
		if f.conn != nil {
			f.conn.Close()
		}
		f.conn = conn
		f.mu.Unlock()
		return nil, nil
	})
	return err
}

// Next reads one event from the stream.
func (f *WebsocketFeed) Next(ctx context.Context) (domain.MarketEvent, error) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return domain.MarketEvent{}, fmt.Errorf("feed not connected")
	}

	v, err := f.breaker.Execute(func() (any, error) {
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetReadDeadline(deadline)
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read provider stream: %w", err)
		}
		var raw rawEvent
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, fmt.Errorf("decode provider event: %w", err)
		}
		return raw.toEvent(), nil
	})
	if err != nil {
		return domain.MarketEvent{}, err
	}
	return v.(domain.MarketEvent), nil
}

func (r rawEvent) toEvent() domain.MarketEvent {
	return domain.MarketEvent{
		EventID:   r.EventID,
		Timestamp: time.UnixMilli(r.Timestamp),
		Instrument: domain.InstrumentKey{
			Strike:     r.Strike,
			OptionType: domain.OptionType(r.OptionType),
		},
		BidPrice:   r.BidPrice,
		AskPrice:   r.AskPrice,
		BidSize:    r.BidSize,
		AskSize:    r.AskSize,
		TradePrice: r.TradePrice,
		TradeSize:  r.TradeSize,
	}
}

// Close drops the connection.
func (f *WebsocketFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}

package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optionsflow/optionsflow/internal/domain"
)

func testSignal() domain.Signal {
	return domain.Signal{
		ID:            "sig-1",
		Instrument:    domain.InstrumentKey{Strike: 450, OptionType: domain.Call},
		PressureRatio: 5.2,
		Severity:      domain.SeveritySevere,
		Confidence:    0.87,
		Direction:     domain.SideBuy,
		GeneratedAt:   time.Date(2026, 1, 14, 15, 0, 0, 0, time.UTC),
	}
}

func dialHub(t *testing.T, h *Hub) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(h)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestHubDeliversSignals(t *testing.T) {
	h := NewHub()
	defer h.Close()

	conn, cleanup := dialHub(t, h)
	defer cleanup()

	require.Eventually(t, func() bool { return h.Clients() == 1 },
		time.Second, 10*time.Millisecond)

	h.OnSignal(testSignal())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got domain.Signal
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "sig-1", got.ID)
	assert.Equal(t, domain.SeveritySevere, got.Severity)
	assert.Equal(t, domain.SideBuy, got.Direction)
}

func TestHubNoSubscribersIsFine(t *testing.T) {
	h := NewHub()
	h.OnSignal(testSignal())
	assert.Zero(t, h.Clients())
	assert.Zero(t, h.Dropped())
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub()
	defer h.Close()

	conn, cleanup := dialHub(t, h)
	defer cleanup()
	_ = conn // never reads

	require.Eventually(t, func() bool { return h.Clients() == 1 },
		time.Second, 10*time.Millisecond)

	// Flood far past the per-client buffer; the overflow is dropped rather
	// than blocking the pipeline.
	for i := 0; i < 5000; i++ {
		h.OnSignal(testSignal())
	}
	assert.Positive(t, h.Dropped())
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	h := NewHub()
	conn, cleanup := dialHub(t, h)
	defer cleanup()

	require.Eventually(t, func() bool { return h.Clients() == 1 },
		time.Second, 10*time.Millisecond)

	h.Close()
	assert.Zero(t, h.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server side closed the connection")
}

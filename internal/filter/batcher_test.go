package filter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optionsflow/optionsflow/internal/config"
	"github.com/optionsflow/optionsflow/internal/domain"
)

type captureListener struct {
	mu      sync.Mutex
	batches [][]domain.MarketEvent
	done    chan struct{}
	want    int
	got     int
}

func newCaptureListener(wantBatches int) *captureListener {
	return &captureListener{done: make(chan struct{}), want: wantBatches}
}

func (c *captureListener) OnBatch(batch []domain.MarketEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]domain.MarketEvent, len(batch))
	copy(cp, batch)
	c.batches = append(c.batches, cp)
	c.got++
	if c.got == c.want {
		close(c.done)
	}
	return nil
}

func (c *captureListener) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batches")
	}
}

func (c *captureListener) all() [][]domain.MarketEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]domain.MarketEvent, len(c.batches))
	copy(out, c.batches)
	return out
}

func batchConfig() config.BatchConfig {
	return config.BatchConfig{
		MinBatchSize:    2,
		MaxBatchSize:    4,
		BatchTimeoutMs:  40,
		TargetLatencyMs: 50,
		QueueCapacity:   16,
		Workers:         2,
	}
}

func TestCoordinatorFlushesOnSize(t *testing.T) {
	lis := newCaptureListener(1)
	c := NewCoordinator(batchConfig())
	c.AddListener(lis)
	c.Start()
	defer c.Stop(time.Second)

	for i := 0; i < 4; i++ {
		c.Submit(domain.MarketEvent{TradePrice: float64(i + 1), TradeSize: 1})
	}
	lis.wait(t)

	batches := lis.all()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 4, "flush triggers at the current batch size")
}

func TestCoordinatorFlushesOnTimeout(t *testing.T) {
	lis := newCaptureListener(1)
	c := NewCoordinator(batchConfig())
	c.AddListener(lis)
	c.Start()
	defer c.Stop(time.Second)

	c.Submit(domain.MarketEvent{TradePrice: 1, TradeSize: 1})
	lis.wait(t)

	batches := lis.all()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 1, "a lone event still flushes after the timeout")
}

func TestCoordinatorDropsWhenQueueFull(t *testing.T) {
	cfg := batchConfig()
	cfg.QueueCapacity = 1
	cfg.Workers = 1
	c := NewCoordinator(cfg)
	// No Start: nothing drains the queue, so the second enqueue must drop.

	c.enqueue([]domain.MarketEvent{{TradePrice: 1, TradeSize: 1}})
	c.enqueue([]domain.MarketEvent{{TradePrice: 2, TradeSize: 1}})

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.BatchesEmitted)
	assert.Equal(t, uint64(1), stats.BatchesDropped)
}

func TestCoordinatorListenerPanicIsolated(t *testing.T) {
	lis := newCaptureListener(1)
	c := NewCoordinator(batchConfig())
	c.AddListener(panicListener{})
	c.AddListener(lis)
	c.Start()
	defer c.Stop(time.Second)

	for i := 0; i < 4; i++ {
		c.Submit(domain.MarketEvent{TradePrice: 1, TradeSize: 1})
	}
	lis.wait(t)

	assert.Len(t, lis.all(), 1, "second listener still runs after the first panics")
}

type panicListener struct{}

func (panicListener) OnBatch([]domain.MarketEvent) error { panic("boom") }

func TestCoordinatorStopIdempotent(t *testing.T) {
	c := NewCoordinator(batchConfig())
	c.Start()
	c.Start()
	c.Stop(time.Second)
	c.Stop(time.Second)
}

func TestAdaptiveSizerShrinksUnderLoad(t *testing.T) {
	s := newAdaptiveSizer(config.BatchConfig{
		MinBatchSize:    10,
		MaxBatchSize:    100,
		TargetLatencyMs: 50,
	})
	require.Equal(t, 100, s.current)

	// Sustained latency above 1.2x target shrinks 20% per observation.
	s.record(100 * time.Millisecond)
	assert.Equal(t, 80, s.current)
	s.record(100 * time.Millisecond)
	assert.Equal(t, 64, s.current)

	for i := 0; i < 50; i++ {
		s.record(100 * time.Millisecond)
	}
	assert.Equal(t, 10, s.current, "clamped at the minimum")
}

func TestAdaptiveSizerGrowsWhenFast(t *testing.T) {
	s := newAdaptiveSizer(config.BatchConfig{
		MinBatchSize:    10,
		MaxBatchSize:    100,
		TargetLatencyMs: 50,
	})
	s.current = 10

	s.record(10 * time.Millisecond)
	assert.Equal(t, 12, s.current)

	for i := 0; i < 50; i++ {
		s.record(10 * time.Millisecond)
	}
	assert.Equal(t, 100, s.current, "clamped at the maximum")
}

func TestAdaptiveSizerStableInBand(t *testing.T) {
	s := newAdaptiveSizer(config.BatchConfig{
		MinBatchSize:    10,
		MaxBatchSize:    100,
		TargetLatencyMs: 50,
	})
	s.current = 50

	// Within [0.8x, 1.2x] of target nothing changes.
	s.record(50 * time.Millisecond)
	s.record(45 * time.Millisecond)
	s.record(55 * time.Millisecond)
	assert.Equal(t, 50, s.current)
}

package filter

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optionsflow/optionsflow/internal/config"
	"github.com/optionsflow/optionsflow/internal/domain"
)

// BatchListener consumes completed batches. A listener panic or error is
// isolated per listener: it is logged and never reaches the worker loop or
// the other listeners.
type BatchListener interface {
	OnBatch(batch []domain.MarketEvent) error
}

// BatchStats is a snapshot of batcher counters.
type BatchStats struct {
	BatchesEmitted   uint64  `json:"batches_emitted"`
	BatchesDropped   uint64  `json:"batches_dropped"`
	EventsBatched    uint64  `json:"events_batched"`
	CurrentBatchSize int     `json:"current_batch_size"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
}

const latencyHistorySize = 32

// adaptiveSizer tunes the target batch size from observed processing latency.
// Moving average above 1.2x target shrinks the batch 20%; below 0.8x grows it
// 20%, clamped to [min, max].
type adaptiveSizer struct {
	minSize   int
	maxSize   int
	target    time.Duration
	current   int
	latencies []time.Duration
}

func newAdaptiveSizer(cfg config.BatchConfig) *adaptiveSizer {
	return &adaptiveSizer{
		minSize: cfg.MinBatchSize,
		maxSize: cfg.MaxBatchSize,
		target:  time.Duration(cfg.TargetLatencyMs) * time.Millisecond,
		current: cfg.MaxBatchSize,
	}
}

func (s *adaptiveSizer) record(latency time.Duration) {
	s.latencies = append(s.latencies, latency)
	if len(s.latencies) > latencyHistorySize {
		s.latencies = s.latencies[1:]
	}

	var sum time.Duration
	for _, l := range s.latencies {
		sum += l
	}
	avg := sum / time.Duration(len(s.latencies))

	switch {
	case avg > s.target*12/10:
		s.current = s.current * 8 / 10
		if s.current < s.minSize {
			s.current = s.minSize
		}
	case avg < s.target*8/10:
		s.current = s.current * 12 / 10
		if s.current > s.maxSize {
			s.current = s.maxSize
		}
	}
}

func (s *adaptiveSizer) avgLatency() time.Duration {
	if len(s.latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, l := range s.latencies {
		sum += l
	}
	return sum / time.Duration(len(s.latencies))
}

// Coordinator owns the accumulating batch, a bounded batch queue, and a fixed
// worker pool that fans completed batches out to listeners. Submit never
// blocks: a full queue drops the batch and increments a counter.
type Coordinator struct {
	cfg     config.BatchConfig
	timeout time.Duration

	mu         sync.Mutex
	sizer      *adaptiveSizer
	pending    []domain.MarketEvent
	batchStart time.Time
	emitted    uint64
	dropped    uint64
	batched    uint64

	listenersMu sync.RWMutex
	listeners   []BatchListener

	queue   chan []domain.MarketEvent
	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
	lifeMu  sync.Mutex
}

// NewCoordinator creates a stopped coordinator.
func NewCoordinator(cfg config.BatchConfig) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		timeout: time.Duration(cfg.BatchTimeoutMs) * time.Millisecond,
		sizer:   newAdaptiveSizer(cfg),
		queue:   make(chan []domain.MarketEvent, cfg.QueueCapacity),
		quit:    make(chan struct{}),
	}
}

// AddListener registers a batch consumer. Safe before or after Start.
func (c *Coordinator) AddListener(l BatchListener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenersMu.Unlock()
}

// Start launches the worker pool and the timeout flusher. Idempotent.
func (c *Coordinator) Start() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.started {
		return
	}
	c.started = true

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	c.wg.Add(1)
	go c.flushLoop()

	log.Info().Int("workers", c.cfg.Workers).Int("queue", c.cfg.QueueCapacity).Msg("batch coordinator started")
}

// Stop signals workers to exit and joins with a bounded timeout. In-flight
// batches may be abandoned when the timeout elapses. Idempotent.
func (c *Coordinator) Stop(timeout time.Duration) {
	c.lifeMu.Lock()
	if !c.started || c.stopped {
		c.lifeMu.Unlock()
		return
	}
	c.stopped = true
	c.lifeMu.Unlock()

	close(c.quit)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("batch coordinator stopped")
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("batch coordinator stop timed out; abandoning in-flight batches")
	}
}

// Submit appends one admitted event to the accumulating batch, flushing when
// the adaptive size is reached. Never blocks the caller.
func (c *Coordinator) Submit(ev domain.MarketEvent) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.batchStart = time.Now()
	}
	c.pending = append(c.pending, ev)
	var flush []domain.MarketEvent
	if len(c.pending) >= c.sizer.current {
		flush = c.pending
		c.pending = nil
	}
	c.mu.Unlock()

	if flush != nil {
		c.enqueue(flush)
	}
}

// flushLoop emits non-empty batches whose age exceeds the batch timeout.
func (c *Coordinator) flushLoop() {
	defer c.wg.Done()

	tick := c.timeout / 4
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.mu.Lock()
			var flush []domain.MarketEvent
			if len(c.pending) > 0 && time.Since(c.batchStart) >= c.timeout {
				flush = c.pending
				c.pending = nil
			}
			c.mu.Unlock()
			if flush != nil {
				c.enqueue(flush)
			}
		}
	}
}

func (c *Coordinator) enqueue(batch []domain.MarketEvent) {
	select {
	case c.queue <- batch:
		c.mu.Lock()
		c.emitted++
		c.batched += uint64(len(batch))
		c.mu.Unlock()
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		log.Warn().Int("batch_len", len(batch)).Msg("batch queue full, dropping batch")
	}
}

func (c *Coordinator) worker(id int) {
	defer c.wg.Done()

	for {
		select {
		case <-c.quit:
			return
		case batch := <-c.queue:
			start := time.Now()
			c.dispatch(batch)
			latency := time.Since(start)

			c.mu.Lock()
			c.sizer.record(latency)
			c.mu.Unlock()
		}
	}
}

// dispatch invokes every listener, isolating failures per listener.
func (c *Coordinator) dispatch(batch []domain.MarketEvent) {
	c.listenersMu.RLock()
	listeners := c.listeners
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("batch listener panicked")
				}
			}()
			if err := l.OnBatch(batch); err != nil {
				log.Error().Err(err).Int("batch_len", len(batch)).Msg("batch listener failed")
			}
		}()
	}
}

// Stats returns a snapshot of batcher counters.
func (c *Coordinator) Stats() BatchStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return BatchStats{
		BatchesEmitted:   c.emitted,
		BatchesDropped:   c.dropped,
		EventsBatched:    c.batched,
		CurrentBatchSize: c.sizer.current,
		AvgLatencyMs:     float64(c.sizer.avgLatency().Microseconds()) / 1000.0,
	}
}

package http

import (
	"context"
	"time"

	"github.com/optionsflow/optionsflow/internal/pipeline"
)

// SyncLoop mirrors the pipeline's status snapshot into the Prometheus
// instruments. Counters advance by delta against the previous snapshot.
func (m *MetricsRegistry) SyncLoop(ctx context.Context, orch *pipeline.Orchestrator, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev pipeline.Status
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := orch.Status()
			m.apply(prev, cur)
			prev = cur
		}
	}
}

func (m *MetricsRegistry) apply(prev, cur pipeline.Status) {
	m.EventsReceived.Add(float64(delta(cur.Filter.Received, prev.Filter.Received)))
	for reason, count := range cur.Filter.Rejected {
		m.EventsFiltered.WithLabelValues(string(reason)).
			Add(float64(delta(count, prev.Filter.Rejected[reason])))
	}
	m.BatchesEmitted.Add(float64(delta(cur.Batch.BatchesEmitted, prev.Batch.BatchesEmitted)))
	m.BatchesDropped.Add(float64(delta(cur.Batch.BatchesDropped, prev.Batch.BatchesDropped)))
	m.ValidationFails.Add(float64(delta(cur.Validator.Rejected, prev.Validator.Rejected)))
	m.WindowsEmitted.Add(float64(delta(cur.WindowsEmitted, prev.WindowsEmitted)))

	if cur.BreakerState == "OPEN" {
		m.BreakerOpen.Set(1)
	} else {
		m.BreakerOpen.Set(0)
	}
	m.WindowsActive.Set(float64(cur.ActiveWindows))
	m.BaselineCount.Set(float64(cur.BaselineCount))
}

func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

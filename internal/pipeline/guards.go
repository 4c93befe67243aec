package pipeline

import (
	"sync"
	"time"

	"github.com/optionsflow/optionsflow/internal/calendar"
)

// Budget tracks daily data usage against a hard cap. The day rolls over at
// UTC midnight; usage before the rollover does not carry.
type Budget struct {
	limit int64
	clock calendar.Clock

	mu   sync.Mutex
	day  time.Time
	used int64
}

// NewBudget creates a budget with a daily event limit. limit <= 0 means
// unlimited.
func NewBudget(limit int64, clock calendar.Clock) *Budget {
	if clock == nil {
		clock = calendar.RealClock{}
	}
	return &Budget{limit: limit, clock: clock}
}

// Record charges n events against today's budget.
func (b *Budget) Record(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	b.used += n
}

// Remaining returns today's unused budget; -1 when unlimited.
func (b *Budget) Remaining() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit <= 0 {
		return -1
	}
	b.rolloverLocked()
	rem := b.limit - b.used
	if rem < 0 {
		rem = 0
	}
	return rem
}

// Exhausted reports whether today's budget is spent.
func (b *Budget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit <= 0 {
		return false
	}
	b.rolloverLocked()
	return b.used >= b.limit
}

func (b *Budget) rolloverLocked() {
	today := b.clock.Now().UTC().Truncate(24 * time.Hour)
	if !today.Equal(b.day) {
		b.day = today
		b.used = 0
	}
}

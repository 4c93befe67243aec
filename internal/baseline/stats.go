package baseline

import (
	"math"
	"sort"
)

// rollingWindow is a bounded observation window with O(1) amortized
// maintenance of running sum and sum of squares. Min and max are rescanned
// only when the evicted value was the current extreme.
type rollingWindow struct {
	values   []float64
	capacity int
	sum      float64
	sumSq    float64
	min      float64
	max      float64
}

func newRollingWindow(capacity int) *rollingWindow {
	return &rollingWindow{capacity: capacity}
}

func (w *rollingWindow) add(v float64) {
	if len(w.values) == w.capacity {
		old := w.values[0]
		w.values = w.values[1:]
		w.sum -= old
		w.sumSq -= old * old
		if old == w.min || old == w.max {
			w.rescanExtremes()
		}
	}

	if len(w.values) == 0 {
		w.min, w.max = v, v
	} else {
		if v < w.min {
			w.min = v
		}
		if v > w.max {
			w.max = v
		}
	}
	w.values = append(w.values, v)
	w.sum += v
	w.sumSq += v * v
}

func (w *rollingWindow) rescanExtremes() {
	if len(w.values) == 0 {
		w.min, w.max = 0, 0
		return
	}
	w.min, w.max = w.values[0], w.values[0]
	for _, v := range w.values[1:] {
		if v < w.min {
			w.min = v
		}
		if v > w.max {
			w.max = v
		}
	}
}

func (w *rollingWindow) count() int { return len(w.values) }

func (w *rollingWindow) mean() float64 {
	if len(w.values) == 0 {
		return 0
	}
	return w.sum / float64(len(w.values))
}

// std is the sample standard deviation (n-1 denominator), exactly 0 for one
// or zero samples, never NaN.
func (w *rollingWindow) std() float64 {
	n := len(w.values)
	if n <= 1 {
		return 0
	}
	mean := w.sum / float64(n)
	variance := (w.sumSq - float64(n)*mean*mean) / float64(n-1)
	if variance < 0 {
		// Floating point cancellation can push a tiny variance negative.
		variance = 0
	}
	return math.Sqrt(variance)
}

// percentile returns the p-th percentile. Linear interpolation over the
// sorted window for n >= 5; for smaller windows a direct index lookup serves
// as a degraded estimate.
func (w *rollingWindow) percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n < 5 {
		idx := int(p / 100 * float64(n))
		if idx >= n {
			idx = n - 1
		}
		return sorted[idx]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func (w *rollingWindow) sorted() []float64 {
	out := make([]float64, len(w.values))
	copy(out, w.values)
	sort.Float64s(out)
	return out
}

// lastN returns up to n most recent observations, oldest first.
func (w *rollingWindow) lastN(n int) []float64 {
	if len(w.values) <= n {
		return w.values
	}
	return w.values[len(w.values)-n:]
}

// slope fits a simple linear regression over xs = 0..len-1 and returns the
// slope coefficient.
func slope(ys []float64) float64 {
	n := float64(len(ys))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

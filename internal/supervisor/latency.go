package supervisor

import (
	"fmt"
	"time"

	"livesync/internal/models"
)

// LatencyWindow keeps the most recent RTT samples in a fixed ring.
// It is owned by the supervisor and guarded by the supervisor's lock.
type LatencyWindow struct {
	samples []time.Duration
	head    int
	count   int
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		panic(fmt.Errorf("latency window size must be positive: %d", size))
	}
	return &LatencyWindow{
		samples: make([]time.Duration, size),
	}
}

// Add records a sample, overwriting the oldest once the ring is full.
func (w *LatencyWindow) Add(rtt time.Duration) {
	w.samples[w.head] = rtt
	w.head = (w.head + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

func (w *LatencyWindow) Len() int {
	return w.count
}

// Average returns the mean of the retained samples, 0 when empty.
func (w *LatencyWindow) Average() time.Duration {
	if w.count == 0 {
		return 0
	}
	var total time.Duration
	for _, rtt := range w.Samples() {
		total += rtt
	}
	return total / time.Duration(w.count)
}

// Samples returns the retained samples, oldest first.
func (w *LatencyWindow) Samples() []time.Duration {
	out := make([]time.Duration, 0, w.count)
	start := (w.head - w.count + len(w.samples)) % len(w.samples)
	for i := 0; i < w.count; i++ {
		out = append(out, w.samples[(start+i)%len(w.samples)])
	}
	return out
}

func (w *LatencyWindow) Reset() {
	w.head = 0
	w.count = 0
}

// ClassifyLatency maps an average RTT onto a quality bucket.
func ClassifyLatency(avg, good, poor time.Duration) models.ConnectionQuality {
	switch {
	case avg <= good:
		return models.QualityGood
	case avg <= poor:
		return models.QualityPoor
	default:
		return models.QualityBad
	}
}

package adaptive

import (
	"fmt"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// Adjustment is one resize decision, reported to the caller for the audit
// trail.
type Adjustment struct {
	OldSize         int
	NewSize         int
	AvgLatencyMs    float64
	TargetLatencyMs float64
	Reason          string
	At              time.Time
}

// Controller resizes the insert batch from observed insert latency. Every
// Window batches it compares the average latency of that window against the
// target: well below target grows the batch by half, well above halves it.
// Between those bands the size is left alone.
type Controller struct {
	mu sync.Mutex

	size      int
	minSize   int
	maxSize   int
	target    time.Duration
	window    int
	latencies []float64
}

const (
	defaultWindow = 5

	// Hysteresis bands around the target, as latency ratios.
	growBelow   = 0.5
	shrinkAbove = 1.5
)

func NewController(initial, minSize, maxSize int, target time.Duration) *Controller {
	if initial < minSize {
		initial = minSize
	}
	if initial > maxSize {
		initial = maxSize
	}
	return &Controller{
		mu:        sync.Mutex{},
		size:      initial,
		minSize:   minSize,
		maxSize:   maxSize,
		target:    target,
		window:    defaultWindow,
		latencies: nil,
	}
}

// Size is safe to call from the scan callback while Observe runs elsewhere.
func (c *Controller) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Observe records one batch insert latency. When a full window has been
// collected it may resize and returns the decision, otherwise nil.
func (c *Controller) Observe(latency time.Duration) *Adjustment {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latencies = append(c.latencies, float64(latency.Milliseconds()))
	if len(c.latencies) < c.window {
		return nil
	}
	avg, err := stats.Mean(c.latencies)
	c.latencies = c.latencies[:0]
	if err != nil {
		return nil
	}

	targetMs := float64(c.target.Milliseconds())
	oldSize := c.size
	switch {
	case avg < targetMs*growBelow:
		newSize := oldSize + oldSize/2
		if newSize > c.maxSize {
			newSize = c.maxSize
		}
		if newSize == oldSize {
			return nil
		}
		c.size = newSize
		return &Adjustment{
			OldSize:         oldSize,
			NewSize:         newSize,
			AvgLatencyMs:    avg,
			TargetLatencyMs: targetMs,
			Reason:          fmt.Sprintf("avg latency %.1fms below target %.0fms, growing batch", avg, targetMs),
			At:              time.Now(),
		}
	case avg > targetMs*shrinkAbove:
		newSize := oldSize / 2
		if newSize < c.minSize {
			newSize = c.minSize
		}
		if newSize == oldSize {
			return nil
		}
		c.size = newSize
		return &Adjustment{
			OldSize:         oldSize,
			NewSize:         newSize,
			AvgLatencyMs:    avg,
			TargetLatencyMs: targetMs,
			Reason:          fmt.Sprintf("avg latency %.1fms above target %.0fms, shrinking batch", avg, targetMs),
			At:              time.Now(),
		}
	}
	return nil
}

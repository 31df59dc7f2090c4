package metrics

import (
	"sync"
	"time"
)

// StageTimer records how long each stage of one asset's pipeline took.
type StageTimer struct {
	mu      sync.Mutex
	started map[string]time.Time
	timings map[string]float64
	total   time.Time
}

// NewStageTimer starts the overall clock for an asset.
func NewStageTimer() *StageTimer {
	return &StageTimer{
		started: make(map[string]time.Time),
		timings: make(map[string]float64),
		total:   time.Now(),
	}
}

// Start marks the beginning of a stage.
func (t *StageTimer) Start(stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started[stage] = time.Now()
}

// End records the elapsed time of a stage and returns it. Ending a stage that
// was never started is a no-op.
func (t *StageTimer) End(stage string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	start, ok := t.started[stage]
	if !ok {
		return 0
	}
	d := time.Since(start)
	t.timings[stage] = float64(d.Microseconds()) / 1000.0
	delete(t.started, stage)
	return d
}

// Finalize records the total and returns a copy of all timings in milliseconds.
func (t *StageTimer) Finalize() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timings["total"] = float64(time.Since(t.total).Microseconds()) / 1000.0
	out := make(map[string]float64, len(t.timings))
	for k, v := range t.timings {
		out[k] = v
	}
	return out
}

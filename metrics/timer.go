// Package metrics times pipeline stages and persists request, stage, ingest
// and bulk-run records through a Recorder.
package metrics

import "time"

// Timer measures one stage. The zero value and a nil *Timer report 0.
type Timer struct {
	start   time.Time
	elapsed time.Duration
	running bool
	stopped bool
}

// StartTimer returns a running timer.
func StartTimer() *Timer {
	t := &Timer{}
	t.Start()
	return t
}

func (t *Timer) Start() {
	t.start = time.Now()
	t.running = true
	t.stopped = false
	t.elapsed = 0
}

// Stop freezes the timer and returns the elapsed time. Stopping twice keeps
// the first reading.
func (t *Timer) Stop() time.Duration {
	if t == nil || !t.running {
		return t.Duration()
	}
	t.elapsed = time.Since(t.start)
	t.running = false
	t.stopped = true
	return t.elapsed
}

// Duration is the elapsed time so far (or at Stop).
func (t *Timer) Duration() time.Duration {
	switch {
	case t == nil:
		return 0
	case t.running:
		return time.Since(t.start)
	case t.stopped:
		return t.elapsed
	}
	return 0
}

// Milliseconds reports Duration as fractional milliseconds.
func (t *Timer) Milliseconds() float64 {
	return Ms(t.Duration())
}

// Ms converts a duration to fractional milliseconds.
func Ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Measure runs fn and returns how long it took along with its error.
func Measure(fn func() error) (time.Duration, error) {
	t := StartTimer()
	err := fn()
	return t.Stop(), err
}

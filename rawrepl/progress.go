package rawrepl

import (
	"time"
)

// submitProgress throttles Callbacks.OnProgress while source is written to
// the device. It only runs under the session lock.
type submitProgress struct {
	report   func(name string, sent, total int64, rate float64)
	name     string
	total    int64
	interval time.Duration

	started  time.Time
	lastAt   time.Time
	lastSent int64
}

func newSubmitProgress(report func(string, int64, int64, float64), interval time.Duration, name string, total int64) *submitProgress {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	now := time.Now()
	return &submitProgress{
		report:   report,
		name:     name,
		total:    total,
		interval: interval,
		started:  now,
		lastAt:   now,
	}
}

// advance reports sent once interval has passed since the previous report.
// The rate covers only the bytes written since then.
func (p *submitProgress) advance(sent int64) {
	now := time.Now()
	since := now.Sub(p.lastAt)
	if since < p.interval {
		return
	}
	p.report(p.name, sent, p.total, bytesPerSecond(sent-p.lastSent, since))
	p.lastAt = now
	p.lastSent = sent
}

// finish always reports, with the average rate of the whole submission, and
// returns how long it took.
func (p *submitProgress) finish(sent int64) time.Duration {
	elapsed := time.Since(p.started)
	p.report(p.name, sent, p.total, bytesPerSecond(sent, elapsed))
	return elapsed
}

func bytesPerSecond(n int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}

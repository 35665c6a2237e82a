// Package progress turns frequent byte-count callbacks into throttled
// status snapshots with speed and ETA.
package progress

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval = 2 * time.Second
	windowSize      = 10
)

// UnknownETA is reported while no bytes have moved yet.
const UnknownETA time.Duration = -1

// Snapshot is one observation of a transfer. Speeds are in bytes per second.
type Snapshot struct {
	Label     string
	Name      string
	Current   int64
	Total     int64
	Percent   float64
	Speed     float64
	AvgSpeed  float64
	PeakSpeed float64
	ETA       time.Duration
	Elapsed   time.Duration
	Done      bool
}

// Sink receives snapshots. Errors are logged and otherwise ignored.
type Sink interface {
	Report(s Snapshot) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(s Snapshot) error

func (f SinkFunc) Report(s Snapshot) error { return f(s) }

type Option func(*Reporter)

// WithInterval sets the minimum time between two emitted snapshots.
func WithInterval(d time.Duration) Option {
	return func(r *Reporter) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// WithName attaches a file name shown next to the label.
func WithName(name string) Option {
	return func(r *Reporter) { r.name = name }
}

// Reporter is safe for concurrent use.
type Reporter struct {
	label    string
	name     string
	sink     Sink
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	total     int64
	start     time.Time
	lastEmit  time.Time
	lastBytes int64
	samples   []float64
	emitted   int
}

// New starts a reporter; the clock starts now.
func New(label string, total int64, sink Sink, opts ...Option) *Reporter {
	r := &Reporter{
		label:    label,
		sink:     sink,
		interval: DefaultInterval,
		now:      time.Now,
		total:    total,
	}
	for _, o := range opts {
		o(r)
	}
	r.start = r.now()
	r.lastEmit = r.start
	return r
}

// Update records current bytes and emits a snapshot when at least one
// interval has passed since the previous emission (or the start).
// A positive total replaces the one given to New.
func (r *Reporter) Update(current, total int64) {
	r.mu.Lock()
	now := r.now()
	if total > 0 {
		r.total = total
	}
	if now.Sub(r.lastEmit) < r.interval {
		r.mu.Unlock()
		return
	}
	snap := r.observeLocked(current, now)
	r.mu.Unlock()

	r.emit(snap)
}

// Finish emits a final snapshot regardless of the throttle and returns it.
func (r *Reporter) Finish(final int64) Snapshot {
	r.mu.Lock()
	now := r.now()
	if r.total <= 0 {
		r.total = final
	}
	snap := r.observeLocked(final, now)
	snap.Done = true
	snap.ETA = 0
	r.mu.Unlock()

	r.emit(snap)
	return snap
}

// Emitted reports how many snapshots reached the sink, including failed ones.
func (r *Reporter) Emitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emitted
}

func (r *Reporter) observeLocked(current int64, now time.Time) Snapshot {
	dt := now.Sub(r.lastEmit).Seconds()
	if dt < 0.1 {
		dt = 0.1
	}
	delta := current - r.lastBytes
	if delta < 0 {
		delta = 0
	}
	speed := float64(delta) / dt
	if speed > 0 {
		r.samples = append(r.samples, speed)
		if len(r.samples) > windowSize {
			r.samples = r.samples[len(r.samples)-windowSize:]
		}
	}

	elapsed := now.Sub(r.start)
	secs := elapsed.Seconds()
	if secs < 0.1 {
		secs = 0.1
	}
	avg := float64(current) / secs

	peak := 0.0
	for _, s := range r.samples {
		if s > peak {
			peak = s
		}
	}

	snap := Snapshot{
		Label:     r.label,
		Name:      r.name,
		Current:   current,
		Total:     r.total,
		Speed:     speed,
		AvgSpeed:  avg,
		PeakSpeed: peak,
		ETA:       eta(current, r.total, avg),
		Elapsed:   elapsed,
	}
	if r.total > 0 {
		snap.Percent = float64(current) * 100 / float64(r.total)
		if snap.Percent > 100 {
			snap.Percent = 100
		}
	}

	r.lastEmit = now
	r.lastBytes = current
	r.emitted++
	return snap
}

func eta(current, total int64, avg float64) time.Duration {
	if total > 0 && current >= total {
		return 0
	}
	if avg <= 0 || total <= 0 {
		return UnknownETA
	}
	return time.Duration(float64(total-current) / avg * float64(time.Second))
}

func (r *Reporter) emit(s Snapshot) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Report(s); err != nil {
		log.Debug().Err(err).Str("label", r.label).Msg("progress update dropped")
	}
}

// Package telemetry tracks progress, throughput and remaining time of a single upload session.
package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"
)

// Defaults
const (
	DefaultMinInterval = 500 * time.Millisecond
	DefaultMinFraction = 0.01
)

// Sample is the cumulative byte count observed at a point in time.
type Sample struct {
	At    time.Time
	Bytes int64
}

// Snapshot is a point-in-time view of the upload progress.
type Snapshot struct {
	TotalBytes       int64
	BytesTransferred int64
	Fraction         float64
	Elapsed          time.Duration
	Remaining        time.Duration
	// RemainingKnown is false until enough of the payload is done to extrapolate.
	RemainingKnown bool
	BytesPerSecond float64
	ChunksDone     int
	ChunksTotal    int
}

// String renders the snapshot as a short human readable progress line.
func (s Snapshot) String() string {
	line := fmt.Sprintf("%.1f%% %s/%s", s.Fraction*100, units.HumanSize(float64(s.BytesTransferred)), units.HumanSize(float64(s.TotalBytes)))
	if s.BytesPerSecond > 0 {
		line += fmt.Sprintf(" %s/s", units.HumanSize(s.BytesPerSecond))
	}
	if s.RemainingKnown {
		line += " eta " + formatClock(s.Remaining)
	}
	return line
}

func formatClock(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	sec := d / time.Second
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMinInterval sets the minimum spacing between the two samples used for the rate.
func WithMinInterval(d time.Duration) Option {
	return func(t *Tracker) {
		t.minInterval = d
	}
}

// WithMinFraction sets the completed fraction below which no remaining time is estimated.
func WithMinFraction(f float64) Option {
	return func(t *Tracker) {
		t.minFraction = f
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker accumulates per-chunk completions. It is safe for concurrent use.
type Tracker struct {
	totalBytes  int64
	totalChunks int
	minInterval time.Duration
	minFraction float64
	now         func() time.Time

	mu         sync.Mutex
	started    time.Time
	finishedAt time.Time
	bytes      int64
	chunks     int
	finished   bool
	prev, last *Sample
}

// NewTracker creates a tracker for a payload of totalBytes split into chunks pieces.
func NewTracker(totalBytes int64, chunks int, opts ...Option) *Tracker {
	t := &Tracker{
		totalBytes:  totalBytes,
		totalChunks: chunks,
		minInterval: DefaultMinInterval,
		minFraction: DefaultMinFraction,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start marks the beginning of the transfer. Calling it again has no effect.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started.IsZero() {
		return
	}
	t.started = t.now()
	t.last = &Sample{At: t.started}
}

// Record registers a completed chunk, cumulative is the total number of bytes acknowledged so far.
// Values lower than an earlier record are ignored so progress never moves backwards.
func (t *Tracker) Record(cumulative int64) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.started.IsZero() {
		t.started = now
		t.last = &Sample{At: now}
	}

	if cumulative > t.totalBytes {
		cumulative = t.totalBytes
	}
	if cumulative > t.bytes {
		t.bytes = cumulative
	}
	if t.chunks < t.totalChunks {
		t.chunks++
	}

	if now.Sub(t.last.At) >= t.minInterval {
		t.prev = t.last
		t.last = &Sample{At: now, Bytes: t.bytes}
	}

	return t.snapshot(now)
}

// Finish marks the transfer complete, stopping the elapsed clock.
func (t *Tracker) Finish() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.started.IsZero() {
		t.started = now
	}
	if !t.finished {
		t.finished = true
		t.finishedAt = now
	}
	return t.snapshot(now)
}

// Snapshot returns the current progress.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.snapshot(t.now())
}

func (t *Tracker) snapshot(now time.Time) Snapshot {
	s := Snapshot{
		TotalBytes:       t.totalBytes,
		BytesTransferred: t.bytes,
		ChunksDone:       t.chunks,
		ChunksTotal:      t.totalChunks,
	}

	switch {
	case t.totalChunks > 0 && t.chunks >= t.totalChunks:
		s.Fraction = 1
	case t.totalChunks == 0 && t.finished:
		s.Fraction = 1
	case t.totalBytes > 0:
		s.Fraction = float64(t.bytes) / float64(t.totalBytes)
		// 1.0 is reserved for the final chunk.
		if s.Fraction >= 1 {
			s.Fraction = 0.9999
		}
	}

	if !t.started.IsZero() {
		end := now
		if t.finished {
			end = t.finishedAt
		}
		s.Elapsed = end.Sub(t.started)
	}

	if s.Fraction > t.minFraction && s.Fraction < 1 {
		s.Remaining = time.Duration(float64(s.Elapsed) / s.Fraction * (1 - s.Fraction))
		s.RemainingKnown = true
	} else if s.Fraction >= 1 {
		s.RemainingKnown = true
	}

	if t.prev != nil && t.last != nil {
		dt := t.last.At.Sub(t.prev.At)
		if dt >= t.minInterval && dt > 0 {
			s.BytesPerSecond = float64(t.last.Bytes-t.prev.Bytes) / dt.Seconds()
		}
	}

	return s
}

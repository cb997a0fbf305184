// Package location keeps the last position reported by the device.
package location

import (
	"errors"
	"sync"
	"time"

	"departureboard/internal/geo"
)

var ErrInvalidPoint = errors.New("location: invalid coordinates")

// Fix is a reported position.
type Fix struct {
	Point      geo.Point `json:"point"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
	ReportedAt time.Time `json:"reported_at"`
}

type Tracker struct {
	mu     sync.RWMutex
	last   *Fix
	maxAge time.Duration
	now    func() time.Time
}

// NewTracker returns a tracker whose fixes expire after maxAge. Zero keeps them forever.
func NewTracker(maxAge time.Duration) *Tracker {
	return &Tracker{maxAge: maxAge, now: time.Now}
}

// Report records a new fix. A zero reportedAt means now.
func (t *Tracker) Report(p geo.Point, accuracy float64, reportedAt time.Time) (Fix, error) {
	if !p.Valid() {
		return Fix{}, ErrInvalidPoint
	}
	if reportedAt.IsZero() {
		reportedAt = t.now()
	}
	f := Fix{Point: p, AccuracyM: accuracy, ReportedAt: reportedAt.UTC()}

	t.mu.Lock()
	defer t.mu.Unlock()
	// out-of-order reports do not replace a newer fix
	if t.last != nil && f.ReportedAt.Before(t.last.ReportedAt) {
		return *t.last, nil
	}
	t.last = &f
	return f, nil
}

// Last returns the latest fix, stale or not.
func (t *Tracker) Last() (Fix, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.last == nil {
		return Fix{}, false
	}
	return *t.last, true
}

// Current returns the fresh position, or nil when unknown or stale.
func (t *Tracker) Current() *geo.Point {
	f, ok := t.Last()
	if !ok {
		return nil
	}
	if t.maxAge > 0 && t.now().Sub(f.ReportedAt) > t.maxAge {
		return nil
	}
	p := f.Point
	return &p
}

// CurrentOr returns the fresh position or fallback.
func (t *Tracker) CurrentOr(fallback geo.Point) geo.Point {
	if p := t.Current(); p != nil {
		return *p
	}
	return fallback
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	t.last = nil
	t.mu.Unlock()
}

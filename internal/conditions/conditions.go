// Package conditions decides whether a favorite is currently shown.
//
// A favorite carries zero or more display conditions. Only active conditions take part in
// the decision and they are combined with AND. A favorite without any active condition is
// always visible.
package conditions

import (
	"errors"
	"fmt"
	"time"

	"departureboard/internal/geo"
)

type Kind string

const (
	KindTimeRange Kind = "time_range"
	KindWeekdays  Kind = "weekdays"
	KindGeofence  Kind = "geofence"
)

const minutesPerDay = 24 * 60

var ErrInvalid = errors.New("invalid condition")

// Condition is one display rule. Fields not relevant to Kind are ignored.
type Condition struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Kind   Kind   `json:"kind" yaml:"kind"`
	Active bool   `json:"active" yaml:"active"`

	// time_range: minutes since local midnight, end exclusive
	StartMinute int `json:"start_minute,omitempty" yaml:"start_minute,omitempty"`
	EndMinute   int `json:"end_minute,omitempty" yaml:"end_minute,omitempty"`

	// weekdays
	Weekdays []time.Weekday `json:"weekdays,omitempty" yaml:"weekdays,omitempty"`

	// geofence
	Center       geo.Point `json:"center,omitempty" yaml:"center,omitempty"`
	RadiusMeters float64   `json:"radius_meters,omitempty" yaml:"radius_meters,omitempty"`
}

// Context is what a condition is evaluated against.
type Context struct {
	Now      time.Time
	Location *geo.Point // nil when unknown
}

func TimeRange(start, end int) Condition {
	return Condition{Kind: KindTimeRange, Active: true, StartMinute: start, EndMinute: end}
}

func Weekdays(days ...time.Weekday) Condition {
	return Condition{Kind: KindWeekdays, Active: true, Weekdays: days}
}

func Geofence(center geo.Point, radius float64) Condition {
	return Condition{Kind: KindGeofence, Active: true, Center: center, RadiusMeters: radius}
}

// Matches evaluates the condition alone, ignoring Active.
func (c Condition) Matches(ctx Context) bool {
	switch c.Kind {
	case KindTimeRange:
		t := ctx.Now.Hour()*60 + ctx.Now.Minute()
		return inRange(t, c.StartMinute, c.EndMinute)
	case KindWeekdays:
		wd := ctx.Now.Weekday()
		for _, d := range c.Weekdays {
			if d == wd {
				return true
			}
		}
		return false
	case KindGeofence:
		if ctx.Location == nil || !ctx.Location.Valid() {
			return false
		}
		return geo.Distance(c.Center, *ctx.Location) <= c.RadiusMeters
	default:
		return false
	}
}

func inRange(t, start, end int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return t >= start && t < end
	default: // wraps past midnight
		return t >= start || t < end
	}
}

// Evaluate reports whether a favorite with conds is visible in ctx.
func Evaluate(conds []Condition, ctx Context) bool {
	for _, c := range conds {
		if !c.Active {
			continue
		}
		if !c.Matches(ctx) {
			return false
		}
	}
	return true
}

// HasActive reports whether any condition takes part in Evaluate.
func HasActive(conds []Condition) bool {
	for _, c := range conds {
		if c.Active {
			return true
		}
	}
	return false
}

func (c Condition) Validate() error {
	switch c.Kind {
	case KindTimeRange:
		if c.StartMinute < 0 || c.StartMinute >= minutesPerDay || c.EndMinute < 0 || c.EndMinute >= minutesPerDay {
			return fmt.Errorf("%w: time range %d-%d out of [0,%d)", ErrInvalid, c.StartMinute, c.EndMinute, minutesPerDay)
		}
	case KindWeekdays:
		if c.Active && len(c.Weekdays) == 0 {
			return fmt.Errorf("%w: empty weekday set", ErrInvalid)
		}
		for _, d := range c.Weekdays {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("%w: weekday %d", ErrInvalid, d)
			}
		}
	case KindGeofence:
		if !c.Center.Valid() {
			return fmt.Errorf("%w: geofence center %v", ErrInvalid, c.Center)
		}
		if c.RadiusMeters <= 0 {
			return fmt.Errorf("%w: geofence radius %.0f", ErrInvalid, c.RadiusMeters)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, c.Kind)
	}
	return nil
}

// FormatMinute renders minutes since midnight as HH:MM.
func FormatMinute(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// ParseMinute parses HH:MM into minutes since midnight.
func ParseMinute(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: time %q", ErrInvalid, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

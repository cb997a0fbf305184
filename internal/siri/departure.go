package siri

import (
	"sort"
	"strings"
	"time"
)

// Departure is one upcoming vehicle at a monitored stop.
type Departure struct {
	LineRef     string    `json:"line_ref"`
	LineName    string    `json:"line_name,omitempty"`
	Destination string    `json:"destination"`
	Direction   string    `json:"direction,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	Aimed       time.Time `json:"aimed"`
	Expected    time.Time `json:"expected"`
	Status      string    `json:"status,omitempty"`
	AtStop      bool      `json:"at_stop"`
	Note        string    `json:"note,omitempty"`
	JourneyRef  string    `json:"journey_ref,omitempty"`
}

// Time is the best known departure time.
func (d Departure) Time() time.Time {
	if !d.Expected.IsZero() {
		return d.Expected
	}
	return d.Aimed
}

// Delay is zero when either time is unknown.
func (d Departure) Delay() time.Duration {
	if d.Aimed.IsZero() || d.Expected.IsZero() {
		return 0
	}
	return d.Expected.Sub(d.Aimed)
}

// MinutesUntil is never negative.
func (d Departure) MinutesUntil(now time.Time) int {
	m := int(d.Time().Sub(now) / time.Minute)
	if m < 0 {
		return 0
	}
	return m
}

func (d Departure) Cancelled() bool {
	return strings.EqualFold(d.Status, "cancelled")
}

// departedGrace keeps vehicles that just left visible for a moment.
const departedGrace = time.Minute

// Departures flattens every visit of resp, dropping past and untimed entries, soonest first.
func (resp *StopMonitoringResponse) Departures(now time.Time) []Departure {
	var out []Departure
	for _, del := range resp.Siri.ServiceDelivery.StopMonitoringDelivery {
		for _, v := range del.MonitoredStopVisit {
			d := fromVisit(v)
			t := d.Time()
			if t.IsZero() || t.Before(now.Add(-departedGrace)) {
				continue
			}
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time().Before(out[j].Time()) })
	return out
}

func fromVisit(v MonitoredStopVisit) Departure {
	j := v.MonitoredVehicleJourney
	c := j.MonitoredCall

	d := Departure{
		LineRef:     j.LineRef.Value,
		LineName:    first(j.PublishedLineName),
		Destination: first(c.DestinationDisplay),
		Direction:   first(j.DirectionName),
		Platform:    c.DeparturePlatformName.Value,
		Aimed:       c.AimedDepartureTime,
		Expected:    c.ExpectedDepartureTime,
		Status:      c.DepartureStatus,
		AtStop:      bool(c.VehicleAtStop),
		Note:        first(j.JourneyNote),
		JourneyRef:  j.FramedVehicleJourneyRef.DatedVehicleJourneyRef,
	}
	if d.Destination == "" {
		d.Destination = first(j.DestinationName)
	}
	if d.Platform == "" {
		d.Platform = c.ArrivalPlatformName.Value
	}
	// terminus calls only carry arrival times
	if d.Aimed.IsZero() && d.Expected.IsZero() {
		d.Aimed = c.AimedArrivalTime
		d.Expected = c.ExpectedArrivalTime
		if d.Status == "" {
			d.Status = c.ArrivalStatus
		}
	}
	return d
}

const (
	stopPointPrefix = "STIF:StopPoint:Q:"
	stopAreaPrefix  = "STIF:StopArea:SP:"
	linePrefix      = "STIF:Line::"
)

// MonitoringRef turns a reference-dataset stop id into a stop-monitoring reference.
func MonitoringRef(stopID string) string {
	id := strings.TrimPrefix(strings.TrimSpace(stopID), "IDFM:")
	switch {
	case id == "":
		return ""
	case strings.HasPrefix(id, "STIF:"):
		return id
	case strings.HasPrefix(id, "monomodalStopPlace:"):
		return stopAreaPrefix + strings.TrimPrefix(id, "monomodalStopPlace:") + ":"
	}
	return stopPointPrefix + id + ":"
}

// LineRef turns a reference-dataset line id into a stop-monitoring line reference.
func LineRef(lineID string) string {
	id := strings.TrimSpace(lineID)
	switch {
	case id == "":
		return ""
	case strings.HasPrefix(id, "STIF:"):
		return id
	}
	return linePrefix + strings.TrimPrefix(id, "IDFM:") + ":"
}

// LineIDFromRef is the inverse of LineRef.
func LineIDFromRef(ref string) string {
	if !strings.HasPrefix(ref, linePrefix) {
		return ref
	}
	return strings.TrimSuffix(strings.TrimPrefix(ref, linePrefix), ":")
}

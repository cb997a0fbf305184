// Package snapshot holds the trimmed board read by the home-screen widget.
package snapshot

import (
	"time"

	"departureboard/internal/favorites"
)

type Departure struct {
	Destination  string    `json:"destination"`
	Platform     string    `json:"platform,omitempty"`
	Time         time.Time `json:"time"`
	MinutesUntil int       `json:"minutes_until"`
	DelayMinutes int       `json:"delay_minutes,omitempty"`
	Status       string    `json:"status,omitempty"`
	AtStop       bool      `json:"at_stop,omitempty"`
	Cancelled    bool      `json:"cancelled,omitempty"`
}

type Entry struct {
	FavoriteID string      `json:"favorite_id"`
	Name       string      `json:"name"`
	StopName   string      `json:"stop_name"`
	LineName   string      `json:"line_name,omitempty"`
	LineColor  string      `json:"line_color,omitempty"`
	Mode       string      `json:"mode,omitempty"`
	Departures []Departure `json:"departures"`
	Error      string      `json:"error,omitempty"`
}

type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`
	NextRefresh time.Time `json:"next_refresh"`
	Entries     []Entry   `json:"entries"`
}

// Stale reports whether the widget should treat s as outdated at now.
func (s Snapshot) Stale(now time.Time) bool {
	return s.NextRefresh.IsZero() || now.After(s.NextRefresh)
}

// FromBoard keeps the first maxEntries entries of b. Zero keeps all.
func FromBoard(b favorites.Board, maxEntries int, now, next time.Time) Snapshot {
	entries := b.Entries
	if maxEntries > 0 && len(entries) > maxEntries {
		entries = entries[:maxEntries]
	}
	s := Snapshot{GeneratedAt: now.UTC(), NextRefresh: next.UTC(), Entries: make([]Entry, 0, len(entries))}
	for _, be := range entries {
		e := Entry{
			FavoriteID: be.Favorite.ID,
			Name:       be.Favorite.Name,
			StopName:   be.Stop.Name,
			Departures: make([]Departure, 0, len(be.Departures)),
			Error:      be.Error,
		}
		if be.Line != nil {
			e.LineName = be.Line.ShortName
			e.LineColor = be.Line.Color
			e.Mode = string(be.Line.Mode)
		}
		for _, d := range be.Departures {
			e.Departures = append(e.Departures, Departure{
				Destination:  d.Destination,
				Platform:     d.Platform,
				Time:         d.Time().UTC(),
				MinutesUntil: d.MinutesUntil(now),
				DelayMinutes: int(d.Delay() / time.Minute),
				Status:       d.Status,
				AtStop:       d.AtStop,
				Cancelled:    d.Cancelled(),
			})
		}
		s.Entries = append(s.Entries, e)
	}
	return s
}

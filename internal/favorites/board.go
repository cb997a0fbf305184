package favorites

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"departureboard/internal/conditions"
	"departureboard/internal/refdata"
	"departureboard/internal/siri"
)

// Board is the list of visible favorites with their next departures.
type Board struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Entries     []BoardEntry `json:"entries"`
}

type BoardEntry struct {
	Favorite   Favorite         `json:"favorite"`
	Stop       refdata.Stop     `json:"stop"`
	Line       *refdata.Line    `json:"line,omitempty"`
	Departures []siri.Departure `json:"departures"`
	Error      string           `json:"error,omitempty"`
}

// Board fetches up to perFavorite departures for each visible favorite.
// A failed fetch is reported on its entry and does not fail the board.
func (s *Service) Board(ctx context.Context, cc conditions.Context, perFavorite int) (Board, error) {
	cc = s.withNow(cc)
	visible, err := s.Visible(ctx, cc)
	if err != nil {
		return Board{}, err
	}

	b := Board{GeneratedAt: cc.Now, Entries: make([]BoardEntry, len(visible))}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, f := range visible {
		g.Go(func() error {
			b.Entries[i] = s.entry(ctx, f, cc.Now, perFavorite)
			return nil
		})
	}
	_ = g.Wait()
	return b, nil
}

func (s *Service) entry(ctx context.Context, f Favorite, now time.Time, perFavorite int) BoardEntry {
	e := BoardEntry{Favorite: f, Stop: refdata.Stop{ID: f.StopID, Name: f.Name}, Departures: []siri.Departure{}}

	if s.catalog != nil {
		if st, err := s.catalog.Stop(ctx, f.StopID); err == nil {
			e.Stop = st
		} else {
			slog.Warn("board.stop_lookup_failed", "favorite", f.ID, "stop", f.StopID, "err", err)
		}
		if f.LineID != "" {
			if ln, err := s.catalog.Line(ctx, f.LineID); err == nil {
				e.Line = &ln
			} else {
				slog.Warn("board.line_lookup_failed", "favorite", f.ID, "line", f.LineID, "err", err)
			}
		}
	}

	deps, err := s.source.Departures(ctx, f.StopID, f.LineID, now)
	if err != nil {
		slog.Warn("board.departures_failed", "favorite", f.ID, "stop", f.StopID, "line", f.LineID, "err", err)
		e.Error = err.Error()
		return e
	}
	if perFavorite > 0 && len(deps) > perFavorite {
		deps = deps[:perFavorite]
	}
	if deps != nil {
		e.Departures = deps
	}
	return e
}

// Package favorites manages the user's (stop, line) favorites and builds the departure board.
package favorites

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"departureboard/internal/conditions"
	"departureboard/internal/refdata"
	"departureboard/internal/siri"
)

var (
	ErrNotFound = errors.New("favorite not found")
	ErrInvalid  = errors.New("invalid favorite")
)

type Favorite struct {
	ID         string                 `json:"id" yaml:"id,omitempty"`
	Name       string                 `json:"name" yaml:"name" validate:"required,max=80"`
	StopID     string                 `json:"stop_id" yaml:"stop_id" validate:"required,max=64"`
	LineID     string                 `json:"line_id,omitempty" yaml:"line_id,omitempty" validate:"max=64"`
	Priority   int                    `json:"priority" yaml:"priority" validate:"gte=0,lte=1000"`
	Conditions []conditions.Condition `json:"conditions" yaml:"conditions,omitempty"`
	CreatedAt  time.Time              `json:"created_at" yaml:"-"`
	UpdatedAt  time.Time              `json:"updated_at" yaml:"-"`
}

// Visible reports whether f is shown in cc.
func (f Favorite) Visible(cc conditions.Context) bool {
	return conditions.Evaluate(f.Conditions, cc)
}

// Repository persists favorites. Implementations return ErrNotFound for unknown ids.
type Repository interface {
	Insert(ctx context.Context, f Favorite) error
	Update(ctx context.Context, f Favorite) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Favorite, error)
	List(ctx context.Context) ([]Favorite, error)
}

// Catalog resolves reference data. Unknown ids yield an error matching ErrNotFound.
type Catalog interface {
	Stop(ctx context.Context, id string) (refdata.Stop, error)
	Line(ctx context.Context, id string) (refdata.Line, error)
}

type DepartureSource interface {
	Departures(ctx context.Context, stopID, lineID string, now time.Time) ([]siri.Departure, error)
}

type Service struct {
	repo        Repository
	catalog     Catalog
	source      DepartureSource
	validate    *validator.Validate
	now         func() time.Time
	tz          *time.Location
	concurrency int
}

type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the zone conditions are evaluated in when the caller gives no time.
func WithLocation(tz *time.Location) Option {
	return func(s *Service) {
		if tz != nil {
			s.tz = tz
		}
	}
}

// WithConcurrency bounds parallel departure fetches while building a board.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func NewService(repo Repository, catalog Catalog, source DepartureSource, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		catalog:     catalog,
		source:      source,
		validate:    validator.New(),
		now:         time.Now,
		tz:          time.Local,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) check(ctx context.Context, f *Favorite) error {
	f.Name = strings.TrimSpace(f.Name)
	f.StopID = strings.TrimSpace(f.StopID)
	f.LineID = strings.TrimSpace(f.LineID)

	if err := s.validate.Struct(f); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for i := range f.Conditions {
		if err := f.Conditions[i].Validate(); err != nil {
			return fmt.Errorf("%w: condition %d: %v", ErrInvalid, i, err)
		}
		if f.Conditions[i].ID == "" {
			f.Conditions[i].ID = uuid.New().String()
		}
	}
	if s.catalog == nil {
		return nil
	}
	if _, err := s.catalog.Stop(ctx, f.StopID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown stop %s", ErrInvalid, f.StopID)
		}
		return err
	}
	if f.LineID != "" {
		if _, err := s.catalog.Line(ctx, f.LineID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: unknown line %s", ErrInvalid, f.LineID)
			}
			return err
		}
	}
	return nil
}

// Add stores a new favorite. An empty ID gets a fresh UUID.
func (s *Service) Add(ctx context.Context, f Favorite) (Favorite, error) {
	if err := s.check(ctx, &f); err != nil {
		return Favorite{}, err
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := s.now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	if err := s.repo.Insert(ctx, f); err != nil {
		return Favorite{}, fmt.Errorf("insert favorite: %w", err)
	}
	return f, nil
}

// Update replaces an existing favorite, keeping its creation time.
func (s *Service) Update(ctx context.Context, f Favorite) (Favorite, error) {
	cur, err := s.repo.Get(ctx, f.ID)
	if err != nil {
		return Favorite{}, err
	}
	if err := s.check(ctx, &f); err != nil {
		return Favorite{}, err
	}
	f.CreatedAt = cur.CreatedAt
	f.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, f); err != nil {
		return Favorite{}, fmt.Errorf("update favorite %s: %w", f.ID, err)
	}
	return f, nil
}

func (s *Service) Remove(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

func (s *Service) Get(ctx context.Context, id string) (Favorite, error) {
	return s.repo.Get(ctx, id)
}

// List returns all favorites ordered by priority, then name.
func (s *Service) List(ctx context.Context) ([]Favorite, error) {
	favs, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	sortFavorites(favs)
	return favs, nil
}

// Visible returns the favorites whose conditions hold in cc, in List order.
func (s *Service) Visible(ctx context.Context, cc conditions.Context) ([]Favorite, error) {
	cc = s.withNow(cc)
	favs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := favs[:0]
	for _, f := range favs {
		if f.Visible(cc) {
			out = append(out, f)
		}
	}
	return out, nil
}

// withNow fills a missing evaluation time with the local wall clock.
func (s *Service) withNow(cc conditions.Context) conditions.Context {
	if cc.Now.IsZero() {
		cc.Now = s.now().In(s.tz)
	}
	return cc
}

// Departures fetches live departures for one stop and optional line.
func (s *Service) Departures(ctx context.Context, stopID, lineID string) ([]siri.Departure, error) {
	if strings.TrimSpace(stopID) == "" {
		return nil, fmt.Errorf("%w: stop is required", ErrInvalid)
	}
	return s.source.Departures(ctx, stopID, lineID, s.now())
}

func sortFavorites(favs []Favorite) {
	sort.SliceStable(favs, func(i, j int) bool {
		if favs[i].Priority != favs[j].Priority {
			return favs[i].Priority < favs[j].Priority
		}
		return strings.ToLower(favs[i].Name) < strings.ToLower(favs[j].Name)
	})
}

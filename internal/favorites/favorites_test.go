package favorites

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"departureboard/internal/conditions"
	"departureboard/internal/geo"
	"departureboard/internal/refdata"
	"departureboard/internal/siri"
)

type memRepo struct {
	mu   sync.Mutex
	favs map[string]Favorite
}

func newMemRepo() *memRepo { return &memRepo{favs: map[string]Favorite{}} }

func (m *memRepo) Insert(_ context.Context, f Favorite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.favs[f.ID]; ok {
		return fmt.Errorf("duplicate %s", f.ID)
	}
	m.favs[f.ID] = f
	return nil
}

// failingRepo rejects inserts once failAfter of them succeeded.
type failingRepo struct {
	*memRepo
	failAfter int
	inserts   int
}

func (r *failingRepo) Insert(ctx context.Context, f Favorite) error {
	if r.inserts >= r.failAfter {
		return errors.New("db: connection reset")
	}
	r.inserts++
	return r.memRepo.Insert(ctx, f)
}

func (m *memRepo) Update(_ context.Context, f Favorite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.favs[f.ID]; !ok {
		return ErrNotFound
	}
	m.favs[f.ID] = f
	return nil
}

func (m *memRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.favs[id]; !ok {
		return ErrNotFound
	}
	delete(m.favs, id)
	return nil
}

func (m *memRepo) Get(_ context.Context, id string) (Favorite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.favs[id]
	if !ok {
		return Favorite{}, ErrNotFound
	}
	return f, nil
}

func (m *memRepo) List(context.Context) ([]Favorite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Favorite, 0, len(m.favs))
	for _, f := range m.favs {
		out = append(out, f)
	}
	return out, nil
}

type fakeCatalog struct{}

func (fakeCatalog) Stop(_ context.Context, id string) (refdata.Stop, error) {
	switch id {
	case "473921":
		return refdata.Stop{ID: id, Name: "Châtelet les Halles", Lat: 48.8619, Lon: 2.3470}, nil
	case "463158":
		return refdata.Stop{ID: id, Name: "Gare de Lyon", Lat: 48.8443, Lon: 2.3744}, nil
	}
	return refdata.Stop{}, fmt.Errorf("stop %s: %w", id, ErrNotFound)
}

func (fakeCatalog) Line(_ context.Context, id string) (refdata.Line, error) {
	if id == "C01742" {
		return refdata.Line{ID: id, Name: "RER A", ShortName: "A", Mode: refdata.ModeRER, Color: "E3051C"}, nil
	}
	return refdata.Line{}, fmt.Errorf("line %s: %w", id, ErrNotFound)
}

type fakeSource struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeSource) Departures(_ context.Context, stopID, lineID string, now time.Time) ([]siri.Departure, error) {
	f.mu.Lock()
	f.calls = append(f.calls, stopID+"/"+lineID)
	f.mu.Unlock()
	if err := f.fail[stopID]; err != nil {
		return nil, err
	}
	var out []siri.Departure
	for i := 1; i <= 5; i++ {
		out = append(out, siri.Departure{
			LineRef:     siri.LineRef(lineID),
			Destination: "Dest " + stopID,
			Expected:    now.Add(time.Duration(i) * 3 * time.Minute),
		})
	}
	return out, nil
}

var testNow = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC) // Monday

func newTestService(src *fakeSource) (*Service, *memRepo) {
	repo := newMemRepo()
	if src == nil {
		src = &fakeSource{}
	}
	return NewService(repo, fakeCatalog{}, src, WithClock(func() time.Time { return testNow })), repo
}

func TestAdd_AssignsIDAndTimestamps(t *testing.T) {
	svc, repo := newTestService(nil)
	f, err := svc.Add(context.Background(), Favorite{
		Name:       "  Work  ",
		StopID:     "473921",
		LineID:     "C01742",
		Conditions: []conditions.Condition{conditions.Weekdays(time.Monday)},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, "Work", f.Name)
	assert.Equal(t, testNow, f.CreatedAt)
	assert.NotEmpty(t, f.Conditions[0].ID)

	stored, err := repo.Get(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, f, stored)
}

func TestAdd_Validation(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	cases := map[string]Favorite{
		"missing name":      {StopID: "473921"},
		"missing stop":      {Name: "x"},
		"negative priority": {Name: "x", StopID: "473921", Priority: -1},
		"unknown stop":      {Name: "x", StopID: "nope"},
		"unknown line":      {Name: "x", StopID: "473921", LineID: "nope"},
		"bad condition":     {Name: "x", StopID: "473921", Conditions: []conditions.Condition{conditions.Geofence(geo.Paris, 0)}},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Add(ctx, f)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestUpdate_KeepsCreatedAt(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()
	f, err := svc.Add(ctx, Favorite{Name: "Home", StopID: "463158"})
	require.NoError(t, err)

	later := testNow.Add(time.Hour)
	svc.now = func() time.Time { return later }
	f.Name = "Home (evening)"
	f.CreatedAt = time.Time{}
	u, err := svc.Update(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, testNow, u.CreatedAt)
	assert.Equal(t, later, u.UpdatedAt)

	_, err = svc.Update(ctx, Favorite{ID: "missing", Name: "x", StopID: "463158"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemove(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()
	f, err := svc.Add(ctx, Favorite{Name: "Home", StopID: "463158"})
	require.NoError(t, err)

	require.NoError(t, svc.Remove(ctx, f.ID))
	_, err = svc.Get(ctx, f.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.Remove(ctx, f.ID), ErrNotFound)
}

func TestList_OrdersByPriorityThenName(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()
	for _, f := range []Favorite{
		{Name: "b", StopID: "463158", Priority: 1},
		{Name: "C", StopID: "463158", Priority: 0},
		{Name: "a", StopID: "463158", Priority: 1},
	} {
		_, err := svc.Add(ctx, f)
		require.NoError(t, err)
	}
	favs, err := svc.List(ctx)
	require.NoError(t, err)
	var names []string
	for _, f := range favs {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"C", "a", "b"}, names)
}

func TestVisible(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	always, err := svc.Add(ctx, Favorite{Name: "always", StopID: "463158"})
	require.NoError(t, err)
	inactive := conditions.Weekdays(time.Sunday)
	inactive.Active = false
	_, err = svc.Add(ctx, Favorite{Name: "inactive rule", StopID: "463158", Conditions: []conditions.Condition{inactive}})
	require.NoError(t, err)
	_, err = svc.Add(ctx, Favorite{Name: "weekend", StopID: "463158", Conditions: []conditions.Condition{conditions.Weekdays(time.Saturday, time.Sunday)}})
	require.NoError(t, err)
	_, err = svc.Add(ctx, Favorite{Name: "near work", StopID: "473921", Conditions: []conditions.Condition{
		conditions.Geofence(geo.Point{Lat: 48.8619, Lon: 2.3470}, 300),
		conditions.TimeRange(7*60, 10*60),
	}})
	require.NoError(t, err)

	cc := conditions.Context{Now: testNow}
	vis, err := svc.Visible(ctx, cc)
	require.NoError(t, err)
	require.Len(t, vis, 2)
	assert.Equal(t, always.ID, vis[0].ID)
	assert.Equal(t, "inactive rule", vis[1].Name)

	loc := geo.Point{Lat: 48.8620, Lon: 2.3472}
	cc.Location = &loc
	vis, err = svc.Visible(ctx, cc)
	require.NoError(t, err)
	assert.Len(t, vis, 3)
}

func TestBoard_DefaultsToLocalWallClock(t *testing.T) {
	cest := time.FixedZone("CEST", 2*60*60)
	utc := time.Date(2026, 10, 19, 5, 30, 0, 0, time.UTC) // 07:30 in Paris
	svc := NewService(newMemRepo(), fakeCatalog{}, &fakeSource{},
		WithClock(func() time.Time { return utc }), WithLocation(cest))
	ctx := context.Background()

	_, err := svc.Add(ctx, Favorite{Name: "Morning", StopID: "473921", Conditions: []conditions.Condition{
		conditions.TimeRange(7*60, 9*60),
	}})
	require.NoError(t, err)

	vis, err := svc.Visible(ctx, conditions.Context{})
	require.NoError(t, err)
	assert.Len(t, vis, 1)

	b, err := svc.Board(ctx, conditions.Context{}, 3)
	require.NoError(t, err)
	require.Len(t, b.Entries, 1)
	assert.True(t, b.GeneratedAt.Equal(utc))
	assert.Equal(t, cest, b.GeneratedAt.Location())

	utcSvc := NewService(newMemRepo(), fakeCatalog{}, &fakeSource{},
		WithClock(func() time.Time { return utc }), WithLocation(time.UTC))
	_, err = utcSvc.Add(ctx, Favorite{Name: "Morning", StopID: "473921", Conditions: []conditions.Condition{
		conditions.TimeRange(7*60, 9*60),
	}})
	require.NoError(t, err)
	vis, err = utcSvc.Visible(ctx, conditions.Context{})
	require.NoError(t, err)
	assert.Empty(t, vis)
}

func TestBoard_TrimsAndIsolatesErrors(t *testing.T) {
	src := &fakeSource{fail: map[string]error{"463158": errors.New("siri: upstream error")}}
	svc, _ := newTestService(src)
	ctx := context.Background()

	_, err := svc.Add(ctx, Favorite{Name: "Work", StopID: "473921", LineID: "C01742"})
	require.NoError(t, err)
	_, err = svc.Add(ctx, Favorite{Name: "Home", StopID: "463158", Priority: 1})
	require.NoError(t, err)

	b, err := svc.Board(ctx, conditions.Context{Now: testNow}, 3)
	require.NoError(t, err)
	require.Len(t, b.Entries, 2)
	assert.Equal(t, testNow, b.GeneratedAt)

	work := b.Entries[0]
	assert.Equal(t, "Châtelet les Halles", work.Stop.Name)
	require.NotNil(t, work.Line)
	assert.Equal(t, "RER A", work.Line.Name)
	assert.Len(t, work.Departures, 3)
	assert.Empty(t, work.Error)

	home := b.Entries[1]
	assert.Equal(t, "upstream error", strings.TrimPrefix(home.Error, "siri: "))
	assert.NotNil(t, home.Departures)
	assert.Empty(t, home.Departures)
	assert.Nil(t, home.Line)
}

func TestExportImport(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()
	f, err := svc.Add(ctx, Favorite{
		Name:   "Work",
		StopID: "473921",
		LineID: "C01742",
		Conditions: []conditions.Condition{
			conditions.TimeRange(7*60, 9*60),
			conditions.Geofence(geo.Paris, 800),
		},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, svc.Export(ctx, &buf))
	assert.Contains(t, buf.String(), "stop_id: \"473921\"")
	assert.Contains(t, buf.String(), "kind: time_range")

	other, repo := newTestService(nil)
	added, updated, err := other.Import(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 0, updated)

	got, err := repo.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Conditions, got.Conditions)

	added, updated, err = other.Import(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 1, updated)
}

func TestImport_RejectsInvalidWithoutWriting(t *testing.T) {
	svc, repo := newTestService(nil)
	in := `version: 1
favorites:
  - name: ok
    stop_id: "463158"
  - name: broken
    stop_id: unknown
`
	_, _, err := svc.Import(context.Background(), strings.NewReader(in))
	assert.ErrorIs(t, err, ErrInvalid)
	favs, _ := repo.List(context.Background())
	assert.Empty(t, favs)
}

func TestImport_StopsAtRepositoryErrorKeepingEarlierWrites(t *testing.T) {
	repo := &failingRepo{memRepo: newMemRepo(), failAfter: 1}
	svc := NewService(repo, fakeCatalog{}, &fakeSource{}, WithClock(func() time.Time { return testNow }))
	in := `version: 1
favorites:
  - name: first
    stop_id: "463158"
  - name: second
    stop_id: "473921"
`
	added, updated, err := svc.Import(context.Background(), strings.NewReader(in))
	require.Error(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 0, updated)

	favs, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, favs, 1)
	assert.Equal(t, "first", favs[0].Name)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"departureboard/internal/config"
	"departureboard/internal/db"
	"departureboard/internal/favorites"
	"departureboard/internal/geo"
	"departureboard/internal/location"
	"departureboard/internal/refdata"
	"departureboard/internal/refresher"
	"departureboard/internal/siri"
	"departureboard/internal/snapshot"
)

var chatelet = refdata.Stop{ID: "473921", Name: "Châtelet les Halles", Lat: 48.8619, Lon: 2.3470, Lines: []string{"C01742"}}

var rerA = refdata.Line{ID: "C01742", Name: "RER A", ShortName: "A", Mode: refdata.ModeRER, Color: "E3051C"}

type fakeReference struct{}

func (fakeReference) Stop(_ context.Context, id string) (refdata.Stop, error) {
	if id == chatelet.ID {
		return chatelet, nil
	}
	return refdata.Stop{}, fmt.Errorf("stop %s: %w: %w", id, favorites.ErrNotFound, db.ErrNotFound)
}

func (fakeReference) Line(_ context.Context, id string) (refdata.Line, error) {
	if id == rerA.ID {
		return rerA, nil
	}
	return refdata.Line{}, fmt.Errorf("line %s: %w: %w", id, favorites.ErrNotFound, db.ErrNotFound)
}

func (fakeReference) SearchStops(_ context.Context, q string, limit int) ([]refdata.Stop, error) {
	if strings.Contains(strings.ToLower(chatelet.Name), strings.ToLower(q)) && limit > 0 {
		return []refdata.Stop{chatelet}, nil
	}
	return []refdata.Stop{}, nil
}

func (fakeReference) StopsNear(_ context.Context, center geo.Point, radius float64, limit int) ([]db.NearbyStop, error) {
	d := geo.Distance(center, chatelet.Point())
	if d > radius {
		return []db.NearbyStop{}, nil
	}
	return []db.NearbyStop{{Stop: chatelet, DistanceMeters: d}}, nil
}

func (fakeReference) LinesForStop(_ context.Context, stopID string) ([]refdata.Line, error) {
	return []refdata.Line{rerA}, nil
}

func (fakeReference) SearchLines(_ context.Context, q string, limit int) ([]refdata.Line, error) {
	return []refdata.Line{rerA}, nil
}

type memRepo struct {
	mu   sync.Mutex
	favs map[string]favorites.Favorite
}

func (m *memRepo) Insert(_ context.Context, f favorites.Favorite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.favs[f.ID] = f
	return nil
}

func (m *memRepo) Update(_ context.Context, f favorites.Favorite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.favs[f.ID]; !ok {
		return favorites.ErrNotFound
	}
	m.favs[f.ID] = f
	return nil
}

func (m *memRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.favs[id]; !ok {
		return favorites.ErrNotFound
	}
	delete(m.favs, id)
	return nil
}

func (m *memRepo) Get(_ context.Context, id string) (favorites.Favorite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.favs[id]
	if !ok {
		return favorites.Favorite{}, favorites.ErrNotFound
	}
	return f, nil
}

func (m *memRepo) List(context.Context) ([]favorites.Favorite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]favorites.Favorite, 0, len(m.favs))
	for _, f := range m.favs {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeSource struct{ err error }

func (f fakeSource) Departures(_ context.Context, stopID, lineID string, now time.Time) ([]siri.Departure, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]siri.Departure, 0, 4)
	for i := 1; i <= 4; i++ {
		out = append(out, siri.Departure{
			LineRef:     siri.LineRef(lineID),
			Destination: "Boissy-Saint-Léger",
			Expected:    now.Add(time.Duration(i) * 4 * time.Minute),
		})
	}
	return out, nil
}

type memSettings struct{ m map[string]string }

func (s *memSettings) All(context.Context) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range s.m {
		out[k] = v
	}
	return out, nil
}

func (s *memSettings) Put(_ context.Context, k, v string) error {
	s.m[k] = v
	return nil
}

type noSnapshots struct{}

func (noSnapshots) Latest(context.Context) (snapshot.Snapshot, error) {
	return snapshot.Snapshot{}, snapshot.ErrNoSnapshot
}

type routeCounter struct {
	mu     sync.Mutex
	routes []string
}

func (r *routeCounter) HTTPRequest(method, route string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, fmt.Sprintf("%s %s %d", method, route, status))
}

type env struct {
	router   *gin.Engine
	repo     *memRepo
	tracker  *location.Tracker
	mgr      *refresher.Manager
	settings *memSettings
	metrics  *routeCounter
}

func newEnv(t *testing.T, src fakeSource) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := &memRepo{favs: map[string]favorites.Favorite{}}
	svc := favorites.NewService(repo, fakeReference{}, src)
	tracker := location.NewTracker(30 * time.Minute)
	mgr := refresher.NewManager(refresher.Config{Interval: time.Minute, PerFavorite: 3, MaxEntries: 4, TZ: time.UTC}, svc, nil, nil, tracker, nil)
	settings := &memSettings{m: map[string]string{}}
	metrics := &routeCounter{}

	defaults := (&config.Config{RefreshInterval: time.Minute, DeparturesPerFavorite: 3, WidgetMaxFavorites: 4}).Settings()
	r := NewRouter(Deps{
		Reference: fakeReference{},
		Favorites: svc,
		Tracker:   tracker,
		Refresher: mgr,
		Snapshots: noSnapshots{},
		Settings:  settings,
		Defaults:  defaults,
		Metrics:   metrics,
		Version:   "test",
	})
	return &env{router: r, repo: repo, tracker: tracker, mgr: mgr, settings: settings, metrics: metrics}
}

func (e *env) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func TestHealth(t *testing.T) {
	e := newEnv(t, fakeSource{})
	code, body := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "test", body["version"])
}

func TestHealth_Degraded(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(Deps{Health: func(context.Context) error { return errors.New("db down") }})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db down")
}

func TestReferenceRoutes(t *testing.T) {
	e := newEnv(t, fakeSource{})

	code, body := e.do(t, http.MethodGet, "/stops?q=chat", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["stops"], 1)

	code, _ = e.do(t, http.MethodGet, "/stops?q=chat&limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, http.MethodGet, "/stops/near?lat=48.8620&lon=2.3472&radius=200", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["stops"], 1)

	code, _ = e.do(t, http.MethodGet, "/stops/near?lat=48.8620", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, http.MethodGet, "/stops/473921", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Châtelet les Halles", body["stop"].(map[string]any)["name"])

	code, body = e.do(t, http.MethodGet, "/stops/999", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["ok"])

	code, body = e.do(t, http.MethodGet, "/stops/473921/lines", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["lines"], 1)

	code, _ = e.do(t, http.MethodGet, "/lines/C01742", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodGet, "/lines/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestFavoritesCRUD(t *testing.T) {
	e := newEnv(t, fakeSource{})

	code, body := e.do(t, http.MethodPost, "/favorites", map[string]any{
		"name": "Work", "stop_id": "473921", "line_id": "C01742", "priority": 1,
	})
	require.Equal(t, http.StatusCreated, code, body)
	id := body["favorite"].(map[string]any)["id"].(string)
	require.NotEmpty(t, id)

	code, _ = e.do(t, http.MethodPost, "/favorites", map[string]any{"name": "Bad", "stop_id": "999"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, http.MethodGet, "/favorites/"+id, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Work", body["favorite"].(map[string]any)["name"])

	code, body = e.do(t, http.MethodPut, "/favorites/"+id, map[string]any{
		"name": "Office", "stop_id": "473921", "priority": 2,
	})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Office", body["favorite"].(map[string]any)["name"])

	code, _ = e.do(t, http.MethodPut, "/favorites/missing", map[string]any{"name": "X", "stop_id": "473921"})
	assert.Equal(t, http.StatusNotFound, code)

	code, body = e.do(t, http.MethodGet, "/favorites", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["favorites"], 1)

	code, _ = e.do(t, http.MethodDelete, "/favorites/"+id, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodDelete, "/favorites/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestVisibleFavorites_UsesQueryLocation(t *testing.T) {
	e := newEnv(t, fakeSource{})
	_, body := e.do(t, http.MethodPost, "/favorites", map[string]any{
		"name": "Near Châtelet", "stop_id": "473921",
		"conditions": []map[string]any{{
			"kind": "geofence", "active": true,
			"center":        map[string]any{"lat": 48.8619, "lon": 2.3470},
			"radius_meters": 300,
		}},
	})
	require.Equal(t, true, body["ok"], body)

	code, body := e.do(t, http.MethodGet, "/favorites/visible", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["favorites"], "unknown location never matches a geofence")

	code, body = e.do(t, http.MethodGet, "/favorites/visible?lat=48.8621&lon=2.3475", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["favorites"], 1)

	code, body = e.do(t, http.MethodGet, "/favorites/visible?lat=48.90&lon=2.20", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["favorites"])
}

func TestLocationFeedsTheBoard(t *testing.T) {
	e := newEnv(t, fakeSource{})
	_, body := e.do(t, http.MethodPost, "/favorites", map[string]any{
		"name": "Near Châtelet", "stop_id": "473921", "line_id": "C01742",
		"conditions": []map[string]any{{
			"kind": "geofence", "active": true,
			"center":        map[string]any{"lat": 48.8619, "lon": 2.3470},
			"radius_meters": 300,
		}},
	})
	require.Equal(t, true, body["ok"], body)

	code, body := e.do(t, http.MethodGet, "/board", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["board"].(map[string]any)["entries"])

	code, _ = e.do(t, http.MethodPost, "/location", map[string]any{"lat": 95.0, "lon": 2.0})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, http.MethodPost, "/location", map[string]any{"lat": 48.8620})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/location", map[string]any{"lat": 48.8620, "lon": 2.3472, "accuracy_m": 15})
	require.Equal(t, http.StatusOK, code)

	code, body = e.do(t, http.MethodGet, "/board?per_favorite=2", nil)
	assert.Equal(t, http.StatusOK, code)
	entries := body["board"].(map[string]any)["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].(map[string]any)["departures"], 2)
}

func TestRefreshAndWidget(t *testing.T) {
	e := newEnv(t, fakeSource{})

	code, _ := e.do(t, http.MethodGet, "/widget", nil)
	assert.Equal(t, http.StatusNotFound, code, "nothing refreshed yet")

	_, body := e.do(t, http.MethodPost, "/favorites", map[string]any{"name": "Work", "stop_id": "473921", "line_id": "C01742"})
	require.Equal(t, true, body["ok"], body)

	code, body = e.do(t, http.MethodPost, "/refresh", nil)
	require.Equal(t, http.StatusOK, code, body)
	entries := body["snapshot"].(map[string]any)["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "A", entries[0].(map[string]any)["line_name"])

	code, body = e.do(t, http.MethodGet, "/widget", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["stale"])
}

func TestDepartures_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{siri.ErrMissingAPIKey, http.StatusServiceUnavailable},
		{&siri.StatusError{StatusCode: 401}, http.StatusBadGateway},
		{&siri.StatusError{StatusCode: 429}, http.StatusTooManyRequests},
		{&siri.StatusError{StatusCode: 404}, http.StatusNotFound},
		{&siri.StatusError{StatusCode: 503}, http.StatusBadGateway},
		{fmt.Errorf("decode: %w", siri.ErrDecode), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			e := newEnv(t, fakeSource{err: tt.err})
			code, body := e.do(t, http.MethodGet, "/departures?stop=473921", nil)
			assert.Equal(t, tt.want, code)
			assert.Equal(t, false, body["ok"])
		})
	}

	e := newEnv(t, fakeSource{})
	code, body := e.do(t, http.MethodGet, "/departures?stop=473921&line=C01742", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["departures"], 4)

	code, _ = e.do(t, http.MethodGet, "/departures", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSettings(t *testing.T) {
	e := newEnv(t, fakeSource{})

	code, body := e.do(t, http.MethodGet, "/settings", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "60", body["settings"].(map[string]any)[config.SettingRefreshInterval])

	code, _ = e.do(t, http.MethodPut, "/settings", map[string]any{config.SettingRefreshInterval: 5})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, http.MethodPut, "/settings", map[string]any{"colour": "red"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Empty(t, e.settings.m, "nothing stored on invalid input")

	code, body = e.do(t, http.MethodPut, "/settings", map[string]any{
		config.SettingRefreshInterval:       120,
		config.SettingDeparturesPerFavorite: "5",
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "120", e.settings.m[config.SettingRefreshInterval])
	assert.Equal(t, 2*time.Minute, e.mgr.Interval())
	perFavorite, maxEntries := e.mgr.Limits()
	assert.Equal(t, 5, perFavorite)
	assert.Equal(t, 4, maxEntries)
}

func TestConvertLambert93(t *testing.T) {
	e := newEnv(t, fakeSource{})
	code, body := e.do(t, http.MethodPost, "/convert/lambert93", map[string]any{"x": 700000, "y": 6600000})
	require.Equal(t, http.StatusOK, code)
	assert.InDelta(t, 46.5, body["lat"], 1e-6)
	assert.InDelta(t, 3.0, body["lon"], 1e-6)

	code, _ = e.do(t, http.MethodPost, "/convert/lambert93", map[string]any{"x": 1})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, http.MethodPost, "/convert/lambert93", map[string]any{"x": 700000, "y": 12655612.049876})
	assert.Equal(t, http.StatusBadRequest, code, "projection pole")
	assert.Equal(t, false, body["ok"])
}

func TestRequestLogger_RecordsRouteTemplate(t *testing.T) {
	e := newEnv(t, fakeSource{})
	req := httptest.NewRequest(http.MethodGet, "/stops/473921", nil)
	req.Header.Set("X-Request-Id", "abc123")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	assert.Equal(t, "abc123", rec.Header().Get("X-Request-Id"))
	assert.Contains(t, e.metrics.routes, "GET /stops/:id 200")

	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Regexp(t, `^[0-9a-f]{32}$`, rec.Header().Get("X-Request-Id"))
	assert.Contains(t, e.metrics.routes, "GET unmatched 404")
}

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"departureboard/internal/conditions"
	"departureboard/internal/config"
	"departureboard/internal/db"
	"departureboard/internal/favorites"
	"departureboard/internal/geo"
	"departureboard/internal/location"
	"departureboard/internal/refresher"
	"departureboard/internal/siri"
	"departureboard/internal/snapshot"
)

const (
	defaultLimit  = 20
	maxLimit      = 100
	defaultRadius = 500.0
	maxRadius     = 5000.0
)

// statusFor maps domain errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, siri.ErrMissingAPIKey):
		return http.StatusServiceUnavailable
	case errors.Is(err, siri.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, favorites.ErrNotFound), errors.Is(err, db.ErrNotFound), errors.Is(err, siri.ErrNotFound),
		errors.Is(err, refresher.ErrNotStarted), errors.Is(err, snapshot.ErrNoSnapshot):
		return http.StatusNotFound
	case errors.Is(err, favorites.ErrInvalid), errors.Is(err, conditions.ErrInvalid), errors.Is(err, siri.ErrBadRequest),
		errors.Is(err, location.ErrInvalidPoint), errors.Is(err, config.ErrUnknownSetting):
		return http.StatusBadRequest
	case errors.Is(err, siri.ErrUnauthorized), errors.Is(err, siri.ErrUpstream), errors.Is(err, siri.ErrDecode):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"ok": false, "error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": msg})
}

func queryInt(c *gin.Context, key string, def, max int) (int, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}

func queryFloat(c *gin.Context, key string) (float64, bool, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	return f, true, err
}

// queryPoint reads lat and lon. Both must be given together.
func queryPoint(c *gin.Context) (*geo.Point, error) {
	lat, hasLat, err := queryFloat(c, "lat")
	if err != nil {
		return nil, location.ErrInvalidPoint
	}
	lon, hasLon, err := queryFloat(c, "lon")
	if err != nil {
		return nil, location.ErrInvalidPoint
	}
	if !hasLat && !hasLon {
		return nil, nil
	}
	p := geo.Point{Lat: lat, Lon: lon}
	if hasLat != hasLon || !p.Valid() {
		return nil, location.ErrInvalidPoint
	}
	return &p, nil
}

// --- reference data ---

func (h *Handler) searchStops(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultLimit, maxLimit)
	if !ok {
		badRequest(c, "invalid limit")
		return
	}
	stops, err := h.Reference.SearchStops(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "stops": stops})
}

func (h *Handler) stopsNear(c *gin.Context) {
	p, err := queryPoint(c)
	if err != nil {
		fail(c, err)
		return
	}
	center := geo.OrDefault(h.Center, geo.Paris)
	if p != nil {
		center = *p
	} else if h.Tracker != nil {
		center = h.Tracker.CurrentOr(center)
	}

	radius := defaultRadius
	if r, has, err := queryFloat(c, "radius"); err != nil || (has && r <= 0) {
		badRequest(c, "invalid radius")
		return
	} else if has {
		radius = min(r, maxRadius)
	}
	limit, ok := queryInt(c, "limit", defaultLimit, maxLimit)
	if !ok {
		badRequest(c, "invalid limit")
		return
	}

	stops, err := h.Reference.StopsNear(c.Request.Context(), center, radius, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "center": center, "radius_m": radius, "stops": stops})
}

func (h *Handler) getStop(c *gin.Context) {
	st, err := h.Reference.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "stop": st})
}

func (h *Handler) stopLines(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.Reference.Stop(ctx, id); err != nil {
		fail(c, err)
		return
	}
	lines, err := h.Reference.LinesForStop(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "lines": lines})
}

func (h *Handler) searchLines(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultLimit, maxLimit)
	if !ok {
		badRequest(c, "invalid limit")
		return
	}
	lines, err := h.Reference.SearchLines(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "lines": lines})
}

func (h *Handler) getLine(c *gin.Context) {
	l, err := h.Reference.Line(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "line": l})
}

// --- favorites ---

func (h *Handler) listFavorites(c *gin.Context) {
	favs, err := h.Favorites.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "favorites": favs})
}

func (h *Handler) createFavorite(c *gin.Context) {
	var f favorites.Favorite
	if err := c.ShouldBindJSON(&f); err != nil {
		badRequest(c, "invalid body")
		return
	}
	created, err := h.Favorites.Add(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	h.Refresher.Trigger()
	c.JSON(http.StatusCreated, gin.H{"ok": true, "favorite": created})
}

func (h *Handler) getFavorite(c *gin.Context) {
	f, err := h.Favorites.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "favorite": f})
}

func (h *Handler) updateFavorite(c *gin.Context) {
	var f favorites.Favorite
	if err := c.ShouldBindJSON(&f); err != nil {
		badRequest(c, "invalid body")
		return
	}
	f.ID = c.Param("id")
	updated, err := h.Favorites.Update(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	h.Refresher.Trigger()
	c.JSON(http.StatusOK, gin.H{"ok": true, "favorite": updated})
}

func (h *Handler) deleteFavorite(c *gin.Context) {
	if err := h.Favorites.Remove(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	h.Refresher.Trigger()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// visibleFavorites evaluates conditions now, at lat/lon when given, else at the tracked location.
func (h *Handler) visibleFavorites(c *gin.Context) {
	p, err := queryPoint(c)
	if err != nil {
		fail(c, err)
		return
	}
	cc := h.Refresher.ConditionContext()
	if p != nil {
		cc.Location = p
	}
	favs, err := h.Favorites.Visible(c.Request.Context(), cc)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "at": cc.Now, "location": cc.Location, "favorites": favs})
}

// --- live data ---

func (h *Handler) departures(c *gin.Context) {
	stop := strings.TrimSpace(c.Query("stop"))
	if stop == "" {
		badRequest(c, "stop is required")
		return
	}
	deps, err := h.Favorites.Departures(c.Request.Context(), stop, strings.TrimSpace(c.Query("line")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "departures": deps})
}

type locationReq struct {
	Lat        *float64  `json:"lat"`
	Lon        *float64  `json:"lon"`
	AccuracyM  float64   `json:"accuracy_m"`
	ReportedAt time.Time `json:"reported_at"`
}

func (h *Handler) reportLocation(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Lat == nil || req.Lon == nil {
		badRequest(c, "invalid body")
		return
	}
	fix, err := h.Tracker.Report(geo.Point{Lat: *req.Lat, Lon: *req.Lon}, req.AccuracyM, req.ReportedAt)
	if err != nil {
		fail(c, err)
		return
	}
	h.Refresher.Trigger()
	c.JSON(http.StatusOK, gin.H{"ok": true, "location": fix})
}

func (h *Handler) board(c *gin.Context) {
	perFavorite, _ := h.Refresher.Limits()
	if n, ok := queryInt(c, "per_favorite", perFavorite, 10); ok {
		perFavorite = n
	} else {
		badRequest(c, "invalid per_favorite")
		return
	}
	b, err := h.Favorites.Board(c.Request.Context(), h.Refresher.ConditionContext(), perFavorite)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "board": b})
}

func (h *Handler) refresh(c *gin.Context) {
	s, err := h.Refresher.RefreshNow(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "snapshot": s})
}

// widget serves the shared snapshot, falling back to the one held in memory.
func (h *Handler) widget(c *gin.Context) {
	var (
		s   snapshot.Snapshot
		err error
	)
	if h.Snapshots != nil {
		s, err = h.Snapshots.Latest(c.Request.Context())
	}
	if h.Snapshots == nil || err != nil {
		s, err = h.Refresher.Last()
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "stale": s.Stale(time.Now()), "snapshot": s})
}

// --- settings ---

func (h *Handler) currentSettings(c *gin.Context) (map[string]string, error) {
	out := make(map[string]string, len(h.Defaults))
	for k, v := range h.Defaults {
		out[k] = v
	}
	stored, err := h.Settings.All(c.Request.Context())
	if err != nil {
		return nil, err
	}
	for k, v := range stored {
		out[k] = v
	}
	return out, nil
}

func (h *Handler) getSettings(c *gin.Context) {
	s, err := h.currentSettings(c)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "settings": s})
}

// putSettings validates every value before storing any, then applies them to the refresher.
func (h *Handler) putSettings(c *gin.Context) {
	var req map[string]any
	if err := c.ShouldBindJSON(&req); err != nil || len(req) == 0 {
		badRequest(c, "invalid body")
		return
	}
	values := make(map[string]string, len(req))
	for k, raw := range req {
		var v string
		switch t := raw.(type) {
		case string:
			v = strings.TrimSpace(t)
		case float64:
			v = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			badRequest(c, "invalid value for "+k)
			return
		}
		if _, err := config.ParseSetting(k, v); err != nil {
			badRequest(c, err.Error())
			return
		}
		values[k] = v
	}

	ctx := c.Request.Context()
	for _, k := range config.SettingKeys() {
		v, ok := values[k]
		if !ok {
			continue
		}
		if err := h.Settings.Put(ctx, k, v); err != nil {
			fail(c, err)
			return
		}
	}

	current, err := h.currentSettings(c)
	if err != nil {
		fail(c, err)
		return
	}
	h.apply(current)
	c.JSON(http.StatusOK, gin.H{"ok": true, "settings": current})
}

func (h *Handler) apply(settings map[string]string) {
	get := func(k string) int {
		n, err := config.ParseSetting(k, settings[k])
		if err != nil {
			return 0
		}
		return n
	}
	if n := get(config.SettingRefreshInterval); n > 0 {
		h.Refresher.SetInterval(time.Duration(n) * time.Second)
	}
	h.Refresher.SetLimits(get(config.SettingDeparturesPerFavorite), get(config.SettingWidgetMaxFavorites))
}

// --- tools ---

type lambertReq struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

func (h *Handler) convertLambert93(c *gin.Context) {
	var req lambertReq
	if err := c.ShouldBindJSON(&req); err != nil || req.X == nil || req.Y == nil {
		badRequest(c, "x and y are required")
		return
	}
	p, err := geo.FromLambert93(*req.X, *req.Y)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "lat": p.Lat, "lon": p.Lon})
}

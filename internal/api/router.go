// Package api exposes the board, favorites and reference data over HTTP.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"departureboard/internal/db"
	"departureboard/internal/favorites"
	"departureboard/internal/geo"
	"departureboard/internal/location"
	"departureboard/internal/refdata"
	"departureboard/internal/refresher"
	"departureboard/internal/snapshot"
)

// Reference is the read side of the imported stop and line dataset.
type Reference interface {
	Stop(ctx context.Context, id string) (refdata.Stop, error)
	Line(ctx context.Context, id string) (refdata.Line, error)
	SearchStops(ctx context.Context, q string, limit int) ([]refdata.Stop, error)
	StopsNear(ctx context.Context, center geo.Point, radius float64, limit int) ([]db.NearbyStop, error)
	LinesForStop(ctx context.Context, stopID string) ([]refdata.Line, error)
	SearchLines(ctx context.Context, q string, limit int) ([]refdata.Line, error)
}

type SnapshotReader interface {
	Latest(ctx context.Context) (snapshot.Snapshot, error)
}

type Settings interface {
	All(ctx context.Context) (map[string]string, error)
	Put(ctx context.Context, key, value string) error
}

type RequestMetrics interface {
	HTTPRequest(method, route string, status int)
}

type Deps struct {
	Reference Reference
	Favorites *favorites.Service
	Tracker   *location.Tracker
	Refresher *refresher.Manager
	Snapshots SnapshotReader // optional
	Settings  Settings
	Defaults  map[string]string
	Center    geo.Point      // used by /stops/near when no location is known
	Metrics   RequestMetrics // optional
	Health    func(ctx context.Context) error
	Version   string
}

type Handler struct {
	Deps
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Metrics))
	h := &Handler{Deps: d}
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.health)

	r.GET("/stops", h.searchStops)
	r.GET("/stops/near", h.stopsNear)
	r.GET("/stops/:id", h.getStop)
	r.GET("/stops/:id/lines", h.stopLines)
	r.GET("/lines", h.searchLines)
	r.GET("/lines/:id", h.getLine)

	r.GET("/favorites", h.listFavorites)
	r.POST("/favorites", h.createFavorite)
	r.GET("/favorites/visible", h.visibleFavorites)
	r.GET("/favorites/:id", h.getFavorite)
	r.PUT("/favorites/:id", h.updateFavorite)
	r.DELETE("/favorites/:id", h.deleteFavorite)

	r.GET("/departures", h.departures)
	r.POST("/location", h.reportLocation)
	r.GET("/board", h.board)
	r.POST("/refresh", h.refresh)
	r.GET("/widget", h.widget)

	r.GET("/settings", h.getSettings)
	r.PUT("/settings", h.putSettings)

	r.POST("/convert/lambert93", h.convertLambert93)
}

func (h *Handler) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"ok": true, "status": "healthy", "service": "departureboard", "version": h.Version}
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = gin.H{"ok": false, "status": "degraded", "service": "departureboard", "version": h.Version, "error": err.Error()}
		}
	}
	c.JSON(status, body)
}

// requestLogger tags every request with an id and logs it once it completes.
func requestLogger(m RequestMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-Id")
		if strings.TrimSpace(rid) == "" {
			rid = newRequestID()
		}
		c.Set("request_id", rid)
		c.Writer.Header().Set("X-Request-Id", rid)

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		slog.Info("http.request",
			"id", rid,
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"latency", time.Since(start),
		)
		if m != nil {
			m.HTTPRequest(c.Request.Method, route, status)
		}
	}
}

func newRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err == nil {
		return hex.EncodeToString(b)
	}
	return time.Now().UTC().Format("20060102T150405.000000000")
}

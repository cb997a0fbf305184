package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector methods are safe on a nil receiver so components can run without metrics.
type Collector struct {
	reg *prometheus.Registry

	Refreshes        prometheus.Counter
	RefreshErrors    prometheus.Counter
	RefreshDuration  prometheus.Histogram
	VisibleFavorites prometheus.Gauge
	BoardEntryErrors prometheus.Counter

	APIRequests *prometheus.CounterVec // status label: HTTP code or "error"
	APIDuration prometheus.Histogram

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	SnapshotWrites   *prometheus.CounterVec // result label: ok|error
	ReferenceImports *prometheus.CounterVec // result label: imported|skipped|error

	HTTPRequests *prometheus.CounterVec // method, route, status

	RefreshInterval prometheus.Gauge // seconds
}

func NewCollector(refreshInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "departureboard_refreshes_total",
			Help: "Total board refreshes.",
		}),
		RefreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "departureboard_refresh_errors_total",
			Help: "Board refreshes that failed before a snapshot was built.",
		}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "departureboard_refresh_duration_seconds",
			Help:    "Duration of a full board refresh.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		VisibleFavorites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "departureboard_visible_favorites",
			Help: "Favorites visible at the last refresh.",
		}),
		BoardEntryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "departureboard_board_entry_errors_total",
			Help: "Board entries whose departures could not be fetched.",
		}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "departureboard_siri_requests_total",
			Help: "Stop-monitoring requests by response status.",
		}, []string{"status"}),
		APIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "departureboard_siri_request_duration_seconds",
			Help:    "Latency of stop-monitoring requests.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "departureboard_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "departureboard_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "departureboard_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "departureboard_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SnapshotWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "departureboard_snapshot_writes_total",
			Help: "Widget snapshot writes by result.",
		}, []string{"result"}),
		ReferenceImports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "departureboard_reference_imports_total",
			Help: "Reference dataset import runs by result.",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "departureboard_http_requests_total",
			Help: "HTTP API requests.",
		}, []string{"method", "route", "status"}),
		RefreshInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "departureboard_refresh_interval_seconds",
			Help: "Board refresh interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.Refreshes, c.RefreshErrors, c.RefreshDuration, c.VisibleFavorites, c.BoardEntryErrors,
		c.APIRequests, c.APIDuration,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.SnapshotWrites, c.ReferenceImports, c.HTTPRequests, c.RefreshInterval,
	)
	c.RefreshInterval.Set(refreshInterval.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics.server_error", "err", err)
		}
	}()
	slog.Info("metrics.listening", "addr", addr)
	return srv
}

// ObserveRequest records one stop-monitoring attempt.
func (c *Collector) ObserveRequest(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.APIRequests.WithLabelValues(status).Inc()
	c.APIDuration.Observe(d.Seconds())
}

func (c *Collector) NATSPublishedInc() {
	if c != nil {
		c.NATSPublished.Inc()
	}
}

func (c *Collector) NATSPublishErrInc() {
	if c != nil {
		c.NATSPublishErrs.Inc()
	}
}

func (c *Collector) PublishObserve(d time.Duration) {
	if c != nil {
		c.PublishDuration.Observe(d.Seconds())
	}
}

func (c *Collector) NATSSetConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

// ObserveRefresh records a refresh outcome.
func (c *Collector) ObserveRefresh(d time.Duration, visible, entryErrors int, err error) {
	if c == nil {
		return
	}
	c.Refreshes.Inc()
	c.RefreshDuration.Observe(d.Seconds())
	if err != nil {
		c.RefreshErrors.Inc()
		return
	}
	c.VisibleFavorites.Set(float64(visible))
	c.BoardEntryErrors.Add(float64(entryErrors))
}

func (c *Collector) SnapshotWritten(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.SnapshotWrites.WithLabelValues("error").Inc()
		return
	}
	c.SnapshotWrites.WithLabelValues("ok").Inc()
}

func (c *Collector) SetRefreshInterval(d time.Duration) {
	if c != nil {
		c.RefreshInterval.Set(d.Seconds())
	}
}

// ReferenceImported records an import run: imported, skipped or error.
func (c *Collector) ReferenceImported(result string) {
	if c != nil {
		c.ReferenceImports.WithLabelValues(result).Inc()
	}
}

func (c *Collector) HTTPRequest(method, route string, status int) {
	if c != nil {
		c.HTTPRequests.WithLabelValues(method, route, httpStatus(status)).Inc()
	}
}

func httpStatus(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

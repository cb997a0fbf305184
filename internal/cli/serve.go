package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"departureboard/internal/api"
	"departureboard/internal/db"
	"departureboard/internal/favorites"
	"departureboard/internal/geo"
	"departureboard/internal/location"
	"departureboard/internal/metrics"
	"departureboard/internal/publisher"
	"departureboard/internal/refdata"
	"departureboard/internal/refresher"
	"departureboard/internal/scheduler"
	"departureboard/internal/siri"
	"departureboard/internal/snapshot"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the refresh loop and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg

	sqlDB, err := a.openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := db.Migrate(ctx, sqlDB); err != nil {
		return err
	}

	// Reference data: import the dataset on first start or when it changed.
	importFn := func(ctx context.Context, ds *refdata.Dataset, force bool) (db.ImportStats, bool, error) {
		return db.ImportIfChanged(ctx, sqlDB, ds, force)
	}
	loadFn := func() (*refdata.Dataset, error) { return refdata.Load(cfg.ReferenceDataPath) }

	// Stored settings override the environment.
	stored, err := db.GetSettings(ctx, sqlDB)
	if err != nil {
		return err
	}
	if err := cfg.ApplySettings(stored); err != nil {
		slog.Warn("settings.invalid_ignored", "err", err)
	}

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.RefreshInterval)
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	reimport := scheduler.ReimportJob{Load: loadFn, Import: importFn, Timeout: 5 * time.Minute}
	if mcol != nil {
		reimport.Metrics = mcol
	}
	if err := reimport.Run(ctx); err != nil {
		return err
	}

	rdb := a.redisClient()
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis.unavailable", "addr", cfg.RedisAddr, "err", err)
	}
	store := snapshot.NewRedisStore(rdb, cfg.SnapshotTTL)

	var clientMetrics siri.ClientMetrics
	if mcol != nil {
		clientMetrics = mcol
	}
	client := a.siriClient(clientMetrics)
	catalog := db.Catalog{DB: sqlDB}
	favs := favorites.NewService(db.FavoriteRepo{DB: sqlDB}, catalog, client, favorites.WithLocation(cfg.Location))
	tracker := location.NewTracker(cfg.LocationMaxAge)

	var pub refresher.SnapshotPublisher
	if cfg.NATSURL != "" {
		var pm publisher.PublisherMetrics
		if mcol != nil {
			pm = mcol
		}
		np, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, pm)
		if err != nil {
			// the widget still reads Redis; NATS only announces updates
			slog.Warn("nats.unavailable", "url", cfg.NATSURL, "err", err)
		} else {
			defer np.Close()
			pub = np
			slog.Info("nats.connected", "subject", np.Subject())
		}
	}

	var refreshMetrics refresher.Metrics
	if mcol != nil {
		refreshMetrics = mcol
	}
	mgr := refresher.NewManager(refresher.Config{
		Interval:    cfg.RefreshInterval,
		PerFavorite: cfg.DeparturesPerFavorite,
		MaxEntries:  cfg.WidgetMaxFavorites,
		TZ:          cfg.Location,
	}, favs, store, pub, tracker, refreshMetrics)
	mgr.Start(ctx)

	var sched *scheduler.Scheduler
	if cfg.ReimportSchedule != "" {
		sched, err = scheduler.New(cfg.ReimportSchedule, cfg.Location, reimport.Run)
		if err != nil {
			mgr.Stop()
			return err
		}
		sched.Start()
	}

	gin.SetMode(gin.ReleaseMode)
	deps := api.Deps{
		Reference: catalog,
		Favorites: favs,
		Tracker:   tracker,
		Refresher: mgr,
		Snapshots: store,
		Settings:  db.SettingsStore{DB: sqlDB},
		Defaults:  cfg.Settings(),
		Center:    geo.OrDefault(geo.Point{Lat: cfg.DefaultLat, Lon: cfg.DefaultLon}, geo.Paris),
		Health:    func(ctx context.Context) error { return db.Ping(ctx, sqlDB) },
		Version:   a.version,
	}
	if mcol != nil {
		deps.Metrics = mcol
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http.listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Block until context cancelled or the server fails
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if sched != nil {
		sched.Stop()
	}
	mgr.Stop()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	slog.Info("shutdown complete")
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

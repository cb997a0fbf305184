// Package scheduler runs the nightly reference-data reimport.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"departureboard/internal/db"
	"departureboard/internal/refdata"
)

type LoadFunc func() (*refdata.Dataset, error)

type ImportFunc func(ctx context.Context, ds *refdata.Dataset, force bool) (db.ImportStats, bool, error)

type ImportMetrics interface {
	ReferenceImported(result string)
}

// ReimportJob loads the dataset and imports it when its version changed.
type ReimportJob struct {
	Load    LoadFunc
	Import  ImportFunc
	Metrics ImportMetrics
	Timeout time.Duration
}

func (j ReimportJob) Run(ctx context.Context) error {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	ds, err := j.Load()
	if err != nil {
		j.record("error")
		return fmt.Errorf("load reference data: %w", err)
	}
	st, imported, err := j.Import(ctx, ds, false)
	if err != nil {
		j.record("error")
		return fmt.Errorf("import reference data: %w", err)
	}
	if !imported {
		j.record("skipped")
		slog.Info("reimport.skipped", "version", st.Version)
		return nil
	}
	j.record("imported")
	slog.Info("reimport.done", "version", st.Version, "stops", st.Stops, "lines", st.Lines, "line_stops", st.LineStops)
	return nil
}

func (j ReimportJob) record(result string) {
	if j.Metrics != nil {
		j.Metrics.ReferenceImported(result)
	}
}

type Scheduler struct {
	c      *cron.Cron
	cancel context.CancelFunc
}

// New schedules job on a six-field cron spec (seconds first) evaluated in tz.
func New(spec string, tz *time.Location, job func(ctx context.Context) error) (*Scheduler, error) {
	if tz == nil {
		tz = time.Local
	}
	logger := slogLogger{}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(tz),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.AddFunc(spec, func() {
		if err := job(ctx); err != nil && ctx.Err() == nil {
			slog.Error("scheduler.job_failed", "spec", spec, "err", err)
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return &Scheduler{c: c, cancel: cancel}, nil
}

func (s *Scheduler) Start() {
	s.c.Start()
	for _, e := range s.c.Entries() {
		slog.Info("scheduler.started", "next", e.Next)
	}
}

// Stop cancels a running job and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.c.Stop().Done()
}

type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron."+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron."+msg, append([]any{"err", err}, keysAndValues...)...)
}

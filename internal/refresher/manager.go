// Package refresher periodically rebuilds the departure board and hands the widget snapshot
// to its readers.
package refresher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"departureboard/internal/conditions"
	"departureboard/internal/favorites"
	"departureboard/internal/geo"
	"departureboard/internal/snapshot"
)

type BoardBuilder interface {
	Board(ctx context.Context, cc conditions.Context, perFavorite int) (favorites.Board, error)
}

type SnapshotStore interface {
	Save(ctx context.Context, s snapshot.Snapshot) error
}

type SnapshotPublisher interface {
	PublishSnapshot(s snapshot.Snapshot) error
}

type LocationSource interface {
	Current() *geo.Point
}

type Metrics interface {
	ObserveRefresh(d time.Duration, visible, entryErrors int, err error)
	SnapshotWritten(err error)
	SetRefreshInterval(d time.Duration)
}

var ErrNotStarted = errors.New("refresher: no snapshot yet")

type Config struct {
	Interval    time.Duration
	PerFavorite int
	MaxEntries  int
	TZ          *time.Location
}

type Manager struct {
	board   BoardBuilder
	store   SnapshotStore
	pub     SnapshotPublisher
	loc     LocationSource
	metrics Metrics

	tz  *time.Location
	now func() time.Time

	mu          sync.Mutex
	interval    time.Duration
	perFavorite int
	maxEntries  int
	last        *snapshot.Snapshot
	lastBoard   favorites.Board

	refreshMu sync.Mutex

	intervalCh    chan struct{}
	trigger       chan struct{}
	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
}

// NewManager wires a refresher. store, pub, loc and metrics may be nil.
func NewManager(cfg Config, board BoardBuilder, store SnapshotStore, pub SnapshotPublisher, loc LocationSource, metrics Metrics) *Manager {
	tz := cfg.TZ
	if tz == nil {
		tz = time.Local
	}
	return &Manager{
		board:       board,
		store:       store,
		pub:         pub,
		loc:         loc,
		metrics:     metrics,
		perFavorite: cfg.PerFavorite,
		maxEntries:  cfg.MaxEntries,
		tz:          tz,
		now:         time.Now,
		interval:    cfg.Interval,
		intervalCh:  make(chan struct{}, 1),
		trigger:     make(chan struct{}, 1),
	}
}

// ConditionContext is what display conditions are evaluated against right now.
func (m *Manager) ConditionContext() conditions.Context {
	cc := conditions.Context{Now: m.now().In(m.tz)}
	if m.loc != nil {
		cc.Location = m.loc.Current()
	}
	return cc
}

func (m *Manager) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// SetInterval changes the refresh period of a running loop.
func (m *Manager) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetRefreshInterval(d)
	}
	// a pending signal already makes the loop pick up the latest value
	select {
	case m.intervalCh <- struct{}{}:
	default:
	}
}

// SetLimits changes how many departures and entries the next refreshes keep.
func (m *Manager) SetLimits(perFavorite, maxEntries int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if perFavorite > 0 {
		m.perFavorite = perFavorite
	}
	if maxEntries > 0 {
		m.maxEntries = maxEntries
	}
}

// Limits returns the departures kept per favorite and the entries kept in the snapshot.
func (m *Manager) Limits() (perFavorite, maxEntries int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perFavorite, m.maxEntries
}

// Trigger asks a running loop for an early refresh. It never blocks.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Start runs an immediate refresh, then one per interval until ctx ends or Stop is called.
func (m *Manager) Start(parent context.Context) {
	interval := m.Interval()
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	m.refreshCancel = cancel
	m.refreshWG.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.refreshWG.Done()
		if _, err := m.RefreshNow(ctx); err != nil && ctx.Err() == nil {
			slog.Error("refresh.failed", "err", err)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.intervalCh:
				d := m.Interval()
				ticker.Reset(d)
				slog.Info("refresh.interval_changed", "interval", d)
				continue
			case <-ticker.C:
			case <-m.trigger:
			}
			if _, err := m.RefreshNow(ctx); err != nil && ctx.Err() == nil {
				slog.Error("refresh.failed", "err", err)
			}
		}
	}()
}

// Stop cancels the loop started by Start and waits for it. It is safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.refreshCancel
	m.refreshCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.refreshWG.Wait()
}

// RefreshNow builds the board for the visible favorites, stores and publishes the snapshot.
// Storage and publish failures are logged; only a failed board is returned as an error.
func (m *Manager) RefreshNow(ctx context.Context) (snapshot.Snapshot, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	start := time.Now()
	cc := m.ConditionContext()
	perFavorite, maxEntries := m.Limits()
	b, err := m.board.Board(ctx, cc, perFavorite)
	if err != nil {
		m.observe(time.Since(start), 0, 0, err)
		return snapshot.Snapshot{}, err
	}

	entryErrors := 0
	for _, e := range b.Entries {
		if e.Error != "" {
			entryErrors++
		}
	}
	next := cc.Now.Add(m.Interval())
	s := snapshot.FromBoard(b, maxEntries, cc.Now, next)

	m.mu.Lock()
	m.last = &s
	m.lastBoard = b
	m.mu.Unlock()

	if m.store != nil {
		err := m.store.Save(ctx, s)
		if err != nil {
			slog.Warn("refresh.snapshot_save_failed", "err", err)
		}
		if m.metrics != nil {
			m.metrics.SnapshotWritten(err)
		}
	}
	if m.pub != nil {
		if err := m.pub.PublishSnapshot(s); err != nil {
			slog.Warn("refresh.snapshot_publish_failed", "err", err)
		}
	}

	m.observe(time.Since(start), len(b.Entries), entryErrors, nil)
	slog.Info("refresh.done", "visible", len(b.Entries), "entry_errors", entryErrors, "located", cc.Location != nil, "took", time.Since(start))
	return s, nil
}

func (m *Manager) observe(d time.Duration, visible, entryErrors int, err error) {
	if m.metrics != nil {
		m.metrics.ObserveRefresh(d, visible, entryErrors, err)
	}
}

// Last returns the latest snapshot built by this process.
func (m *Manager) Last() (snapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return snapshot.Snapshot{}, ErrNotStarted
	}
	return *m.last, nil
}

// LastBoard returns the full board behind Last.
func (m *Manager) LastBoard() (favorites.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return favorites.Board{}, ErrNotStarted
	}
	return m.lastBoard, nil
}

package refresher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"departureboard/internal/conditions"
	"departureboard/internal/favorites"
	"departureboard/internal/geo"
	"departureboard/internal/snapshot"
)

type fakeBoard struct {
	calls  int32
	err    error
	mu     sync.Mutex
	lastCC conditions.Context
}

func (f *fakeBoard) Board(_ context.Context, cc conditions.Context, perFavorite int) (favorites.Board, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.lastCC = cc
	f.mu.Unlock()
	if f.err != nil {
		return favorites.Board{}, f.err
	}
	return favorites.Board{
		GeneratedAt: cc.Now,
		Entries: []favorites.BoardEntry{
			{Favorite: favorites.Favorite{ID: "f1", Name: "Work"}},
			{Favorite: favorites.Favorite{ID: "f2", Name: "Home"}, Error: "boom"},
			{Favorite: favorites.Favorite{ID: "f3", Name: "Gym"}},
		},
	}, nil
}

type fakeStore struct {
	saved []snapshot.Snapshot
	err   error
}

func (f *fakeStore) Save(_ context.Context, s snapshot.Snapshot) error {
	f.saved = append(f.saved, s)
	return f.err
}

type fakePub struct{ published int }

func (f *fakePub) PublishSnapshot(snapshot.Snapshot) error {
	f.published++
	return nil
}

type fixedLocation struct{ p *geo.Point }

func (f fixedLocation) Current() *geo.Point { return f.p }

type fakeMetrics struct {
	refreshes, failures, writeErrs int
	visible, entryErrs             int
	interval                       time.Duration
}

func (f *fakeMetrics) SetRefreshInterval(d time.Duration) { f.interval = d }

func (f *fakeMetrics) ObserveRefresh(_ time.Duration, visible, entryErrors int, err error) {
	f.refreshes++
	if err != nil {
		f.failures++
		return
	}
	f.visible, f.entryErrs = visible, entryErrors
}

func (f *fakeMetrics) SnapshotWritten(err error) {
	if err != nil {
		f.writeErrs++
	}
}

func TestRefreshNow(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	now := time.Date(2026, 10, 18, 6, 0, 0, 0, time.UTC)
	here := geo.Paris

	board := &fakeBoard{}
	store := &fakeStore{err: errors.New("redis down")}
	pub := &fakePub{}
	m := &fakeMetrics{}
	mgr := NewManager(Config{Interval: time.Minute, PerFavorite: 3, MaxEntries: 2, TZ: paris}, board, store, pub, fixedLocation{&here}, m)
	mgr.now = func() time.Time { return now }

	_, err = mgr.Last()
	assert.ErrorIs(t, err, ErrNotStarted)

	s, err := mgr.RefreshNow(context.Background())
	require.NoError(t, err, "store failures do not fail the refresh")
	assert.Len(t, s.Entries, 2)
	assert.Equal(t, now.Add(time.Minute), s.NextRefresh)

	assert.Equal(t, 8, board.lastCC.Now.Hour(), "conditions see local time")
	require.NotNil(t, board.lastCC.Location)
	assert.Len(t, store.saved, 1)
	assert.Equal(t, 1, pub.published)
	assert.Equal(t, 1, m.writeErrs)
	assert.Equal(t, 3, m.visible)
	assert.Equal(t, 1, m.entryErrs)

	last, err := mgr.Last()
	require.NoError(t, err)
	assert.Equal(t, s, last)
	b, err := mgr.LastBoard()
	require.NoError(t, err)
	assert.Len(t, b.Entries, 3)
}

func TestRefreshNow_BoardError(t *testing.T) {
	board := &fakeBoard{err: errors.New("db down")}
	store := &fakeStore{}
	m := &fakeMetrics{}
	mgr := NewManager(Config{Interval: time.Minute}, board, store, nil, nil, m)

	_, err := mgr.RefreshNow(context.Background())
	assert.Error(t, err)
	assert.Empty(t, store.saved)
	assert.Equal(t, 1, m.failures)
	_, err = mgr.Last()
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestStart_RefreshesUntilStopped(t *testing.T) {
	board := &fakeBoard{}
	mgr := NewManager(Config{Interval: 10 * time.Millisecond}, board, nil, nil, nil, nil)

	mgr.Start(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&board.calls) >= 3 }, time.Second, 5*time.Millisecond)
	mgr.Stop()

	n := atomic.LoadInt32(&board.calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, atomic.LoadInt32(&board.calls))
}

func TestStop_ConcurrentCallersAndRestart(t *testing.T) {
	board := &fakeBoard{}
	mgr := NewManager(Config{Interval: 10 * time.Millisecond}, board, nil, nil, nil, nil)
	mgr.Stop()

	mgr.Start(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&board.calls) >= 1 }, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.Trigger()
			mgr.Stop()
		}()
	}
	wg.Wait()

	n := atomic.LoadInt32(&board.calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, atomic.LoadInt32(&board.calls))

	mgr.Start(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&board.calls) > n }, time.Second, 5*time.Millisecond)
	mgr.Stop()
}

func TestTriggerAndSetInterval(t *testing.T) {
	board := &fakeBoard{}
	mgr := NewManager(Config{Interval: time.Hour}, board, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Start(ctx)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&board.calls) == 1 }, time.Second, 5*time.Millisecond)

	mgr.Trigger()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&board.calls) == 2 }, time.Second, 5*time.Millisecond)

	mgr.SetInterval(10 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, mgr.Interval())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&board.calls) >= 4 }, time.Second, 5*time.Millisecond)

	cancel()
	mgr.Stop()
}

func TestSetInterval_ReportsMetric(t *testing.T) {
	m := &fakeMetrics{}
	mgr := NewManager(Config{Interval: time.Minute}, &fakeBoard{}, nil, nil, nil, m)
	mgr.SetInterval(0)
	assert.Zero(t, m.interval, "non-positive intervals are ignored")
	mgr.SetInterval(2 * time.Minute)
	assert.Equal(t, 2*time.Minute, m.interval)
	assert.Equal(t, 2*time.Minute, mgr.Interval())
}

func TestSetLimits_KeepsUnsetValues(t *testing.T) {
	mgr := NewManager(Config{PerFavorite: 3, MaxEntries: 4}, &fakeBoard{}, nil, nil, nil, nil)
	mgr.SetLimits(5, 0)
	perFavorite, maxEntries := mgr.Limits()
	assert.Equal(t, 5, perFavorite)
	assert.Equal(t, 4, maxEntries)
}

func TestStart_DisabledWithoutInterval(t *testing.T) {
	board := &fakeBoard{}
	mgr := NewManager(Config{}, board, nil, nil, nil, nil)
	mgr.Start(context.Background())
	mgr.Stop()
	assert.Zero(t, atomic.LoadInt32(&board.calls))
}

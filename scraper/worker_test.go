package scraper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrape_runs/config"
	"scrape_runs/logging"
	"scrape_runs/models"
	"scrape_runs/queue"
	"scrape_runs/services"
	"scrape_runs/storage"
)

type fakeExtractor struct {
	mu    sync.Mutex
	calls []string
	snap  func(target string) (*models.PageSnapshot, error)
}

func (f *fakeExtractor) ID() string { return "fake" }

func (f *fakeExtractor) Extract(_ context.Context, target string) (*models.PageSnapshot, error) {
	f.mu.Lock()
	f.calls = append(f.calls, target)
	f.mu.Unlock()
	return f.snap(target)
}

func (f *fakeExtractor) Close() error { return nil }

type recordingScheduler struct {
	mu     sync.Mutex
	pages  []int
	delays []time.Duration
}

func (r *recordingScheduler) SchedulePage(_ int64, page int, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages = append(r.pages, page)
	r.delays = append(r.delays, delay)
	return nil
}

type recordingDiscoverer struct {
	hints []int
}

func (r *recordingDiscoverer) MergeHints(_ context.Context, _ *models.Run, pages []int) ([]int, error) {
	r.hints = append(r.hints, pages...)
	return nil, nil
}

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"), 50)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newRunWithPages(t *testing.T, store storage.RunStore, maxPages int, pages ...int) *models.Run {
	t.Helper()
	ctx := context.Background()
	run, err := store.CreateRun(ctx, models.RunParams{Region: "maule", Category: "inmuebles", MaxPages: maxPages})
	require.NoError(t, err)
	_, err = store.AddPages(ctx, run, pages)
	require.NoError(t, err)
	return run
}

func adsSnapshot(hints models.PaginationHints, titles ...string) *models.PageSnapshot {
	snap := &models.PageSnapshot{Pagination: hints}
	for i, title := range titles {
		snap.Ads = append(snap.Ads, models.RawListing{
			Title: title,
			Price: "$ 350.000",
			Link:  "https://www.yapo.cl/maule/arriendo/x?id=1000" + string(rune('0'+i)),
		})
	}
	return snap
}

func newTestWorker(store storage.RunStore, ext Extractor, d Discoverer, s PageScheduler) *PageWorker {
	return NewPageWorker(store, ext, services.NewNormalizer(37000, "yapo"), config.DefaultPrimarySource(),
		nil, d, s, WorkerOptions{NavTimeout: time.Second, PageRetries: 2, RetryBackoff: 100 * time.Millisecond},
		logging.Discard())
}

func TestWorkerCompletesPageAndReportsHints(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	run := newRunWithPages(t, store, 5, 1)

	ext := &fakeExtractor{snap: func(string) (*models.PageSnapshot, error) {
		return adsSnapshot(models.PaginationHints{Found: true, Pages: []int{1, 2, 3}, HasNext: true, NextPage: 2},
			"Casa Talca", "Depto centro"), nil
	}}
	disc := &recordingDiscoverer{}
	w := newTestWorker(store, ext, disc, &recordingScheduler{})

	require.NoError(t, w.Process(ctx, run.ID, 1))

	page, err := store.GetPage(ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusCompleted, page.Status)
	assert.Equal(t, 1, page.Attempts)

	count, err := store.CountListings(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.ElementsMatch(t, []int{1, 2, 3, 2, 2}, disc.hints)

	got, err := store.GetRunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	require.Len(t, ext.calls, 1)
	assert.Contains(t, ext.calls[0], "regionslug=maule")
}

func TestWorkerRetriesOnceThenFailsPage(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	run := newRunWithPages(t, store, 5, 1)

	ext := &fakeExtractor{snap: func(string) (*models.PageSnapshot, error) {
		return nil, errors.New("navigation timeout")
	}}
	sched := &recordingScheduler{}
	w := newTestWorker(store, ext, &recordingDiscoverer{}, sched)

	assert.Error(t, w.Process(ctx, run.ID, 1))
	page, err := store.GetPage(ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusPending, page.Status)
	assert.Equal(t, []int{1}, sched.pages)
	assert.Equal(t, 100*time.Millisecond, sched.delays[0])

	assert.Error(t, w.Process(ctx, run.ID, 1))
	page, err = store.GetPage(ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusFailed, page.Status)
	assert.Equal(t, 2, page.Attempts)
	assert.Len(t, sched.pages, 1, "terminal failure must not be rescheduled")

	got, err := store.GetRunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
}

func TestWorkerTreatsEmptyErrorSnapshotAsFailure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	run := newRunWithPages(t, store, 5, 1)

	ext := &fakeExtractor{snap: func(string) (*models.PageSnapshot, error) {
		return &models.PageSnapshot{Error: errNoContainer}, nil
	}}
	sched := &recordingScheduler{}
	w := newTestWorker(store, ext, &recordingDiscoverer{}, sched)

	err := w.Process(ctx, run.ID, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "currentlistings")
	assert.Equal(t, []int{1}, sched.pages)
}

type flakyStore struct {
	*storage.SQLiteStore
	failRunning int
}

func (f *flakyStore) MarkPageRunning(ctx context.Context, runID int64, page int) error {
	if f.failRunning > 0 {
		f.failRunning--
		return errors.New("database is locked")
	}
	return f.SQLiteStore.MarkPageRunning(ctx, runID, page)
}

func TestWorkerReschedulesPageAfterStoreError(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{SQLiteStore: newStore(t), failRunning: 1}
	run := newRunWithPages(t, store, 5, 1)

	ext := &fakeExtractor{snap: func(string) (*models.PageSnapshot, error) {
		return adsSnapshot(models.PaginationHints{Found: true, Pages: []int{1}}, "Casa Talca"), nil
	}}
	sched := &recordingScheduler{}
	w := newTestWorker(store, ext, &recordingDiscoverer{}, sched)

	err := w.Process(ctx, run.ID, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark page running")
	assert.Empty(t, ext.calls)
	assert.Equal(t, []int{1}, sched.pages)
	assert.Equal(t, 200*time.Millisecond, sched.delays[0])

	page, err := store.GetPage(ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusPending, page.Status)
	assert.Equal(t, 0, page.Attempts)

	require.NoError(t, w.Process(ctx, run.ID, 1))
	got, err := store.GetRunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
}

func TestWorkerSkipsPagesThatAreNotPending(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	run := newRunWithPages(t, store, 5, 1)
	require.NoError(t, store.MarkPageRunning(ctx, run.ID, 1))
	require.NoError(t, store.MarkPageCompleted(ctx, run.ID, 1))

	ext := &fakeExtractor{snap: func(string) (*models.PageSnapshot, error) {
		t.Fatal("completed page must not be fetched again")
		return nil, nil
	}}
	w := newTestWorker(store, ext, &recordingDiscoverer{}, &recordingScheduler{})

	assert.NoError(t, w.Process(ctx, run.ID, 1))
	assert.NoError(t, w.Process(ctx, 9999, 1), "unknown run is dropped")
}

func TestWorkerDiscoversPagesThroughOrchestrator(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	q := queue.New(1, logging.Discard())
	q.Handle(queue.KindRunPage, func(context.Context, queue.Job) error { return nil })
	orch := NewOrchestrator(store, q, config.DefaultPrimarySource(), OrchestratorOptions{MaxPages: 5, DefaultPages: 1}, logging.Discard())
	run := newRunWithPages(t, store, 3, 1)

	ext := &fakeExtractor{snap: func(string) (*models.PageSnapshot, error) {
		return adsSnapshot(models.PaginationHints{Found: true, Pages: []int{1, 2, 3, 4}, HasNext: true, NextPage: 2}, "Casa"), nil
	}}
	w := newTestWorker(store, ext, orch, orch)

	require.NoError(t, w.Process(ctx, run.ID, 1))

	pending, err := store.ListPendingPages(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, pending, "pages beyond max pages are dropped")
	assert.Equal(t, 2, q.Stats().Queued)

	got, err := store.GetRunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
}

func TestHintPages(t *testing.T) {
	tests := []struct {
		name    string
		current int
		hadAds  bool
		hints   models.PaginationHints
		want    []int
	}{
		{"no block with ads", 4, true, models.PaginationHints{Pages: []int{4}}, []int{4, 5}},
		{"no block without ads", 4, false, models.PaginationHints{Pages: []int{4}}, []int{4}},
		{"block without next", 3, true, models.PaginationHints{Found: true, Pages: []int{1, 2, 3}, HasPrev: true, PrevPage: 2}, []int{1, 2, 3, 2}},
		{"block with next", 1, true, models.PaginationHints{Found: true, Pages: []int{1, 2}, HasNext: true, NextPage: 2}, []int{1, 2, 2, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HintPages(tt.current, tt.hadAds, tt.hints))
		})
	}
}

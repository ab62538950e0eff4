package workers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrape_runs/logging"
	"scrape_runs/models"
	"scrape_runs/storage"
)

func listingsN(n int) []models.Listing {
	out := make([]models.Listing, n)
	for i := range out {
		out[i] = models.Listing{ExternalID: string(rune('a' + i)), Title: "Listing"}
	}
	return out
}

func TestDetailEnricherEnrichesAllWithinBudget(t *testing.T) {
	e := NewDetailEnricher(3, time.Second, 0, logging.Discard())

	var inFlight, peak atomic.Int32
	res := e.Enrich(context.Background(), listingsN(7), func(ctx context.Context, l models.Listing) (models.Listing, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		l.Image = "https://img/" + l.ExternalID
		return l, nil
	})

	assert.Equal(t, 7, res.Enriched)
	assert.Zero(t, res.Pending)
	assert.False(t, res.BudgetExceeded)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	for i, l := range res.Listings {
		assert.Equal(t, string(rune('a'+i)), l.ExternalID, "order is preserved")
		assert.Equal(t, "https://img/"+l.ExternalID, l.Image)
	}
}

func TestDetailEnricherFlagsItemsPastBudget(t *testing.T) {
	e := NewDetailEnricher(2, time.Second, 0, logging.Discard())
	start := time.Now()
	var calls atomic.Int32
	// The first read sets the deadline; every later read is past it.
	e.now = func() time.Time {
		if calls.Add(1) == 1 {
			return start
		}
		return start.Add(2 * time.Second)
	}

	called := false
	res := e.Enrich(context.Background(), listingsN(4), func(ctx context.Context, l models.Listing) (models.Listing, error) {
		called = true
		return l, nil
	})

	assert.False(t, called)
	assert.True(t, res.BudgetExceeded)
	assert.Equal(t, 4, res.Pending)
	require.Len(t, res.Listings, 4)
	for _, l := range res.Listings {
		assert.True(t, l.DetailsPending)
	}
}

func TestDetailEnricherFlagsTimedOutFetch(t *testing.T) {
	e := NewDetailEnricher(1, 30*time.Millisecond, 0, logging.Discard())

	res := e.Enrich(context.Background(), listingsN(1), func(ctx context.Context, l models.Listing) (models.Listing, error) {
		<-ctx.Done()
		return l, ctx.Err()
	})

	assert.Equal(t, 1, res.Pending)
	assert.True(t, res.Listings[0].DetailsPending)
}

func TestDetailEnricherKeepsOriginalOnError(t *testing.T) {
	e := NewDetailEnricher(3, time.Second, 0, logging.Discard())

	res := e.Enrich(context.Background(), listingsN(3), func(ctx context.Context, l models.Listing) (models.Listing, error) {
		if l.ExternalID == "b" {
			return models.Listing{}, errors.New("boom")
		}
		l.Seller = "enriched"
		return l, nil
	})

	assert.Equal(t, 2, res.Enriched)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Pending)
	assert.Equal(t, "b", res.Listings[1].ExternalID)
	assert.Empty(t, res.Listings[1].Seller)
	assert.False(t, res.Listings[1].DetailsPending)
}

type fakeRecoverer struct {
	mu     sync.Mutex
	leases []time.Duration
	n      int
	err    error
}

func (f *fakeRecoverer) RecoverStalled(_ context.Context, lease time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leases = append(f.leases, lease)
	return f.n, f.err
}

func (f *fakeRecoverer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.leases)
}

func TestSweeperSweepUsesLease(t *testing.T) {
	rec := &fakeRecoverer{n: 2}
	s := NewStalledPageSweeper(rec, 5*time.Minute, logging.Discard())

	var logged []string
	s.SetLogger(func(_ context.Context, _ *int64, level models.LogLevel, source, message string) {
		logged = append(logged, message)
	})

	assert.Equal(t, 2, s.Sweep(context.Background()))
	assert.Equal(t, []time.Duration{5 * time.Minute}, rec.leases)
	require.Len(t, logged, 1)
	assert.Contains(t, logged[0], "2 stalled pages")

	rec.err = errors.New("db down")
	assert.Zero(t, s.Sweep(context.Background()))
}

func TestSweeperTriggerRunsImmediately(t *testing.T) {
	rec := &fakeRecoverer{}
	s := NewStalledPageSweeper(rec, time.Minute, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Hour)
		close(done)
	}()

	s.Trigger()
	assert.Eventually(t, func() bool { return rec.calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (m *memUploader) Upload(_ context.Context, key string, data io.Reader, _ string) error {
	if m.err != nil {
		return m.err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = buf.Bytes()
	return nil
}

func (m *memUploader) PublicURL(key string) string {
	return "https://archive.test/" + key
}

func completedRun(t *testing.T, store storage.RunStore) *models.Run {
	t.Helper()
	ctx := context.Background()
	run, err := store.CreateRun(ctx, models.RunParams{Region: "maule", Category: "inmuebles", MaxPages: 1})
	require.NoError(t, err)
	_, err = store.AddPages(ctx, run, []int{1})
	require.NoError(t, err)
	require.NoError(t, store.MarkPageRunning(ctx, run.ID, 1))
	require.NoError(t, store.UpsertListings(ctx, run.ID, 1, []models.Listing{{ExternalID: "x1", Title: "Casa"}}))
	require.NoError(t, store.MarkPageCompleted(ctx, run.ID, 1))
	_, err = store.RefreshRunCompletion(ctx, run.ID)
	require.NoError(t, err)
	return run
}

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"), 50)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestArchiveWorkerUploadsCompletedRuns(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	run := completedRun(t, store)
	up := &memUploader{}

	w := NewArchiveWorker(store, up, logging.Discard())
	var messages []string
	w.SetLogger(func(_ context.Context, _ *int64, _ models.LogLevel, _, message string) {
		messages = append(messages, message)
	})
	assert.Equal(t, 1, w.ProcessBatch(ctx))

	key := storage.ArchiveKey(run)
	assert.Equal(t, []string{"archived to https://archive.test/" + key}, messages)
	require.Contains(t, up.objects, key)
	assert.Contains(t, string(up.objects[key]), `"externalId":"x1"`)

	remaining, err := store.ListUnarchivedRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
	assert.Zero(t, w.ProcessBatch(ctx))
}

func TestArchiveWorkerLeavesRunOnUploadFailure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	completedRun(t, store)

	w := NewArchiveWorker(store, &memUploader{err: errors.New("bucket missing")}, logging.Discard())
	var logs []models.LogLevel
	w.SetLogger(func(_ context.Context, _ *int64, level models.LogLevel, _, _ string) {
		logs = append(logs, level)
	})

	assert.Zero(t, w.ProcessBatch(ctx))
	assert.Equal(t, []models.LogLevel{models.LogLevelError}, logs)

	remaining, err := store.ListUnarchivedRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestStoreLogFuncPersists(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	run := completedRun(t, store)

	log := StoreLogFunc(store, logging.Discard())
	log(ctx, &run.ID, models.LogLevelWarn, "worker", "page 2 failed permanently")

	logs, err := store.RecentLogs(ctx, run.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "page 2 failed permanently", logs[0].Message)
	assert.Equal(t, models.LogLevelWarn, logs[0].Level)
}

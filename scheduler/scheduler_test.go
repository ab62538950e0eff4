package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrape_runs/config"
	"scrape_runs/logging"
	"scrape_runs/models"
	"scrape_runs/storage"
)

type fakeOrchestrator struct {
	refreshed []config.WarmQuery
	handled   []models.CommandType
	paused    bool
	err       error
	nextID    int64
}

func (f *fakeOrchestrator) Refresh(_ context.Context, region, category, search, pages string) (*models.Run, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if f.paused {
		return nil, false, nil
	}
	f.refreshed = append(f.refreshed, config.WarmQuery{Region: region, Category: category, SearchTerm: search, Pages: pages})
	f.nextID++
	return &models.Run{ID: f.nextID}, true, nil
}

func (f *fakeOrchestrator) HandleCommand(_ context.Context, cmd *models.Command) error {
	f.handled = append(f.handled, cmd.Command)
	return nil
}

type counter struct{ n int }

func (c *counter) Trigger()              { c.n++ }
func (c *counter) Flush(context.Context) { c.n++ }

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"), 50)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRefreshWarmQueries(t *testing.T) {
	cfg := &config.Config{WarmQueries: []config.WarmQuery{
		{Region: "maule", Category: "inmuebles", Pages: "5"},
		{Region: "maule", Category: "inmuebles", SearchTerm: "casa"},
	}}
	orch := &fakeOrchestrator{}
	s := New(cfg, orch, newStore(t), logging.Discard())

	assert.Equal(t, 2, s.RefreshWarmQueries(context.Background()))
	require.Len(t, orch.refreshed, 2)
	assert.Equal(t, "5", orch.refreshed[0].Pages)
	assert.Equal(t, "casa", orch.refreshed[1].SearchTerm)

	orch.paused = true
	assert.Zero(t, s.RefreshWarmQueries(context.Background()))

	orch.paused = false
	orch.err = errors.New("store down")
	assert.Zero(t, s.RefreshWarmQueries(context.Background()))
}

func TestProcessCommandsRoutesAndMarksProcessed(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	orch := &fakeOrchestrator{}
	s := New(&config.Config{}, orch, store, logging.Discard())

	sweeper, cacheA, cacheB := &counter{}, &counter{}, &counter{}
	s.SetWorkers(sweeper, nil)
	s.SetCaches(cacheA, cacheB)

	for _, c := range []models.CommandType{models.CmdRefresh, models.CmdFlushCache, models.CmdSweep, models.CmdArchive, models.CmdPause} {
		_, err := store.InsertCommand(ctx, c, &models.CommandParams{Region: "maule"})
		require.NoError(t, err)
	}

	assert.Equal(t, 5, s.ProcessCommands(ctx))
	assert.Equal(t, []models.CommandType{models.CmdRefresh, models.CmdPause}, orch.handled)
	assert.Equal(t, 1, sweeper.n)
	assert.Equal(t, 1, cacheA.n)
	assert.Equal(t, 1, cacheB.n)

	// The archive command failed for lack of an archiver but is still consumed.
	pending, err := store.GetPendingCommands(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Zero(t, s.ProcessCommands(ctx))
}

func TestStartRejectsBadCron(t *testing.T) {
	cfg := &config.Config{
		Scheduler:   config.SchedulerConfig{RefreshCron: "not a cron"},
		WarmQueries: []config.WarmQuery{{Region: "maule"}},
	}
	s := New(cfg, &fakeOrchestrator{}, newStore(t), logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Error(t, s.Start(ctx))
}

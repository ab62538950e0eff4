package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"scrape_runs/config"
	"scrape_runs/identity"
	"scrape_runs/models"
	"scrape_runs/queue"
	"scrape_runs/storage"
	"scrape_runs/workers"
)

type OrchestratorOptions struct {
	MaxPages     int
	DefaultPages int
	Freshness    time.Duration
}

// Orchestrator decides which run serves a query, creates runs, and turns
// run pages into queue jobs.
type Orchestrator struct {
	store   storage.RunStore
	queue   *queue.Queue
	source  *config.SourceConfig
	opts    OrchestratorOptions
	paused  atomic.Bool
	logger  *logrus.Logger
	logFunc workers.LogFunc
}

func NewOrchestrator(store storage.RunStore, q *queue.Queue, source *config.SourceConfig, opts OrchestratorOptions, logger *logrus.Logger) *Orchestrator {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 50
	}
	if opts.DefaultPages <= 0 {
		opts.DefaultPages = 3
	}
	opts.DefaultPages = min(opts.DefaultPages, opts.MaxPages)
	if opts.Freshness <= 0 {
		opts.Freshness = storage.DefaultFreshness
	}
	return &Orchestrator{
		store:   store,
		queue:   q,
		source:  source,
		opts:    opts,
		logger:  logger,
		logFunc: workers.NoOpLogger,
	}
}

func (o *Orchestrator) SetLogger(fn workers.LogFunc) {
	o.logFunc = fn
}

// QueryKey fills in source defaults and returns the normalized region,
// category and search term of a query.
func (o *Orchestrator) QueryKey(region, category, search string) (string, string, string) {
	region = strings.ToLower(strings.TrimSpace(region))
	if region == "" {
		region = o.source.DefaultRegion
	}
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "" {
		category = o.source.DefaultCategory
	}
	return region, category, strings.TrimSpace(search)
}

// Resolve picks the run that serves q, creating one when nothing fresh or
// in flight exists. It never waits for pages to be fetched.
func (o *Orchestrator) Resolve(ctx context.Context, q models.ListingQuery) (*models.Resolution, error) {
	region, category, search := o.QueryKey(q.Region, q.Category, q.SearchTerm)
	sig := identity.QuerySignature(region, category, search)
	res := &models.Resolution{Signature: sig}
	log := o.logger.WithFields(logrus.Fields{"region": region, "category": category, "search": search})

	if q.RunID > 0 {
		run, err := o.store.GetRunByID(ctx, q.RunID)
		if err != nil {
			return nil, fmt.Errorf("get run %d: %w", q.RunID, err)
		}
		if run != nil {
			res.Run = run
			if !run.Status.Terminal() {
				res.BuildingRun = run
			}
			return res, nil
		}
		log.WithField("run_id", q.RunID).Warn("Requested run not found, resolving by query")
	}

	if !q.ForceRefresh {
		run, err := o.store.FindReusableRun(ctx, sig, o.opts.Freshness)
		if err != nil {
			return nil, fmt.Errorf("find reusable run: %w", err)
		}
		if run != nil {
			res.Run = run
			res.Reused = true
			return res, nil
		}
	}

	building, err := o.store.FindActiveRun(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("find active run: %w", err)
	}
	if building != nil {
		res.Joined = true
	} else if !o.paused.Load() {
		building, err = o.createRun(ctx, region, category, search, q.Pages)
		if err != nil {
			return nil, err
		}
		res.Created = true
	} else {
		log.Info("Run creation paused")
	}
	res.BuildingRun = building

	if building != nil {
		count, err := o.store.CountListings(ctx, building.ID)
		if err != nil {
			return nil, fmt.Errorf("count listings: %w", err)
		}
		if count > 0 {
			res.Run = building
			return res, nil
		}
	}

	last, err := o.store.FindLastCompletedRun(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("find last completed run: %w", err)
	}
	if last != nil {
		res.Run = last
		res.Stale = true
		return res, nil
	}

	res.Building = true
	return res, nil
}

// PagesCap turns the pages parameter ("N" or "all") into a run's max pages.
func (o *Orchestrator) PagesCap(pages string) int {
	pages = strings.ToLower(strings.TrimSpace(pages))
	if pages == "all" {
		return o.opts.MaxPages
	}
	if n, err := strconv.Atoi(pages); err == nil {
		return storage.CapMaxPages(n, o.opts.MaxPages)
	}
	return o.opts.DefaultPages
}

func (o *Orchestrator) createRun(ctx context.Context, region, category, search, pages string) (*models.Run, error) {
	run, err := o.store.CreateRun(ctx, models.RunParams{
		Region:     region,
		Category:   category,
		SearchTerm: search,
		MaxPages:   o.PagesCap(pages),
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	initial := make([]int, 0, o.opts.DefaultPages)
	for p := 1; p <= min(run.MaxPages, o.opts.DefaultPages); p++ {
		initial = append(initial, p)
	}
	added, err := o.store.AddPages(ctx, run, initial)
	if err != nil {
		return nil, fmt.Errorf("add initial pages: %w", err)
	}
	o.enqueuePages(run.ID, added)

	o.logFunc(ctx, &run.ID, models.LogLevelInfo, "orchestrator",
		fmt.Sprintf("run created for %s/%s %q: %d pages scheduled, max %d", region, category, search, len(added), run.MaxPages))
	return run, nil
}

// MergeHints adds the discovered pages to the run and enqueues the ones that
// were not there yet.
func (o *Orchestrator) MergeHints(ctx context.Context, run *models.Run, pages []int) ([]int, error) {
	added, err := o.store.AddPages(ctx, run, pages)
	if err != nil {
		return nil, err
	}
	o.enqueuePages(run.ID, added)
	return added, nil
}

// SchedulePage queues one page job after delay.
func (o *Orchestrator) SchedulePage(runID int64, page int, delay time.Duration) error {
	_, err := o.queue.EnqueueAfter(delay, queue.Job{Kind: queue.KindRunPage, RunID: runID, Page: page})
	return err
}

func (o *Orchestrator) enqueuePages(runID int64, pages []int) {
	for _, p := range pages {
		if _, err := o.queue.Enqueue(queue.Job{Kind: queue.KindRunPage, RunID: runID, Page: p}); err != nil {
			o.logger.WithFields(logrus.Fields{"run_id": runID, "page": p, "error": err}).Error("Failed to enqueue page")
		}
	}
}

// ResumeRuns re-enqueues the unfinished pages of every queued or running
// run. Pages left running by a previous process go back to pending first.
func (o *Orchestrator) ResumeRuns(ctx context.Context) (int, error) {
	if _, err := o.store.ResetStalledPages(ctx, 0); err != nil {
		return 0, fmt.Errorf("reset running pages: %w", err)
	}

	runs, err := o.store.ListActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}

	total := 0
	for _, run := range runs {
		pages, err := o.store.ListPendingPages(ctx, run.ID)
		if err != nil {
			return total, fmt.Errorf("list pending pages of run %d: %w", run.ID, err)
		}
		o.enqueuePages(run.ID, pages)
		total += len(pages)
		if len(pages) == 0 {
			// Nothing left to fetch; settle the run.
			if _, err := o.store.RefreshRunCompletion(ctx, run.ID); err != nil {
				o.logger.WithError(err).WithField("run_id", run.ID).Warn("Failed to refresh run completion")
			}
		}
	}
	if total > 0 {
		o.logger.WithFields(logrus.Fields{"runs": len(runs), "pages": total}).Info("Resumed unfinished runs")
	}
	return total, nil
}

// RecoverStalled requeues pages stuck in running for longer than lease.
func (o *Orchestrator) RecoverStalled(ctx context.Context, lease time.Duration) (int, error) {
	refs, err := o.store.ResetStalledPages(ctx, lease)
	if err != nil {
		return 0, err
	}
	for _, ref := range refs {
		o.enqueuePages(ref.RunID, []int{ref.PageNumber})
		o.logFunc(ctx, &ref.RunID, models.LogLevelWarn, "sweeper",
			fmt.Sprintf("page %d stalled, requeued", ref.PageNumber))
	}
	return len(refs), nil
}

// Refresh starts a new run for a query unless one is already in flight.
func (o *Orchestrator) Refresh(ctx context.Context, region, category, search, pages string) (*models.Run, bool, error) {
	if o.paused.Load() {
		return nil, false, nil
	}
	region, category, search = o.QueryKey(region, category, search)
	sig := identity.QuerySignature(region, category, search)

	active, err := o.store.FindActiveRun(ctx, sig)
	if err != nil {
		return nil, false, err
	}
	if active != nil {
		return active, false, nil
	}
	run, err := o.createRun(ctx, region, category, search, pages)
	if err != nil {
		return nil, false, err
	}
	return run, true, nil
}

func (o *Orchestrator) HandleCommand(ctx context.Context, cmd *models.Command) error {
	params, err := cmd.ParseParams()
	if err != nil {
		return err
	}

	switch cmd.Command {
	case models.CmdRefresh:
		run, created, err := o.Refresh(ctx, params.Region, params.Category, params.SearchTerm, params.Pages)
		if err != nil {
			return err
		}
		if run != nil {
			o.logger.WithFields(logrus.Fields{"run_id": run.ID, "created": created}).Info("Refresh command handled")
		}
	case models.CmdPause:
		o.Pause()
	case models.CmdResume:
		o.Resume()
	default:
		return fmt.Errorf("orchestrator cannot handle command %q", cmd.Command)
	}
	return nil
}

func (o *Orchestrator) Pause() {
	o.paused.Store(true)
	o.logger.Info("Run creation paused")
}

func (o *Orchestrator) Resume() {
	o.paused.Store(false)
	o.logger.Info("Run creation resumed")
}

func (o *Orchestrator) IsPaused() bool {
	return o.paused.Load()
}

func (o *Orchestrator) MarshalStatus() ([]byte, error) {
	status := map[string]interface{}{
		"paused": o.IsPaused(),
		"source": o.source.ID,
		"queue":  o.queue.Stats(),
	}
	return json.Marshal(status)
}

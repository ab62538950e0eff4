package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"scrape_runs/cache"
	"scrape_runs/config"
	"scrape_runs/models"
	"scrape_runs/queue"
	"scrape_runs/services"
	"scrape_runs/storage"
	"scrape_runs/workers"
)

// Discoverer receives the page numbers a fetched page pointed at. It adds
// the unseen ones to the run and schedules them.
type Discoverer interface {
	MergeHints(ctx context.Context, run *models.Run, pages []int) ([]int, error)
}

// PageScheduler queues a run page for a (possibly delayed) attempt.
type PageScheduler interface {
	SchedulePage(runID int64, page int, delay time.Duration) error
}

type WorkerOptions struct {
	NavTimeout   time.Duration
	PageRetries  int
	RetryBackoff time.Duration
}

// PageWorker runs one page job: fetch, normalize, persist, report.
type PageWorker struct {
	store      storage.RunStore
	extractor  Extractor
	normalizer *services.Normalizer
	source     *config.SourceConfig
	runCache   *cache.RunCache
	discoverer Discoverer
	scheduler  PageScheduler
	opts       WorkerOptions
	logger     *logrus.Logger
	logFunc    workers.LogFunc
}

func NewPageWorker(
	store storage.RunStore,
	extractor Extractor,
	normalizer *services.Normalizer,
	source *config.SourceConfig,
	runCache *cache.RunCache,
	discoverer Discoverer,
	scheduler PageScheduler,
	opts WorkerOptions,
	logger *logrus.Logger,
) *PageWorker {
	if opts.PageRetries <= 0 {
		opts.PageRetries = storage.DefaultPageRetries
	}
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 90 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	return &PageWorker{
		store:      store,
		extractor:  extractor,
		normalizer: normalizer,
		source:     source,
		runCache:   runCache,
		discoverer: discoverer,
		scheduler:  scheduler,
		opts:       opts,
		logger:     logger,
		logFunc:    workers.NoOpLogger,
	}
}

func (w *PageWorker) SetLogger(fn workers.LogFunc) {
	w.logFunc = fn
}

// Handle adapts Process to the job queue.
func (w *PageWorker) Handle(ctx context.Context, job queue.Job) error {
	return w.Process(ctx, job.RunID, job.Page)
}

// Process executes one attempt of a run page. The returned error is the
// attempt's fetch or persistence failure, already recorded on the page.
func (w *PageWorker) Process(ctx context.Context, runID int64, pageNum int) error {
	log := w.logger.WithFields(logrus.Fields{"run_id": runID, "page": pageNum})

	run, err := w.store.GetRunByID(ctx, runID)
	if err != nil {
		return w.deferPage(runID, pageNum, fmt.Errorf("load run: %w", err), log)
	}
	if run == nil {
		log.Warn("Run not found, dropping page job")
		return nil
	}
	page, err := w.store.GetPage(ctx, runID, pageNum)
	if err != nil {
		return w.deferPage(runID, pageNum, fmt.Errorf("load page: %w", err), log)
	}
	if page == nil || page.Status != models.PageStatusPending {
		log.Debug("Page not pending, skipping")
		return nil
	}

	if err := w.store.MarkRunStarted(ctx, runID); err != nil {
		return w.deferPage(runID, pageNum, fmt.Errorf("mark run started: %w", err), log)
	}
	if err := w.store.MarkPageRunning(ctx, runID, pageNum); err != nil {
		return w.deferPage(runID, pageNum, fmt.Errorf("mark page running: %w", err), log)
	}

	start := time.Now()
	count, hints, attemptErr := w.attempt(ctx, run, pageNum)
	if attemptErr != nil {
		w.handleFailure(ctx, run, pageNum, page.Attempts+1, attemptErr, log)
	} else {
		log.WithFields(logrus.Fields{
			"listings": count,
			"duration": time.Since(start).Round(time.Millisecond),
		}).Info("Page completed")

		if len(hints) > 0 && w.discoverer != nil {
			added, err := w.discoverer.MergeHints(ctx, run, hints)
			if err != nil {
				log.WithError(err).Warn("Failed to merge pagination hints")
			} else if len(added) > 0 {
				log.WithField("pages", added).Info("Discovered new pages")
			}
		}
	}

	status, err := w.store.RefreshRunCompletion(ctx, runID)
	if err != nil {
		log.WithError(err).Error("Failed to refresh run completion")
	} else if status.Terminal() {
		w.logFunc(ctx, &runID, models.LogLevelInfo, "worker", fmt.Sprintf("run %d %s", runID, status))
	}
	if w.runCache != nil {
		w.runCache.Clear(ctx, cache.RunKey(runID))
	}

	return attemptErr
}

// attempt fetches and persists one page. On success the page is completed
// and the discovered page numbers are returned.
func (w *PageWorker) attempt(ctx context.Context, run *models.Run, pageNum int) (int, []int, error) {
	target, err := PageURL(w.source, run.Region, run.Category, run.SearchTerm, pageNum)
	if err != nil {
		return 0, nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.opts.NavTimeout)
	snap, err := w.extractor.Extract(fetchCtx, target)
	cancel()
	if err != nil {
		return 0, nil, fmt.Errorf("extract %s: %w", target, err)
	}
	if snap.Error != "" && len(snap.Ads) == 0 {
		return 0, nil, errors.New(snap.Error)
	}

	listings := make([]models.Listing, 0, len(snap.Ads))
	for _, ad := range snap.Ads {
		listings = append(listings, w.normalizer.NormalizeListing(ad, pageNum))
	}

	if err := w.store.UpsertListings(ctx, run.ID, pageNum, listings); err != nil {
		return 0, nil, fmt.Errorf("persist listings: %w", err)
	}
	if err := w.store.MarkPageCompleted(ctx, run.ID, pageNum); err != nil {
		return 0, nil, fmt.Errorf("mark page completed: %w", err)
	}

	return len(listings), HintPages(pageNum, len(snap.Ads) > 0, snap.Pagination), nil
}

// deferPage queues the page again when the store failed before the attempt
// began. The page is still pending and nothing else would pick it up.
func (w *PageWorker) deferPage(runID int64, pageNum int, cause error, log *logrus.Entry) error {
	delay := queue.Backoff(2, w.opts.RetryBackoff)
	if w.scheduler == nil {
		return cause
	}
	if err := w.scheduler.SchedulePage(runID, pageNum, delay); err != nil {
		log.WithError(err).Error("Failed to reschedule page after store error")
		return cause
	}
	log.WithFields(logrus.Fields{"error": cause, "retry_in": delay}).Warn("Store unavailable, page rescheduled")
	return cause
}

func (w *PageWorker) handleFailure(ctx context.Context, run *models.Run, pageNum, attempt int, cause error, log *logrus.Entry) {
	log = log.WithField("attempt", attempt)

	if err := w.store.MarkPageFailed(ctx, run.ID, pageNum, cause.Error()); err != nil {
		log.WithError(err).Error("Failed to mark page failed")
		return
	}

	retry, err := w.store.ShouldRetryPage(ctx, run.ID, pageNum, w.opts.PageRetries)
	if err != nil {
		log.WithError(err).Error("Failed to check page retry")
		return
	}
	if !retry {
		w.logFunc(ctx, &run.ID, models.LogLevelWarn, "worker",
			fmt.Sprintf("page %d failed permanently after %d attempts: %v", pageNum, attempt, cause))
		return
	}

	if err := w.store.RequeuePage(ctx, run.ID, pageNum); err != nil {
		log.WithError(err).Error("Failed to requeue page")
		return
	}
	delay := queue.Backoff(attempt, w.opts.RetryBackoff)
	if w.scheduler != nil {
		if err := w.scheduler.SchedulePage(run.ID, pageNum, delay); err != nil {
			log.WithError(err).Warn("Failed to schedule page retry")
			return
		}
	}
	log.WithFields(logrus.Fields{"error": cause, "retry_in": delay}).Warn("Page failed, retrying")
}

// HintPages lists the page numbers a fetched page points at: every page in
// its pagination block, its next/prev links, and current+1 when the page had
// ads and either claimed a next page or had no pagination block at all.
func HintPages(current int, hadAds bool, p models.PaginationHints) []int {
	var out []int
	out = append(out, p.Pages...)
	if p.HasNext && p.NextPage > 0 {
		out = append(out, p.NextPage)
	}
	if p.HasPrev && p.PrevPage > 0 {
		out = append(out, p.PrevPage)
	}
	if hadAds && (p.HasNext || !p.Found) {
		out = append(out, current+1)
	}
	return out
}

package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"scrape_runs/models"
	"scrape_runs/storage"
)

const defaultArchiveBatch = 10

// ArchiveWorker uploads the listings of completed runs as JSON documents
// and marks the runs archived.
type ArchiveWorker struct {
	store     storage.RunStore
	uploader  storage.Uploader
	batchSize int
	triggerCh chan struct{}
	logger    *logrus.Logger
	logFunc   LogFunc
}

func NewArchiveWorker(store storage.RunStore, uploader storage.Uploader, logger *logrus.Logger) *ArchiveWorker {
	return &ArchiveWorker{
		store:     store,
		uploader:  uploader,
		batchSize: defaultArchiveBatch,
		triggerCh: make(chan struct{}, 1),
		logger:    logger,
		logFunc:   NoOpLogger,
	}
}

func (w *ArchiveWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

func (w *ArchiveWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *ArchiveWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Archive worker stopping")
			return
		case <-ticker.C:
			w.ProcessBatch(ctx)
		case <-w.triggerCh:
			w.logger.Info("Archive worker triggered manually")
			w.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch archives up to one batch of completed runs. A run whose
// upload fails stays unarchived and is retried on the next pass.
func (w *ArchiveWorker) ProcessBatch(ctx context.Context) (archived int) {
	runs, err := w.store.ListUnarchivedRuns(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Error("Archive: failed to list runs")
		return 0
	}

	for i := range runs {
		run := &runs[i]
		key, err := w.archive(ctx, run)
		if err != nil {
			w.logFunc(ctx, &run.ID, models.LogLevelError, "archive", fmt.Sprintf("archive failed: %v", err))
			continue
		}
		archived++
		location := w.uploader.PublicURL(key)
		w.logger.WithFields(logrus.Fields{"run_id": run.ID, "key": key, "url": location}).Info("Run archived")
		w.logFunc(ctx, &run.ID, models.LogLevelInfo, "archive", "archived to "+location)
	}
	return archived
}

func (w *ArchiveWorker) archive(ctx context.Context, run *models.Run) (string, error) {
	listings, err := w.store.FetchAllListings(ctx, run.ID)
	if err != nil {
		return "", fmt.Errorf("fetch listings: %w", err)
	}
	key, err := storage.UploadRunArchive(ctx, w.uploader, run, listings)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if err := w.store.MarkRunArchived(ctx, run.ID); err != nil {
		return "", fmt.Errorf("mark archived: %w", err)
	}
	return key, nil
}

package storage

import (
	"context"
	"sort"
	"time"

	"scrape_runs/models"
)

const (
	// DefaultFreshness is how long a completed run stays reusable.
	DefaultFreshness = 60 * time.Minute
	// DefaultPageRetries is the attempt ceiling a page is allowed.
	DefaultPageRetries = 2

	maxPageNumber     = 200
	maxListingDetails = 8
)

// RunStore persists runs, their pages and the listings they produced. It is
// the single source of truth for run state; every other component reads
// through it.
type RunStore interface {
	CreateRun(ctx context.Context, params models.RunParams) (*models.Run, error)
	GetRunByID(ctx context.Context, id int64) (*models.Run, error)
	FindReusableRun(ctx context.Context, signature string, window time.Duration) (*models.Run, error)
	FindLastCompletedRun(ctx context.Context, signature string) (*models.Run, error)
	FindActiveRun(ctx context.Context, signature string) (*models.Run, error)
	ListActiveRuns(ctx context.Context) ([]models.Run, error)
	MarkRunStarted(ctx context.Context, runID int64) error

	AddPages(ctx context.Context, run *models.Run, pages []int) ([]int, error)
	GetPage(ctx context.Context, runID int64, page int) (*models.RunPage, error)
	MarkPageRunning(ctx context.Context, runID int64, page int) error
	MarkPageCompleted(ctx context.Context, runID int64, page int) error
	MarkPageFailed(ctx context.Context, runID int64, page int, message string) error
	RequeuePage(ctx context.Context, runID int64, page int) error
	ShouldRetryPage(ctx context.Context, runID int64, page int, ceiling int) (bool, error)
	RefreshRunCompletion(ctx context.Context, runID int64) (models.RunStatus, error)
	ListPendingPages(ctx context.Context, runID int64) ([]int, error)
	ResetStalledPages(ctx context.Context, lease time.Duration) ([]models.PageRef, error)

	UpsertListings(ctx context.Context, runID int64, page int, listings []models.Listing) error
	FetchAllListings(ctx context.Context, runID int64) ([]models.Listing, error)
	CountListings(ctx context.Context, runID int64) (int, error)
	GetRunProgress(ctx context.Context, runID int64) (*models.RunProgress, error)

	ListUnarchivedRuns(ctx context.Context, limit int) ([]models.Run, error)
	MarkRunArchived(ctx context.Context, runID int64) error

	Log(ctx context.Context, runID *int64, level models.LogLevel, message, source string) error
	SaveScrapeResult(ctx context.Context, result *models.ScrapeResult) error
	GetScrapeResult(ctx context.Context, jobID string) (*models.ScrapeResult, error)
	GetPendingCommands(ctx context.Context) ([]models.Command, error)
	MarkCommandProcessed(ctx context.Context, id int64) error

	Close() error
}

// SanitizePages drops numbers outside [1, maxPages], dedups and sorts.
func SanitizePages(pages []int, maxPages int) []int {
	seen := make(map[int]bool, len(pages))
	var out []int
	for _, p := range pages {
		if p < 1 || p > maxPages || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// CapMaxPages bounds a requested page cap to [1, limit].
func CapMaxPages(requested, limit int) int {
	if limit <= 0 || limit > maxPageNumber {
		limit = maxPageNumber
	}
	if requested < 1 {
		return 1
	}
	if requested > limit {
		return limit
	}
	return requested
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// progressFromPages folds page rows into a progress summary.
func progressFromPages(pages []models.RunPage, listings int) *models.RunProgress {
	p := &models.RunProgress{
		PagesCompleted: []int{},
		PagesPending:   []int{},
		ListingsCount:  listings,
	}
	for _, page := range pages {
		switch page.Status {
		case models.PageStatusCompleted:
			p.Completed++
			p.PagesCompleted = append(p.PagesCompleted, page.PageNumber)
		case models.PageStatusPending:
			p.Pending++
			p.PagesPending = append(p.PagesPending, page.PageNumber)
		case models.PageStatusRunning:
			p.Running++
			p.PagesPending = append(p.PagesPending, page.PageNumber)
		case models.PageStatusFailed:
			p.Failed++
		}
	}
	sort.Ints(p.PagesCompleted)
	sort.Ints(p.PagesPending)
	return p
}

// nextRunStatus decides what RefreshRunCompletion writes. changed is false
// when the stored status already matches.
func nextRunStatus(current models.RunStatus, stats models.PageStats) (next models.RunStatus, changed bool) {
	if status, ok := stats.Resolve(); ok {
		return status, status != current
	}
	if current.Terminal() && stats.Total() > 0 {
		// New pages were added after the run settled.
		return models.RunStatusRunning, true
	}
	return current, false
}

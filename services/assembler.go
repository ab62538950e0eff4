package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"scrape_runs/cache"
	"scrape_runs/models"
	"scrape_runs/storage"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ErrStoreUnavailable marks failures to look up or create the serving run.
// Everything else degrades into warnings.
var ErrStoreUnavailable = errors.New("run store unavailable")

// RunResolver picks the run that serves a listing query.
type RunResolver interface {
	Resolve(ctx context.Context, q models.ListingQuery) (*models.Resolution, error)
}

// Supplemental fetches secondary source listings.
type Supplemental interface {
	Fetch(ctx context.Context, q models.SecondaryQuery) SupplementalOutcome
}

type AssemblerOptions struct {
	PageSize       int
	DefaultStateID string
	SecondaryLabel string
}

// Assembler builds listing responses: the serving run's filtered page plus
// supplemental listings and the metadata describing both.
type Assembler struct {
	resolver     RunResolver
	store        storage.RunStore
	runCache     *cache.RunCache
	supplemental Supplemental
	opts         AssemblerOptions
	logger       *logrus.Logger
}

func NewAssembler(resolver RunResolver, store storage.RunStore, runCache *cache.RunCache, supplemental Supplemental, opts AssemblerOptions, logger *logrus.Logger) *Assembler {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	opts.PageSize = min(opts.PageSize, MaxPageSize)
	if opts.SecondaryLabel == "" {
		opts.SecondaryLabel = "Mercado Libre"
	}
	return &Assembler{
		resolver:     resolver,
		store:        store,
		runCache:     runCache,
		supplemental: supplemental,
		opts:         opts,
		logger:       logger,
	}
}

func (a *Assembler) Assemble(ctx context.Context, q models.ListingQuery) (*models.ListingResponse, error) {
	if q.Provider == "" {
		q.Provider = models.ProviderMixed
	}
	filters := NormalizeFilters(q.Filters)
	// The run is already scoped to the query's search term; only an
	// explicit free-text filter narrows it further.
	runFilters := filters
	if filters.SearchTerm == "" {
		filters.SearchTerm = strings.TrimSpace(q.SearchTerm)
	}

	resp := &models.ListingResponse{
		Status:   models.ResponseStatusOK,
		Listings: []models.Listing{},
		Warnings: []string{},
		Meta: models.Meta{
			Region:     q.Region,
			Category:   q.Category,
			SearchTerm: q.SearchTerm,
			Provider:   q.Provider,
			Filters:    filters,
			ExternalSources: models.ExternalSources{
				Primary:   models.SourceMeta{Mode: models.SourceModeDisabled},
				Secondary: models.SourceMeta{Mode: models.SourceModeDisabled},
			},
		},
	}

	var res *models.Resolution
	if q.Provider.IncludesPrimary() {
		var err error
		res, err = a.resolver.Resolve(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if err := a.describeRun(ctx, resp, res); err != nil {
			return nil, err
		}
		if res.Building {
			resp.Status = models.ResponseStatusBuilding
			resp.Meta.ExternalSources.Primary.Mode = models.SourceModeBuilding
			if q.Provider.IncludesSecondary() {
				resp.Meta.ExternalSources.Secondary.Mode = models.SourceModeBuilding
			}
			resp.Warnings = append(resp.Warnings, "Results are still being collected for this search. Try again in a few seconds.")
			resp.Pagination = paginate(0, q.Page, a.pageSize(q.PageSize), nil)
			return resp, nil
		}
	}

	var (
		runListings []models.Listing
		cacheAge    time.Duration
		fromCache   bool
		outcome     SupplementalOutcome
	)
	g, gctx := errgroup.WithContext(ctx)
	if res != nil && res.Run != nil {
		g.Go(func() error {
			var err error
			runListings, cacheAge, fromCache, err = a.loadRunListings(gctx, res.Run.ID)
			return err
		})
	}
	if q.Provider.IncludesSecondary() && a.supplemental != nil {
		g.Go(func() error {
			outcome = a.supplemental.Fetch(gctx, a.secondaryQuery(q, filters))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pagesWithListings := sourcePages(runListings)
	filtered := ApplyFilters(runListings, runFilters)
	pageSize := a.pageSize(q.PageSize)
	resp.Pagination = paginate(len(filtered), q.Page, pageSize, pagesWithListings)
	start := (resp.Pagination.Page - 1) * pageSize
	end := min(start+pageSize, len(filtered))
	if start < end {
		resp.Listings = append(resp.Listings, filtered[start:end]...)
	}

	primaryCount := max(end-start, 0)
	if res != nil && res.Run != nil {
		mode := models.SourceModeRun
		if fromCache {
			mode = models.SourceModeCache
		}
		resp.Meta.ExternalSources.Primary = models.SourceMeta{
			Mode:       mode,
			Count:      len(filtered),
			CacheAgeMs: cacheAge.Milliseconds(),
		}
		if fromCache {
			resp.Meta.ExternalSources.Primary.CachedMode = models.SourceModeRun
		}
	}

	secondaryCount := 0
	if q.Provider.IncludesSecondary() && a.supplemental != nil {
		secondary := ApplyFilters(outcome.Listings, filters)
		secondaryCount = len(secondary)
		resp.Listings = append(resp.Listings, secondary...)
		resp.Meta.ExternalSources.Secondary = models.SourceMeta{
			Mode:                 outcome.Mode,
			CachedMode:           outcome.CachedMode,
			Count:                secondaryCount,
			CacheAgeMs:           outcome.CacheAge.Milliseconds(),
			RequestURL:           outcome.RequestURL,
			DetailBudgetExceeded: outcome.DetailBudgetExceeded,
			DetailsPending:       outcome.DetailsPending,
		}
		resp.Warnings = append(resp.Warnings, outcome.Warnings...)
		if outcome.Mode == models.SourceModeCache && outcome.CacheAge >= time.Minute {
			resp.Warnings = append(resp.Warnings,
				fmt.Sprintf("%s results are %s old.", a.opts.SecondaryLabel, ageLabel(outcome.CacheAge)))
		}
	}

	resp.Meta.Counts = models.Counts{
		Primary:   primaryCount,
		Secondary: secondaryCount,
		Total:     primaryCount + secondaryCount,
	}
	return resp, nil
}

// describeRun fills the run related metadata and warnings.
func (a *Assembler) describeRun(ctx context.Context, resp *models.ListingResponse, res *models.Resolution) error {
	resp.Meta.Reused = res.Reused
	resp.Meta.Stale = res.Stale
	if res.Run != nil {
		resp.Meta.RunID = res.Run.ID
		resp.Meta.RunStatus = res.Run.Status
		resp.Meta.Region = res.Run.Region
		resp.Meta.Category = res.Run.Category
		resp.Meta.SearchTerm = res.Run.SearchTerm
	}

	progressRun := res.BuildingRun
	if progressRun == nil {
		progressRun = res.Run
	}
	if progressRun != nil {
		if res.BuildingRun != nil {
			resp.Meta.BuildingRunID = res.BuildingRun.ID
			if res.Run == nil {
				resp.Meta.RunStatus = res.BuildingRun.Status
				resp.Meta.Region = res.BuildingRun.Region
				resp.Meta.Category = res.BuildingRun.Category
				resp.Meta.SearchTerm = res.BuildingRun.SearchTerm
			}
		}
		progress, err := a.store.GetRunProgress(ctx, progressRun.ID)
		if err != nil {
			return fmt.Errorf("%w: run progress: %v", ErrStoreUnavailable, err)
		}
		resp.Meta.Progress = progress
	}

	switch {
	case res.Building && res.BuildingRun == nil:
		resp.Warnings = append(resp.Warnings, "New searches are paused; no run is collecting this query.")
	case res.Stale && res.Run != nil && res.Run.CompletedAt != nil:
		resp.Warnings = append(resp.Warnings,
			fmt.Sprintf("Showing results from %s ago while a fresh run is collected.", ageLabel(time.Since(*res.Run.CompletedAt))))
	case res.Stale:
		resp.Warnings = append(resp.Warnings, "Showing earlier results while a fresh run is collected.")
	case !res.Building && res.BuildingRun != nil && res.Run != nil && res.Run.ID == res.BuildingRun.ID:
		resp.Warnings = append(resp.Warnings, "This run is still collecting pages; more results may appear.")
	}
	return nil
}

// loadRunListings returns the run's full listing set, from the run cache
// when its count still matches the store.
func (a *Assembler) loadRunListings(ctx context.Context, runID int64) ([]models.Listing, time.Duration, bool, error) {
	key := cache.RunKey(runID)
	count, err := a.store.CountListings(ctx, runID)
	if err != nil {
		return nil, 0, false, fmt.Errorf("%w: count listings: %v", ErrStoreUnavailable, err)
	}
	if a.runCache != nil {
		if hit, ok := a.runCache.GetFresh(ctx, key, count); ok {
			return hit.Payload, hit.Age, true, nil
		}
	}

	listings, err := a.store.FetchAllListings(ctx, runID)
	if err != nil {
		return nil, 0, false, fmt.Errorf("%w: fetch listings: %v", ErrStoreUnavailable, err)
	}
	if a.runCache != nil {
		a.runCache.Set(ctx, key, listings, 0, len(listings))
	}
	return listings, 0, false, nil
}

func (a *Assembler) secondaryQuery(q models.ListingQuery, f models.Filters) models.SecondaryQuery {
	stateID := q.StateID
	if stateID == "" {
		stateID = a.opts.DefaultStateID
	}
	return models.SecondaryQuery{
		Region:       q.Region,
		StateID:      stateID,
		Location:     f.Location,
		Query:        f.SearchTerm,
		PropertyType: f.PropertyType,
	}
}

func (a *Assembler) pageSize(requested int) int {
	if requested <= 0 {
		return a.opts.PageSize
	}
	return min(requested, MaxPageSize)
}

func paginate(total, page, pageSize int, pagesWithListings []int) models.Pagination {
	totalPages := 0
	if total > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	if page < 1 {
		page = 1
	}
	if totalPages > 0 && page > totalPages {
		page = totalPages
	}
	if pagesWithListings == nil {
		pagesWithListings = []int{}
	}
	p := models.Pagination{
		Page:              page,
		PageSize:          pageSize,
		Total:             total,
		TotalPages:        totalPages,
		HasPrev:           page > 1,
		HasNext:           page < totalPages,
		PagesWithListings: pagesWithListings,
	}
	if p.HasPrev {
		prev := page - 1
		p.PrevPage = &prev
	}
	if p.HasNext {
		next := page + 1
		p.NextPage = &next
	}
	return p
}

// sourcePages lists the source page numbers that produced at least one
// listing. Derived from the persisted set since pages finish in any order.
func sourcePages(listings []models.Listing) []int {
	seen := make(map[int]struct{})
	pages := []int{}
	for _, l := range listings {
		if l.PageNumber <= 0 {
			continue
		}
		if _, ok := seen[l.PageNumber]; ok {
			continue
		}
		seen[l.PageNumber] = struct{}{}
		pages = append(pages, l.PageNumber)
	}
	sort.Ints(pages)
	return pages
}

func ageLabel(d time.Duration) string {
	minutes := int(d.Minutes())
	switch {
	case minutes < 1:
		return "less than a minute"
	case minutes == 1:
		return "1 minute"
	default:
		return fmt.Sprintf("%d minutes", minutes)
	}
}

package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"scrape_runs/cache"
	"scrape_runs/models"
	"scrape_runs/workers"
)

// MarketplaceSearcher returns listings for a query plus the address that
// was asked.
type MarketplaceSearcher interface {
	Search(ctx context.Context, q models.SecondaryQuery) ([]models.Listing, string, error)
}

// MarketplaceAPI is the searcher that can also fetch per-listing details.
type MarketplaceAPI interface {
	MarketplaceSearcher
	Enrich(ctx context.Context, l models.Listing) (models.Listing, error)
}

// SupplementalOutcome is one supplemental fetch as served. For cache hits
// Mode is "cache" and CachedMode is how the entry was originally obtained.
type SupplementalOutcome struct {
	models.SupplementalResult
	CachedMode string
	CacheAge   time.Duration
}

// SupplementalService fetches secondary marketplace listings: cache first,
// then the API with detail enrichment, then the HTML fallback.
type SupplementalService struct {
	api      MarketplaceAPI
	fallback MarketplaceSearcher
	cache    *cache.ExternalCache
	enricher *workers.DetailEnricher
	limit    int
	label    string
	logger   *logrus.Logger
}

func NewSupplementalService(
	api MarketplaceAPI,
	fallback MarketplaceSearcher,
	externalCache *cache.ExternalCache,
	enricher *workers.DetailEnricher,
	limit int,
	label string,
	logger *logrus.Logger,
) *SupplementalService {
	if label == "" {
		label = "Mercado Libre"
	}
	return &SupplementalService{
		api:      api,
		fallback: fallback,
		cache:    externalCache,
		enricher: enricher,
		limit:    limit,
		label:    label,
		logger:   logger,
	}
}

// CacheKey is the external cache key for q.
func CacheKey(q models.SecondaryQuery) string {
	region := q.StateID
	if region == "" {
		region = q.Region
	}
	return cache.ExternalKey(region, q.Location, strings.TrimSpace(q.PropertyType+" "+q.Query))
}

// Fetch never fails: upstream errors end in an empty result with
// mode "unavailable" and a warning.
func (s *SupplementalService) Fetch(ctx context.Context, q models.SecondaryQuery) SupplementalOutcome {
	if q.Limit <= 0 {
		q.Limit = s.limit
	}
	key := CacheKey(q)
	log := s.logger.WithField("key", key)

	if s.cache != nil {
		if hit, ok := s.cache.Get(ctx, key); ok {
			out := SupplementalOutcome{SupplementalResult: hit.Payload, CachedMode: hit.Payload.Mode, CacheAge: hit.Age}
			out.Mode = models.SourceModeCache
			log.WithField("age", hit.Age.Round(time.Second)).Debug("Supplemental cache hit")
			return out
		}
	}

	var apiErr error
	if s.api != nil {
		listings, requestURL, err := s.api.Search(ctx, q)
		if err == nil {
			result := models.SupplementalResult{Mode: models.SourceModeAPI, RequestURL: requestURL}
			if s.enricher != nil && len(listings) > 0 {
				enriched := s.enricher.Enrich(ctx, listings, s.api.Enrich)
				listings = enriched.Listings
				result.DetailBudgetExceeded = enriched.BudgetExceeded
				result.DetailsPending = enriched.Pending
				if enriched.BudgetExceeded {
					result.Warnings = append(result.Warnings,
						fmt.Sprintf("%d %s listings are shown without full details (detail time budget exceeded).", enriched.Pending, s.label))
				}
			}
			result.Listings = nonNil(listings)
			s.store(ctx, key, result)
			return SupplementalOutcome{SupplementalResult: result}
		}
		apiErr = err
		log.WithError(err).Warn("Marketplace API failed, trying HTML fallback")
	}

	if s.fallback != nil {
		listings, requestURL, err := s.fallback.Search(ctx, q)
		if err == nil {
			result := models.SupplementalResult{
				Listings:   nonNil(listings),
				Mode:       models.SourceModeHTMLFallback,
				RequestURL: requestURL,
				Warnings: []string{
					fmt.Sprintf("%s API unavailable; showing %d listings from its public search page.", s.label, len(listings)),
				},
			}
			s.store(ctx, key, result)
			return SupplementalOutcome{SupplementalResult: result}
		}
		log.WithError(err).Warn("Marketplace HTML fallback failed")
		if apiErr == nil {
			apiErr = err
		}
	}

	reason := "no source configured"
	if apiErr != nil {
		reason = apiErr.Error()
	}
	return SupplementalOutcome{SupplementalResult: models.SupplementalResult{
		Listings: []models.Listing{},
		Mode:     models.SourceModeUnavailable,
		Warnings: []string{fmt.Sprintf("%s listings are unavailable right now (%s).", s.label, reason)},
	}}
}

func (s *SupplementalService) store(ctx context.Context, key string, result models.SupplementalResult) {
	if s.cache != nil {
		s.cache.Set(ctx, key, result, 0, len(result.Listings))
	}
}

// Flush empties the supplemental cache.
func (s *SupplementalService) Flush(ctx context.Context) {
	if s.cache != nil {
		s.cache.Flush(ctx)
	}
}

func nonNil(listings []models.Listing) []models.Listing {
	if listings == nil {
		return []models.Listing{}
	}
	return listings
}

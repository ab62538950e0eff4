package workers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"scrape_runs/models"
)

const (
	DefaultDetailWorkers = 3
	DefaultDetailBudget  = 6 * time.Second
)

// EnrichFunc fetches the detail of one listing and returns the completed
// listing.
type EnrichFunc func(ctx context.Context, l models.Listing) (models.Listing, error)

// EnrichResult is the outcome of one enrichment pass. Listings keeps the
// input order.
type EnrichResult struct {
	Listings       []models.Listing
	Enriched       int
	Pending        int
	Failed         int
	BudgetExceeded bool
}

// DetailEnricher runs detail fetches over a small worker pool under a
// shared time budget. The budget is checked before each item starts; items
// that would start after it are returned as-is with DetailsPending set.
type DetailEnricher struct {
	workers int
	budget  time.Duration
	limiter *rate.Limiter
	logger  *logrus.Logger
	now     func() time.Time
}

// NewDetailEnricher builds an enricher. ratePerSec <= 0 disables the rate
// limit.
func NewDetailEnricher(workers int, budget time.Duration, ratePerSec int, logger *logrus.Logger) *DetailEnricher {
	if workers <= 0 {
		workers = DefaultDetailWorkers
	}
	if budget <= 0 {
		budget = DefaultDetailBudget
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return &DetailEnricher{
		workers: workers,
		budget:  budget,
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

func (e *DetailEnricher) Enrich(ctx context.Context, listings []models.Listing, fn EnrichFunc) EnrichResult {
	out := make([]models.Listing, len(listings))
	copy(out, listings)
	if len(listings) == 0 {
		return EnrichResult{Listings: out}
	}

	deadline := e.now().Add(e.budget)
	jobs := make(chan int)

	var (
		mu     sync.Mutex
		result EnrichResult
		wg     sync.WaitGroup
	)
	markPending := func(i int) {
		mu.Lock()
		out[i].DetailsPending = true
		result.Pending++
		result.BudgetExceeded = true
		mu.Unlock()
	}

	for w := 0; w < min(e.workers, len(listings)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				remaining := deadline.Sub(e.now())
				if remaining <= 0 || ctx.Err() != nil {
					markPending(i)
					continue
				}
				res := e.limiter.Reserve()
				if delay := res.Delay(); delay > 0 {
					if delay >= remaining {
						res.Cancel()
						markPending(i)
						continue
					}
					time.Sleep(delay)
				}

				itemCtx, cancel := context.WithDeadline(ctx, deadline)
				enriched, err := fn(itemCtx, out[i])
				timedOut := errors.Is(itemCtx.Err(), context.DeadlineExceeded)
				cancel()
				if err != nil && timedOut {
					markPending(i)
					continue
				}

				mu.Lock()
				if err != nil {
					result.Failed++
					e.logger.WithFields(logrus.Fields{"listing": out[i].ExternalID, "error": err}).Debug("Detail fetch failed")
				} else {
					out[i] = enriched
					result.Enriched++
				}
				mu.Unlock()
			}
		}()
	}

	for i := range listings {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	result.Listings = out
	if result.BudgetExceeded {
		e.logger.WithFields(logrus.Fields{
			"budget":   e.budget,
			"pending":  result.Pending,
			"enriched": result.Enriched,
		}).Warn("Detail budget exceeded")
	}
	return result
}

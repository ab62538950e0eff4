package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"scrape_runs/httputil"
	"scrape_runs/models"
	"scrape_runs/queue"
	"scrape_runs/storage"
)

const (
	maxURLBody     = 5 << 20
	maxURLRedirect = 5
)

// URLPage is what a legacy job stores for an arbitrary address.
type URLPage struct {
	URL         string              `json:"url"`
	StatusCode  int                 `json:"statusCode"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Links       int                 `json:"links"`
	Ads         []models.RawListing `json:"ads,omitempty"`
	FetchedAt   time.Time           `json:"fetchedAt"`
}

// URLScraper handles url jobs: fetch one admitted address and persist
// what was found (or the error) under the job id.
type URLScraper struct {
	client    *http.Client
	admission *queue.Admission
	store     storage.RunStore
	logger    *logrus.Logger
}

// NewURLScraper copies client and admits every redirect hop the same way
// the first address was admitted. A nil admission resolves through the
// system resolver.
func NewURLScraper(client *http.Client, admission *queue.Admission, store storage.RunStore, logger *logrus.Logger) *URLScraper {
	if admission == nil {
		admission = queue.NewAdmission(nil)
	}
	s := &URLScraper{admission: admission, store: store, logger: logger}
	guarded := *client
	guarded.CheckRedirect = s.checkRedirect
	s.client = &guarded
	return s
}

func (s *URLScraper) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxURLRedirect {
		return errors.New("too many redirects")
	}
	_, err := s.admission.Check(req.Context(), req.URL.String())
	return err
}

func (s *URLScraper) Handle(ctx context.Context, job queue.Job) error {
	log := s.logger.WithFields(logrus.Fields{"job_id": job.ID, "url": job.URL})

	page, scrapeErr := s.fetch(ctx, job.URL)
	result := &models.ScrapeResult{
		JobID:     job.ID,
		Reference: job.Reference,
		TargetURL: job.URL,
		CreatedAt: time.Now().UTC(),
	}
	if scrapeErr != nil {
		result.Error = scrapeErr.Error()
	} else {
		data, err := json.Marshal(page)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result.Data = data
	}

	if err := s.store.SaveScrapeResult(ctx, result); err != nil {
		log.WithError(err).Error("Failed to save scrape result")
		return err
	}
	if scrapeErr != nil {
		log.WithError(scrapeErr).Warn("URL job failed")
		return scrapeErr
	}
	log.WithField("ads", len(page.Ads)).Info("URL job completed")
	return nil
}

func (s *URLScraper) fetch(ctx context.Context, target string) (*URLPage, error) {
	if _, err := s.admission.Check(ctx, target); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", httputil.DefaultUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLBody))
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	page := &URLPage{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		Title:       collapse(doc.Find("title").First().Text()),
		Description: collapse(doc.Find(`meta[name="description"]`).AttrOr("content", "")),
		Links:       doc.Find("a[href]").Length(),
		FetchedAt:   time.Now().UTC(),
	}
	// Classified listing pages also yield their ads.
	if doc.Find(containerSelector).Length() > 0 {
		if snap, err := ParseClassifiedsPage(bytes.NewReader(body), page.URL); err == nil {
			page.Ads = snap.Ads
		}
	}
	return page, nil
}

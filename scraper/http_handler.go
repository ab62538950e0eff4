package scraper

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"scrape_runs/config"
	"scrape_runs/httputil"
	"scrape_runs/models"
)

// HTTPExtractor fetches result pages without a browser. It only works when
// the source renders listings server-side.
type HTTPExtractor struct {
	src    *config.SourceConfig
	client *http.Client
	logger *logrus.Logger
}

func NewHTTPExtractor(src *config.SourceConfig, client *http.Client, logger *logrus.Logger) *HTTPExtractor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPExtractor{src: src, client: client, logger: logger}
}

func (h *HTTPExtractor) ID() string {
	return h.src.ID
}

func (h *HTTPExtractor) Extract(ctx context.Context, target string) (*models.PageSnapshot, error) {
	if err := CheckHost(h.src, target); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	ua := h.src.UserAgent
	if ua == "" {
		ua = httputil.DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "es-CL,es;q=0.9")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	snap, err := ParseClassifiedsPage(resp.Body, resp.Request.URL.String())
	if err != nil {
		return nil, err
	}
	h.logger.WithFields(logrus.Fields{"url": target, "ads": len(snap.Ads)}).Debug("Page extracted")
	return snap, nil
}

func (h *HTTPExtractor) Close() error {
	return nil
}

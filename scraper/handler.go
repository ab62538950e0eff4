package scraper

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"scrape_runs/config"
	"scrape_runs/models"
)

// Extractor turns a results page address into raw ads plus the pagination
// hints observed on the page.
type Extractor interface {
	ID() string
	Extract(ctx context.Context, target string) (*models.PageSnapshot, error)
	Close() error
}

func NewExtractor(src *config.SourceConfig, client *http.Client, navTimeout time.Duration, logger *logrus.Logger) Extractor {
	switch src.Handler {
	case "http":
		return NewHTTPExtractor(src, client, logger)
	case "browser":
		return NewBrowserExtractor(src, navTimeout, logger)
	default:
		return NewBrowserExtractor(src, navTimeout, logger)
	}
}

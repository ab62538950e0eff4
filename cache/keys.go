package cache

import (
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"scrape_runs/identity"
	"scrape_runs/models"
)

const (
	ExternalDefaultTTL = 3 * time.Minute
	ExternalMinTTL     = 30 * time.Second
	ExternalMaxTTL     = 15 * time.Minute

	RunDefaultTTL = 2 * time.Minute
	RunMinTTL     = time.Second
	RunMaxTTL     = 15 * time.Minute
)

// ExternalKey composes the supplemental cache key as region|location|query.
// Within a field token order, case and diacritics do not matter, so
// "Talca Centro" and "centro talca" share an entry; moving a word between
// location and query does not.
func ExternalKey(region, location, query string) string {
	return keyPart(identity.Slugify(region)) + "|" +
		keyPart(strings.Join(identity.TokenSet(location), "-")) + "|" +
		keyPart(strings.Join(identity.TokenSet(query), "-"))
}

func keyPart(s string) string {
	if s == "" {
		return "any"
	}
	return s
}

func RunKey(runID int64) string {
	return strconv.FormatInt(runID, 10)
}

// ExternalCache holds secondary source results per ExternalKey.
type ExternalCache = Cache[models.SupplementalResult]

// RunCache holds a run's ordered listing set per RunKey, with the listing
// count it was built from.
type RunCache = Cache[[]models.Listing]

func NewExternalCache(backend Backend[models.SupplementalResult], ttl time.Duration, logger *logrus.Logger) *ExternalCache {
	return New(backend, Options{
		Name:       "external",
		DefaultTTL: ttlOrDefault(ttl, ExternalDefaultTTL),
		MinTTL:     ExternalMinTTL,
		MaxTTL:     ExternalMaxTTL,
	}, logger)
}

func NewRunCache(backend Backend[[]models.Listing], ttl time.Duration, logger *logrus.Logger) *RunCache {
	return New(backend, Options{
		Name:       "run",
		DefaultTTL: ttlOrDefault(ttl, RunDefaultTTL),
		MinTTL:     RunMinTTL,
		MaxTTL:     RunMaxTTL,
	}, logger)
}

func ttlOrDefault(ttl, def time.Duration) time.Duration {
	if ttl <= 0 {
		return def
	}
	return ttl
}

package scraper

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"scrape_runs/config"
)

var ErrHostNotAllowed = errors.New("host not allowed for source")

// PageURL builds the results address of one page of a query against the
// classifieds source. Page 1 has no suffix; page N appends ".N" to the
// category slug.
func PageURL(src *config.SourceConfig, region, category, search string, page int) (string, error) {
	if page < 1 {
		page = 1
	}
	region = strings.ToLower(strings.TrimSpace(region))
	if region == "" {
		region = src.DefaultRegion
	}

	slug := CategorySlug(src, category)
	if page > 1 {
		slug = fmt.Sprintf("%s.%d", slug, page)
	}

	u, err := url.Parse(strings.TrimRight(src.BaseURL, "/") + "/" + slug)
	if err != nil {
		return "", fmt.Errorf("build page url: %w", err)
	}

	q := url.Values{}
	q.Set("regionslug", region)
	for k, v := range src.QueryParams {
		q.Set(k, v)
	}
	if s := strings.TrimSpace(search); s != "" {
		q.Set("q", s)
	}
	u.RawQuery = encodeOrdered(q)

	if err := CheckHost(src, u.String()); err != nil {
		return "", err
	}
	return u.String(), nil
}

// CategorySlug maps a category to the source's search slug. Unknown
// categories are used as typed.
func CategorySlug(src *config.SourceConfig, category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	if c == "" {
		c = src.DefaultCategory
	}
	if slug, ok := src.CategorySlugs[c]; ok {
		return slug
	}
	if c != "" {
		return c
	}
	return src.CategorySlugs[src.DefaultCategory]
}

// CheckHost rejects addresses outside the source's allowed hosts (or their
// subdomains).
func CheckHost(src *config.SourceConfig, target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHostNotAllowed, err)
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range src.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
}

// encodeOrdered keeps regionslug first, then the remaining keys sorted.
func encodeOrdered(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		if k != "regionslug" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	keys = append([]string{"regionslug"}, keys...)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(q.Get(k)))
	}
	return strings.Join(parts, "&")
}

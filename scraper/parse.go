package scraper

import (
	"fmt"
	"io"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"scrape_runs/models"
)

var (
	pageParamRegex = regexp.MustCompile(`o=(\d+)`)
	digitsRegex    = regexp.MustCompile(`\d+`)
	sizeRuleRegex  = regexp.MustCompile(`(\d+)x(\d+)`)
	bgURLRegex     = regexp.MustCompile(`url\((['"]?)(.*?)['"]?\)`)
	whitespace     = regexp.MustCompile(`\s+`)
)

// Thumbnail size tokens and the larger rendition served for each.
var imageUpscales = [][2]string{
	{"classified-130x130", "classified-960x720"},
	{"classified-180x135", "classified-1024x768"},
	{"classified-250x250", "classified-1280x960"},
	{"classified-320x240", "classified-1280x960"},
}

const (
	containerSelector = "#currentlistings"

	errNoContainer = "listing container #currentlistings not found"
	errNoGrid      = "listing grid not found"
)

// ParseClassifiedsPage reads one rendered results page. Structural problems
// (missing container or grid) are reported in the snapshot's Error, not as a
// Go error, so the caller can decide whether an empty page is a failure.
func ParseClassifiedsPage(r io.Reader, pageURL string) (*models.PageSnapshot, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	base, _ := url.Parse(pageURL)
	snap := &models.PageSnapshot{URL: pageURL, Ads: []models.RawListing{}}

	container := doc.Find(containerSelector).First()
	if container.Length() == 0 {
		snap.Error = errNoContainer
		snap.Pagination = parsePagination(doc, base)
		return snap, nil
	}
	grid := container.Find(".d3-ads-grid.d3-ads-grid--category-list").First()
	if grid.Length() == 0 {
		snap.Error = errNoGrid
		snap.Pagination = parsePagination(doc, base)
		return snap, nil
	}

	grid.Children().Each(func(_ int, tile *goquery.Selection) {
		ad := parseTile(tile, base)
		if ad.Title != "" {
			snap.Ads = append(snap.Ads, ad)
		}
	})
	snap.Pagination = parsePagination(doc, base)
	return snap, nil
}

func parseTile(tile *goquery.Selection, base *url.URL) models.RawListing {
	ad := models.RawListing{
		Title:       cleanText(tile.Find(".d3-ad-tile__title").First()),
		Price:       cleanText(tile.Find(".d3-ad-tile__price").First()),
		Seller:      cleanText(tile.Find(".d3-ad-tile__seller span").First()),
		Location:    cleanText(tile.Find(".d3-ad-tile__location").First()),
		Description: cleanText(tile.Find(".d3-ad-tile__short-description").First()),
		Image:       extractImage(tile, base),
	}
	if href, ok := tile.Find("a.d3-ad-tile__description").First().Attr("href"); ok {
		ad.Link = resolveURL(base, href)
	}
	tile.Find(".d3-ad-tile__details-item").Each(func(_ int, s *goquery.Selection) {
		if d := collapse(s.Text()); d != "" {
			ad.Details = append(ad.Details, d)
		}
	})
	return ad
}

func cleanText(s *goquery.Selection) string {
	return strings.TrimSpace(s.Text())
}

func collapse(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func extractImage(tile *goquery.Selection, base *url.URL) string {
	var candidates []string
	add := func(v string) {
		if v = strings.TrimSpace(v); v != "" {
			candidates = append(candidates, v)
		}
	}

	img := tile.Find(".d3-ad-tile__cover img").First()
	if img.Length() > 0 {
		add(img.AttrOr("src", ""))
		add(img.AttrOr("data-src", ""))
		add(BestSrcsetURL(img.AttrOr("srcset", "")))
		add(BestSrcsetURL(img.AttrOr("data-srcset", "")))

		img.Closest("picture").Find("source").Each(func(_ int, s *goquery.Selection) {
			add(BestSrcsetURL(s.AttrOr("srcset", "")))
			add(BestSrcsetURL(s.AttrOr("data-srcset", "")))
		})
	}
	if style, ok := tile.Find(".d3-ad-tile__cover").First().Attr("style"); ok {
		if m := bgURLRegex.FindStringSubmatch(style); m != nil {
			add(m[2])
		}
	}

	for _, c := range candidates {
		if strings.HasPrefix(c, "data:") {
			continue
		}
		if normalized := normalizeImageURL(base, c); normalized != "" {
			return normalized
		}
	}
	return ""
}

// BestSrcsetURL picks the widest (or densest) candidate of a srcset value.
func BestSrcsetURL(srcset string) string {
	best, bestScore := "", -1
	for _, entry := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(entry))
		if len(fields) == 0 {
			continue
		}
		score := 0
		if len(fields) > 1 {
			desc := fields[1]
			switch {
			case strings.HasSuffix(desc, "w"):
				score, _ = strconv.Atoi(strings.TrimSuffix(desc, "w"))
			case strings.HasSuffix(desc, "x"):
				f, _ := strconv.ParseFloat(strings.TrimSuffix(desc, "x"), 64)
				if f == 0 {
					f = 1
				}
				score = int(f * 1000)
			}
		}
		if score > bestScore {
			best, bestScore = fields[0], score
		}
	}
	return best
}

func normalizeImageURL(base *url.URL, raw string) string {
	abs := resolveURL(base, raw)
	for _, r := range imageUpscales {
		abs = strings.Replace(abs, r[0], r[1], 1)
	}

	u, err := url.Parse(abs)
	if err != nil {
		return abs
	}
	q := u.Query()
	if rule := q.Get("rule"); rule != "" {
		if m := sizeRuleRegex.FindStringSubmatch(rule); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			upscaled := fmt.Sprintf("%dx%d", min(w*2, 1600), min(h*2, 1200))
			q.Set("rule", sizeRuleRegex.ReplaceAllString(rule, upscaled))
			u.RawQuery = q.Encode()
			return u.String()
		}
	}
	return abs
}

func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		scheme := "https"
		if base != nil && base.Scheme != "" {
			scheme = base.Scheme
		}
		href = scheme + ":" + href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

// parsePagination reads the source's pagination nav. Pages come from the
// o= parameter of each link or, failing that, its text.
func parsePagination(doc *goquery.Document, base *url.URL) models.PaginationHints {
	hints := models.PaginationHints{CurrentPage: 1, TotalPages: 1}

	nav := doc.Find(".d3-pagination").First()
	if nav.Length() == 0 {
		nav = doc.Find(`[data-testid="pagination"]`).First()
	}
	if nav.Length() == 0 {
		nav = doc.Find(`nav[aria-label*="pagin"]`).First()
	}
	if nav.Length() == 0 {
		hints.Pages = []int{1}
		return hints
	}
	hints.Found = true

	seen := make(map[int]bool)
	nav.Find("a, button").Each(func(_ int, el *goquery.Selection) {
		text := strings.ToLower(strings.TrimSpace(el.Text()))
		li := el.Closest("li")
		_, hasDisabled := el.Attr("disabled")
		disabled := hasDisabled ||
			el.AttrOr("aria-disabled", "") == "true" ||
			li.HasClass("disabled")
		active := el.AttrOr("aria-current", "") == "page" ||
			li.HasClass("is-active") ||
			li.HasClass("active")

		href := el.AttrOr("href", el.AttrOr("data-href", ""))
		number := pageFromHref(base, href)
		if number == 0 {
			if m := digitsRegex.FindString(text); m != "" {
				number, _ = strconv.Atoi(m)
			}
		}

		rel := el.AttrOr("rel", "")
		switch {
		case strings.Contains(text, "sig") || rel == "next":
			hints.HasNext = !disabled
			hints.NextPage = number
		case strings.Contains(text, "ant") || rel == "prev":
			hints.HasPrev = !disabled
			hints.PrevPage = number
		case number > 0:
			seen[number] = true
			if active {
				hints.CurrentPage = number
			}
		}
	})

	for p := range seen {
		hints.Pages = append(hints.Pages, p)
	}
	sort.Ints(hints.Pages)
	if len(hints.Pages) == 0 {
		hints.Pages = []int{hints.CurrentPage}
	}
	last := hints.Pages[len(hints.Pages)-1]
	hints.TotalPages = max(len(hints.Pages), last)

	if hints.NextPage == 0 && hints.HasNext {
		hints.NextPage = hints.CurrentPage + 1
		for _, p := range hints.Pages {
			if p > hints.CurrentPage {
				hints.NextPage = p
				break
			}
		}
	}
	if hints.PrevPage == 0 && hints.HasPrev {
		hints.PrevPage = max(1, hints.CurrentPage-1)
		for i := len(hints.Pages) - 1; i >= 0; i-- {
			if hints.Pages[i] < hints.CurrentPage {
				hints.PrevPage = hints.Pages[i]
				break
			}
		}
	}
	return hints
}

func pageFromHref(base *url.URL, href string) int {
	if href == "" {
		return 0
	}
	if u, err := url.Parse(resolveURL(base, href)); err == nil {
		if n, err := strconv.Atoi(u.Query().Get("o")); err == nil && n > 0 {
			return n
		}
	}
	if m := pageParamRegex.FindStringSubmatch(href); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

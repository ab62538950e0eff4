package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"scrape_runs/config"
	"scrape_runs/httputil"
	"scrape_runs/identity"
	"scrape_runs/models"
	"scrape_runs/services"
)

const (
	fallbackDefaultLimit = 8
	fallbackMaxLimit     = 24
	fallbackDescription  = "Publicación obtenida desde Mercado Libre (modo fallback)."
	fallbackNoPrice      = "Precio no informado"
)

var (
	marketplaceIDRegex      = regexp.MustCompile(`(?i)MLC-?\d+`)
	fallbackBedroomRegex    = regexp.MustCompile(`(\d+)\s*(?:dorm|habitaci|pieza|hab\.)`)
	fallbackPropertyPattern = []struct {
		Type    string
		Needles []string
	}{
		{models.PropertyDepartamento, []string{"departamento", "depto", "dept."}},
		{models.PropertyCasa, []string{"casa"}},
		{models.PropertyParcela, []string{"parcela", "terreno", "sitio"}},
		{models.PropertyOficina, []string{"oficina", "local", "comercial"}},
		{models.PropertyHabitacion, []string{"habitacion", "habitación", "pieza"}},
	}
)

// MarketplaceFallback reads the marketplace's public search page when the
// API is unavailable.
type MarketplaceFallback struct {
	cfg        *config.MarketplaceConfig
	client     *http.Client
	normalizer *services.Normalizer
	logger     *logrus.Logger
}

func NewMarketplaceFallback(cfg *config.MarketplaceConfig, client *http.Client, normalizer *services.Normalizer, logger *logrus.Logger) *MarketplaceFallback {
	return &MarketplaceFallback{
		cfg:        cfg,
		client:     client,
		normalizer: normalizer,
		logger:     logger,
	}
}

// Search fetches the listing page for q and returns at most q.Limit cards
// (default 8, never more than 24).
func (f *MarketplaceFallback) Search(ctx context.Context, q models.SecondaryQuery) ([]models.Listing, string, error) {
	target := FallbackSearchURL(f.cfg, q)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, target, err
	}
	ua := f.cfg.UserAgent
	if ua == "" {
		ua = httputil.DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "es-CL,es;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, target, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, target, fmt.Errorf("marketplace listing page returned %d", resp.StatusCode)
	}

	listings, err := f.parse(resp.Body, target, fallbackLimit(q.Limit))
	if err != nil {
		return nil, target, err
	}
	f.logger.WithFields(logrus.Fields{"url": target, "results": len(listings)}).Debug("Marketplace fallback parsed")
	return listings, target, nil
}

func fallbackLimit(limit int) int {
	if limit <= 0 {
		return fallbackDefaultLimit
	}
	return max(1, min(limit, fallbackMaxLimit))
}

// ParseFallbackPage is exported for fixtures; Search uses the same path.
func (f *MarketplaceFallback) ParseFallbackPage(r io.Reader, pageURL string, limit int) ([]models.Listing, error) {
	return f.parse(r, pageURL, fallbackLimit(limit))
}

func (f *MarketplaceFallback) parse(r io.Reader, pageURL string, limit int) ([]models.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}
	base, _ := url.Parse(pageURL)

	seen := make(map[string]bool)
	var out []models.Listing
	doc.Find("li.ui-search-layout__item").EachWithBreak(func(_ int, node *goquery.Selection) bool {
		if len(out) >= limit {
			return false
		}
		wrapper := node.Find(".ui-search-result__wrapper").First()
		if wrapper.Length() == 0 {
			wrapper = node
		}
		linkEl := wrapper.Find("a.ui-search-link").First()
		titleEl := wrapper.Find("h2.ui-search-item__title").First()
		if linkEl.Length() == 0 || titleEl.Length() == 0 {
			return true
		}
		link := stripFragment(resolveURL(base, strings.TrimSpace(linkEl.AttrOr("href", ""))))
		if link == "" || seen[link] {
			return true
		}
		seen[link] = true

		var details []string
		wrapper.Find(".ui-search-card-attributes__attribute").Each(func(_ int, a *goquery.Selection) {
			if t := cleanText(a); t != "" {
				details = append(details, t)
			}
		})

		out = append(out, f.toListing(fallbackCard{
			Link:     link,
			Title:    cleanText(titleEl),
			Price:    cleanText(firstMatch(wrapper, ".ui-search-price__second-line", ".ui-search-item__price", ".andes-money-amount__fraction")),
			Location: cleanText(firstMatch(wrapper, ".ui-search-item__group__element--location", ".ui-search-item__location")),
			Seller:   cleanText(firstMatch(wrapper, ".ui-search-official-store-label", ".ui-search-item__group__element--seller")),
			Image:    fallbackImage(base, firstMatch(wrapper, "img.ui-search-result-image__element", "img")),
			Details:  details,
		}, pageURL))
		return true
	})
	return out, nil
}

type fallbackCard struct {
	Link     string
	Title    string
	Price    string
	Location string
	Seller   string
	Image    string
	Details  []string
}

func (f *MarketplaceFallback) toListing(card fallbackCard, pageURL string) models.Listing {
	text := card.Title + " " + strings.Join(card.Details, " ")
	price := card.Price
	if price == "" {
		price = fallbackNoPrice
	}
	seller := card.Seller
	if seller == "" {
		seller = defaultSeller
	}

	rawID := ""
	if m := marketplaceIDRegex.FindString(card.Link); m != "" {
		rawID = strings.ToUpper(strings.ReplaceAll(m, "-", ""))
	}
	externalID := "ml-" + rawID
	if rawID == "" {
		externalID = "ml-fallback-" + uuid.NewString()
	}

	raw, _ := json.Marshal(map[string]interface{}{
		"source":     f.cfg.ID,
		"id":         rawID,
		"fallback":   true,
		"sourcePage": pageURL,
	})

	return models.Listing{
		ExternalID:      externalID,
		Title:           card.Title,
		Description:     fallbackDescription,
		PriceLabel:      price,
		PriceNumeric:    f.normalizer.ParsePrice(card.Price),
		Location:        card.Location,
		Seller:          seller,
		PropertyType:    fallbackPropertyType(text),
		BedroomCount:    fallbackBedrooms(text),
		TransactionType: models.TransactionRent,
		Link:            card.Link,
		Image:           card.Image,
		Details:         card.Details,
		Source:          f.cfg.ID,
		Raw:             raw,
	}
}

// FallbackSearchURL builds the listing page address from slug tokens: the
// property keyword, the location, the query (or the default query), then
// the default city and "arriendo" when missing.
func FallbackSearchURL(cfg *config.MarketplaceConfig, q models.SecondaryQuery) string {
	var tokens []string
	seen := make(map[string]bool)
	push := func(v string) {
		for _, tok := range identity.Tokens(v) {
			if !seen[tok] {
				seen[tok] = true
				tokens = append(tokens, tok)
			}
		}
	}

	if kw := propertyKeyword(q.PropertyType); kw != "" {
		push(kw)
	}
	push(q.Location)
	push(q.Query)
	if len(tokens) == 0 {
		push(cfg.DefaultQuery)
	}
	if cfg.DefaultCity != "" && !seen[identity.Fold(cfg.DefaultCity)] {
		push(cfg.DefaultCity)
	}
	if !seen["arriendo"] {
		push("arriendo")
	}

	slug := identity.Slugify(strings.Join(tokens, " "))
	if slug == "" {
		slug = identity.Slugify(cfg.DefaultQuery)
	}

	params := url.Values{}
	state := q.StateID
	if state == "" {
		state = cfg.DefaultStateID
	}
	if state != "" {
		params.Set("state", state)
	}
	params.Set("since", "today")
	return fmt.Sprintf("%s/%s?%s", strings.TrimRight(cfg.FallbackBaseURL, "/"), slug, params.Encode())
}

func propertyKeyword(propertyType string) string {
	propertyType = strings.ToLower(strings.TrimSpace(propertyType))
	if propertyType == "" {
		return ""
	}
	for _, p := range fallbackPropertyPattern {
		if p.Type == propertyType {
			return p.Needles[0]
		}
	}
	return propertyType
}

func fallbackPropertyType(text string) string {
	text = strings.ToLower(text)
	for _, p := range fallbackPropertyPattern {
		for _, n := range p.Needles {
			if strings.Contains(text, n) {
				return p.Type
			}
		}
	}
	return ""
}

func fallbackBedrooms(text string) *int {
	m := fallbackBedroomRegex.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return nil
	}
	var n int
	if _, err := fmt.Sscanf(m[1], "%d", &n); err != nil {
		return nil
	}
	return &n
}

func firstMatch(s *goquery.Selection, selectors ...string) *goquery.Selection {
	for _, sel := range selectors {
		if found := s.Find(sel).First(); found.Length() > 0 {
			return found
		}
	}
	return s.Find(selectors[len(selectors)-1]).First()
}

func fallbackImage(base *url.URL, img *goquery.Selection) string {
	if img.Length() == 0 {
		return ""
	}
	for _, attr := range []string{"data-src", "src"} {
		if v := strings.TrimSpace(img.AttrOr(attr, "")); v != "" && !strings.HasPrefix(v, "data:") {
			return resolveURL(base, v)
		}
	}
	return ""
}

func stripFragment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	return u.String()
}

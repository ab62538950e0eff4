package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"scrape_runs/config"
	"scrape_runs/httputil"
	"scrape_runs/models"
	"scrape_runs/services"
)

const (
	marketplaceMaxLimit = 50
	// Attribute value the marketplace uses for rentals.
	rentOperationID = "242075"
	defaultSeller   = "Mercado Libre"
)

// MarketplaceClient queries the secondary marketplace's public search API.
type MarketplaceClient struct {
	cfg        *config.MarketplaceConfig
	client     *http.Client
	normalizer *services.Normalizer
	logger     *logrus.Logger
}

func NewMarketplaceClient(cfg *config.MarketplaceConfig, client *http.Client, normalizer *services.Normalizer, logger *logrus.Logger) *MarketplaceClient {
	return &MarketplaceClient{
		cfg:        cfg,
		client:     client,
		normalizer: normalizer,
		logger:     logger,
	}
}

func (c *MarketplaceClient) ID() string {
	return c.cfg.ID
}

// SearchURL builds the search endpoint for q.
func (c *MarketplaceClient) SearchURL(q models.SecondaryQuery) string {
	params := url.Values{}
	limit := q.Limit
	if limit <= 0 || limit > marketplaceMaxLimit {
		limit = marketplaceMaxLimit
	}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", "0")
	if c.cfg.CategoryID != "" {
		params.Set("category", c.cfg.CategoryID)
	}
	if term := searchTerms(q); term != "" {
		params.Set("q", term)
	}
	params.Set("OPERATION", rentOperationID)
	state := q.StateID
	if state == "" {
		state = c.cfg.DefaultStateID
	}
	if state != "" {
		params.Set("state", state)
	}
	params.Set("sort", "price_asc")

	return fmt.Sprintf("%s/sites/%s/search?%s", strings.TrimRight(c.cfg.APIBaseURL, "/"), c.cfg.SiteID, params.Encode())
}

// Search returns the marketplace listings for q and the address it asked.
func (c *MarketplaceClient) Search(ctx context.Context, q models.SecondaryQuery) ([]models.Listing, string, error) {
	endpoint := c.SearchURL(q)

	var result marketplaceSearchResponse
	if err := c.getJSON(ctx, endpoint, &result); err != nil {
		return nil, endpoint, err
	}

	listings := make([]models.Listing, 0, len(result.Results))
	for _, item := range result.Results {
		listings = append(listings, c.toListing(item))
	}

	c.logger.WithFields(logrus.Fields{
		"results": len(listings),
		"total":   result.Paging.Total,
	}).Debug("Marketplace search completed")

	return listings, endpoint, nil
}

// Enrich fetches the item detail and fills in the fields the search
// payload leaves thin.
func (c *MarketplaceClient) Enrich(ctx context.Context, l models.Listing) (models.Listing, error) {
	itemID := strings.TrimPrefix(l.ExternalID, "ml-")
	if itemID == "" {
		return l, fmt.Errorf("listing has no marketplace id")
	}
	endpoint := fmt.Sprintf("%s/items/%s", strings.TrimRight(c.cfg.APIBaseURL, "/"), url.PathEscape(itemID))

	var item marketplaceItem
	if err := c.getJSON(ctx, endpoint, &item); err != nil {
		return l, err
	}

	if len(item.Pictures) > 0 {
		if pic := item.Pictures[0].SecureURL; pic != "" {
			l.Image = pic
		} else if pic := item.Pictures[0].URL; pic != "" {
			l.Image = pic
		}
	}
	if details := attributeDetails(item.Attributes); len(details) > 0 {
		l.Details = details
	}
	if l.BedroomCount == nil {
		l.BedroomCount = bedroomsFromAttributes(item.Attributes)
	}
	if l.PropertyType == "" {
		l.PropertyType = propertyTypeFromAttributes(item.Attributes)
	}
	if loc := item.location(); loc != "" {
		l.Location = loc
	}
	return l, nil
}

func (c *MarketplaceClient) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	ua := c.cfg.UserAgent
	if ua == "" {
		ua = httputil.DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("marketplace API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *MarketplaceClient) toListing(item marketplaceItem) models.Listing {
	label := formatPrice(item.Price, item.CurrencyID)
	seller := item.Seller.Nickname
	if seller == "" {
		seller = defaultSeller
	}
	propertyType := propertyTypeFromAttributes(item.Attributes)
	if propertyType == "" {
		propertyType = services.DetectPropertyType(item.Title, "")
	}
	bedrooms := bedroomsFromAttributes(item.Attributes)
	if bedrooms == nil {
		bedrooms = services.ExtractBedrooms(item.Title, "", nil)
	}

	raw, _ := json.Marshal(item)
	return models.Listing{
		ExternalID:      "ml-" + item.ID,
		Title:           item.Title,
		PriceLabel:      label,
		PriceNumeric:    c.price(item, label),
		Location:        item.location(),
		Seller:          seller,
		PropertyType:    propertyType,
		BedroomCount:    bedrooms,
		TransactionType: models.TransactionRent,
		Link:            item.Permalink,
		Image:           strings.Replace(item.Thumbnail, "http://", "https://", 1),
		Details:         attributeDetails(item.Attributes),
		Source:          c.cfg.ID,
		Raw:             raw,
	}
}

type marketplaceSearchResponse struct {
	Paging struct {
		Total  int `json:"total"`
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
	} `json:"paging"`
	Results []marketplaceItem `json:"results"`
}

type marketplaceItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Price      float64 `json:"price"`
	CurrencyID string  `json:"currency_id"`
	Permalink  string  `json:"permalink"`
	Thumbnail  string  `json:"thumbnail"`
	Seller     struct {
		ID       int64  `json:"id"`
		Nickname string `json:"nickname"`
	} `json:"seller"`
	Address struct {
		CityName  string `json:"city_name"`
		StateName string `json:"state_name"`
	} `json:"address"`
	Location struct {
		City struct {
			Name string `json:"name"`
		} `json:"city"`
		State struct {
			Name string `json:"name"`
		} `json:"state"`
	} `json:"location"`
	Attributes []marketplaceAttribute `json:"attributes"`
	Pictures   []struct {
		URL       string `json:"url"`
		SecureURL string `json:"secure_url"`
	} `json:"pictures"`
}

type marketplaceAttribute struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ValueName string `json:"value_name"`
}

func (i marketplaceItem) location() string {
	city, state := i.Address.CityName, i.Address.StateName
	if city == "" {
		city = i.Location.City.Name
	}
	if state == "" {
		state = i.Location.State.Name
	}
	var parts []string
	for _, p := range []string{city, state} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

func attribute(attrs []marketplaceAttribute, id string) string {
	for _, a := range attrs {
		if a.ID == id || a.Name == id {
			return a.ValueName
		}
	}
	return ""
}

func attributeDetails(attrs []marketplaceAttribute) []string {
	var out []string
	for _, id := range []string{"ROOMS", "BEDROOMS", "FULL_BATHROOMS", "BATHROOMS", "TOTAL_AREA", "COVERED_AREA"} {
		a := attribute(attrs, id)
		if a == "" {
			continue
		}
		name := id
		for _, at := range attrs {
			if at.ID == id && at.Name != "" {
				name = at.Name
			}
		}
		out = append(out, name+": "+a)
	}
	return out
}

func bedroomsFromAttributes(attrs []marketplaceAttribute) *int {
	for _, id := range []string{"BEDROOMS", "ROOMS"} {
		v := attribute(attrs, id)
		if v == "" {
			continue
		}
		fields := strings.Fields(v)
		if n, err := strconv.Atoi(fields[0]); err == nil {
			return &n
		}
	}
	return nil
}

func propertyTypeFromAttributes(attrs []marketplaceAttribute) string {
	v := attribute(attrs, "PROPERTY_TYPE")
	if v == "" {
		return ""
	}
	return services.DetectPropertyType(" "+strings.ToLower(v)+" ", "")
}

// formatPrice renders an API amount the way the classifieds show prices,
// so both sources go through the same price parser.
func formatPrice(amount float64, currency string) string {
	if amount <= 0 {
		return ""
	}
	if currency == "CLF" {
		whole, frac := math.Modf(amount)
		label := "UF " + thousands(int64(whole))
		if frac > 0 {
			digits := strconv.FormatFloat(frac, 'f', -1, 64)
			label += "," + strings.TrimPrefix(digits, "0.")
		}
		return label
	}
	return "$ " + thousands(int64(amount))
}

// price converts UF amounts from the API value itself. The label parser
// reads only one separator group and would drop the decimals.
func (c *MarketplaceClient) price(item marketplaceItem, label string) *int64 {
	if item.CurrencyID == "CLF" && item.Price > 0 {
		return c.normalizer.FromUF(item.Price)
	}
	return c.normalizer.ParsePrice(label)
}

func thousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// searchTerms joins the free-text parts of q.
func searchTerms(q models.SecondaryQuery) string {
	var parts []string
	for _, p := range []string{q.PropertyType, q.Query, q.Location} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

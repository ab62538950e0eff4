package services

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"scrape_runs/identity"
	"scrape_runs/models"
)

var (
	rentKeywords = []string{"arriendo", "arrienda", "arriende", "arrendar", "arriendo mensual", "se arrienda", "arriendo casa", "arriendo depto"}
	saleKeywords = []string{"venta", "vende", "vendo", "se vende", "en venta", "compraventa", "propiedad en venta"}

	// Checked in order; the first type with a matching keyword wins.
	propertyTypeKeywords = []struct {
		Type     string
		Keywords []string
	}{
		{models.PropertyCasa, []string{" casa", "casas", "casa ", "casa,"}},
		{models.PropertyDepartamento, []string{"departamento", "depto", "dept."}},
		{models.PropertyParcela, []string{"parcela", "terreno", "sitio", "campo"}},
		{models.PropertyOficina, []string{"oficina", "local", "comercial"}},
		{models.PropertyHabitacion, []string{"habitación", "habitacion", "pieza"}},
		{models.PropertyBodega, []string{"bodega", "galpón", "galpon"}},
	}

	bedroomRegex     = regexp.MustCompile(`(\d+)\s*(?:dorm|habitaci|pieza|cuarto)`)
	linkIDRegex      = regexp.MustCompile(`(?i)id=(\d+)`)
	linkDigitsRegex  = regexp.MustCompile(`(\d{5,})`)
	ufRegex          = regexp.MustCompile(`(?i)uf`)
	ufCleanRegex     = regexp.MustCompile(`[^0-9,.]`)
	ufNumberRegex    = regexp.MustCompile(`(\d+(?:[.,]\d+)?)`)
	nonDigitRegex    = regexp.MustCompile(`[^0-9]`)
	collapseSpaceRgx = regexp.MustCompile(`\s+`)
)

// Normalizer turns raw scraped ads into canonical listings.
type Normalizer struct {
	ufRate        float64
	defaultSource string
}

func NewNormalizer(ufRate float64, defaultSource string) *Normalizer {
	if ufRate <= 0 {
		ufRate = 37000
	}
	if defaultSource == "" {
		defaultSource = "yapo"
	}
	return &Normalizer{ufRate: ufRate, defaultSource: defaultSource}
}

// NormalizeListing builds the stored form of one ad found on pageNumber.
func (n *Normalizer) NormalizeListing(ad models.RawListing, pageNumber int) models.Listing {
	var details []string
	for _, d := range ad.Details {
		if d = strings.TrimSpace(d); d != "" {
			details = append(details, d)
		}
	}
	ad.Details = details

	source := ad.Source
	if source == "" {
		source = n.defaultSource
	}

	title := ad.Title
	if title == "" {
		title = "Sin título"
	}

	raw, _ := json.Marshal(struct {
		models.RawListing
		Source     string `json:"source"`
		SourcePage int    `json:"sourcePage"`
	}{ad, source, pageNumber})

	return models.Listing{
		PageNumber:      pageNumber,
		ExternalID:      ExternalID(ad, pageNumber),
		Title:           title,
		Description:     ad.Description,
		PriceLabel:      ad.Price,
		PriceNumeric:    n.ParsePrice(ad.Price),
		Location:        ad.Location,
		Seller:          ad.Seller,
		PropertyType:    DetectPropertyType(ad.Title, ad.Description),
		BedroomCount:    ExtractBedrooms(ad.Title, ad.Description, details),
		TransactionType: DetectTransactionType(ad),
		Link:            ad.Link,
		Image:           ad.Image,
		Details:         details,
		Source:          source,
		Raw:             raw,
	}
}

// ParsePrice reads a numeric price from a label. UF amounts are converted
// at the configured rate. Labels without digits have no price.
func (n *Normalizer) ParsePrice(label string) *int64 {
	if label == "" {
		return nil
	}
	if uf, ok := extractUF(label); ok {
		return n.FromUF(uf)
	}
	digits := nonDigitRegex.ReplaceAllString(label, "")
	if digits == "" {
		return nil
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil
	}
	return int64Ptr(v)
}

// FromUF converts a UF amount to pesos at the configured rate.
func (n *Normalizer) FromUF(uf float64) *int64 {
	return int64Ptr(int64(math.Round(uf * n.ufRate)))
}

func extractUF(label string) (float64, bool) {
	if !ufRegex.MatchString(label) {
		return 0, false
	}
	cleaned := ufCleanRegex.ReplaceAllString(strings.ToLower(label), " ")
	cleaned = strings.TrimSpace(collapseSpaceRgx.ReplaceAllString(cleaned, " "))
	match := ufNumberRegex.FindString(cleaned)
	if match == "" {
		return 0, false
	}
	numeric := strings.ReplaceAll(match, ".", "")
	numeric = strings.Replace(numeric, ",", ".", 1)
	v, err := strconv.ParseFloat(numeric, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func DetectTransactionType(ad models.RawListing) models.TransactionType {
	hint := strings.ToLower(ad.TransactionHint)
	if strings.Contains(hint, "rent") || strings.Contains(hint, "arriendo") {
		return models.TransactionRent
	}
	if strings.Contains(hint, "sale") || strings.Contains(hint, "venta") || strings.Contains(hint, "vend") {
		return models.TransactionSale
	}

	parts := []string{ad.Title, ad.Description, ad.Price, ad.Location, ad.Seller}
	parts = append(parts, ad.Details...)
	haystack := strings.ToLower(strings.Join(parts, " "))

	if containsAny(haystack, rentKeywords) {
		return models.TransactionRent
	}
	if containsAny(haystack, saleKeywords) {
		return models.TransactionSale
	}

	link := strings.ToLower(ad.Link)
	if strings.Contains(link, "arriendo") {
		return models.TransactionRent
	}
	if strings.Contains(link, "venta") {
		return models.TransactionSale
	}
	return models.TransactionUnknown
}

// DetectPropertyType returns "" when no keyword matches.
func DetectPropertyType(title, description string) string {
	haystack := strings.ToLower(title + " " + description)
	for _, entry := range propertyTypeKeywords {
		if containsAny(haystack, entry.Keywords) {
			return entry.Type
		}
	}
	return ""
}

func ExtractBedrooms(title, description string, details []string) *int {
	if n, ok := matchBedrooms(title + " " + description); ok {
		return &n
	}
	for _, d := range details {
		if n, ok := matchBedrooms(d); ok {
			return &n
		}
	}
	return nil
}

func matchBedrooms(text string) (int, bool) {
	m := bedroomRegex.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ExternalID prefers an id the source put in the link and falls back to a
// content hash.
func ExternalID(ad models.RawListing, pageNumber int) string {
	if ad.Link != "" {
		if m := linkIDRegex.FindStringSubmatch(ad.Link); m != nil {
			return m[1]
		}
		if m := linkDigitsRegex.FindStringSubmatch(ad.Link); m != nil {
			return m[1]
		}
	}
	return identity.ContentID(ad.Title, ad.Location, ad.Price, pageNumber)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func int64Ptr(v int64) *int64 {
	return &v
}

func intPtr(v int) *int {
	return &v
}

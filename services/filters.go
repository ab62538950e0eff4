package services

import (
	"regexp"
	"strconv"
	"strings"

	"scrape_runs/identity"
	"scrape_runs/models"
)

var bedroomRuleRegex = regexp.MustCompile(`^(\d+)(?:-(\d+)|\+)?$`)

// NormalizeFilters cleans caller supplied filters into the form the
// predicates run against. Unknown or empty values drop the filter.
func NormalizeFilters(raw models.RawFilters) models.Filters {
	f := models.Filters{
		PropertyType: normalizeChoice(raw.PropertyType),
		Transaction:  normalizeTransaction(raw.Transaction),
		Location:     strings.TrimSpace(raw.Location),
		SearchTerm:   strings.TrimSpace(raw.SearchTerm),
		MinPrice:     parseBound(raw.MinPrice),
		MaxPrice:     parseBound(raw.MaxPrice),
		Bedrooms:     normalizeBedroomRules(raw.Bedrooms),
	}
	if f.MinPrice != nil && f.MaxPrice != nil && *f.MinPrice > *f.MaxPrice {
		f.MinPrice, f.MaxPrice = f.MaxPrice, f.MinPrice
	}
	return f
}

func normalizeChoice(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "", "all", "any", "todos", "todas":
		return ""
	}
	return v
}

func normalizeTransaction(v string) string {
	switch normalizeChoice(v) {
	case "rent", "arriendo", "arrienda":
		return string(models.TransactionRent)
	case "sale", "venta", "vende":
		return string(models.TransactionSale)
	}
	return ""
}

func parseBound(v string) *int64 {
	digits := nonDigitRegex.ReplaceAllString(v, "")
	if digits == "" {
		return nil
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func normalizeBedroomRules(values []string) []string {
	var rules []string
	seen := make(map[string]bool)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.ReplaceAll(strings.TrimSpace(part), " ", "")
			if !bedroomRuleRegex.MatchString(part) || seen[part] {
				continue
			}
			seen[part] = true
			rules = append(rules, part)
		}
	}
	return rules
}

type predicate func(models.Listing) bool

// predicates returns the active filters in their fixed evaluation order:
// property type, transaction, location, free text, price, bedrooms.
func predicates(f models.Filters) []predicate {
	var preds []predicate

	if f.PropertyType != "" {
		want := f.PropertyType
		preds = append(preds, func(l models.Listing) bool {
			return strings.EqualFold(l.PropertyType, want)
		})
	}

	if f.Transaction != "" {
		want := models.TransactionType(f.Transaction)
		preds = append(preds, func(l models.Listing) bool {
			if l.TransactionType == "" || l.TransactionType == models.TransactionUnknown {
				return true
			}
			return l.TransactionType == want
		})
	}

	if f.Location != "" {
		needle := identity.Fold(f.Location)
		preds = append(preds, func(l models.Listing) bool {
			return strings.Contains(identity.Fold(l.Location), needle)
		})
	}

	if f.SearchTerm != "" {
		needle := identity.Fold(f.SearchTerm)
		preds = append(preds, func(l models.Listing) bool {
			return strings.Contains(searchText(l), needle)
		})
	}

	if f.MinPrice != nil || f.MaxPrice != nil {
		lo, hi := f.MinPrice, f.MaxPrice
		preds = append(preds, func(l models.Listing) bool {
			if l.PriceNumeric == nil {
				return false
			}
			p := *l.PriceNumeric
			if lo != nil && p < *lo {
				return false
			}
			if hi != nil && p > *hi {
				return false
			}
			return true
		})
	}

	if len(f.Bedrooms) > 0 {
		rules := f.Bedrooms
		preds = append(preds, func(l models.Listing) bool {
			if l.BedroomCount == nil {
				return false
			}
			for _, r := range rules {
				if matchBedroomRule(r, *l.BedroomCount) {
					return true
				}
			}
			return false
		})
	}

	return preds
}

func searchText(l models.Listing) string {
	parts := []string{l.Title, l.Description, l.Location, l.Seller}
	parts = append(parts, l.Details...)
	return identity.Fold(strings.Join(parts, " "))
}

// matchBedroomRule understands "n", "a-b" and "n+".
func matchBedroomRule(rule string, count int) bool {
	m := bedroomRuleRegex.FindStringSubmatch(rule)
	if m == nil {
		return false
	}
	lo, _ := strconv.Atoi(m[1])
	switch {
	case m[2] != "":
		hi, _ := strconv.Atoi(m[2])
		if lo > hi {
			lo, hi = hi, lo
		}
		return count >= lo && count <= hi
	case strings.HasSuffix(rule, "+"):
		return count >= lo
	default:
		return count == lo
	}
}

// ApplyFilters keeps the listings that satisfy every active filter. The
// input order is preserved.
func ApplyFilters(listings []models.Listing, f models.Filters) []models.Listing {
	preds := predicates(f)
	if len(preds) == 0 {
		return listings
	}

	out := make([]models.Listing, 0, len(listings))
next:
	for _, l := range listings {
		for _, p := range preds {
			if !p(l) {
				continue next
			}
		}
		out = append(out, l)
	}
	return out
}

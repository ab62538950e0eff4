package models

type Provider string

const (
	ProviderMixed         Provider = "mixed"
	ProviderPrimaryOnly   Provider = "primary-only"
	ProviderSecondaryOnly Provider = "secondary-only"
)

func (p Provider) IncludesPrimary() bool {
	return p != ProviderSecondaryOnly
}

func (p Provider) IncludesSecondary() bool {
	return p != ProviderPrimaryOnly
}

// RawFilters is the filter set as the caller supplied it.
type RawFilters struct {
	PropertyType string
	Transaction  string
	Location     string
	SearchTerm   string
	MinPrice     string
	MaxPrice     string
	Bedrooms     []string
}

// Filters is the normalized filter set the predicates run against.
type Filters struct {
	PropertyType string   `json:"propertyType,omitempty"`
	Transaction  string   `json:"transaction,omitempty"`
	Location     string   `json:"location,omitempty"`
	SearchTerm   string   `json:"searchTerm,omitempty"`
	MinPrice     *int64   `json:"minPrice,omitempty"`
	MaxPrice     *int64   `json:"maxPrice,omitempty"`
	Bedrooms     []string `json:"bedrooms,omitempty"`
}

func (f Filters) HasFilters() bool {
	return f.PropertyType != "" || f.Transaction != "" || f.Location != "" || f.SearchTerm != "" ||
		f.MinPrice != nil || f.MaxPrice != nil || len(f.Bedrooms) > 0
}

// ListingQuery is one listing request.
type ListingQuery struct {
	Region       string
	Category     string
	SearchTerm   string
	Page         int
	PageSize     int
	Pages        string // "N" or "all"
	ForceRefresh bool
	RunID        int64
	Provider     Provider
	StateID      string
	Filters      RawFilters
}

// SecondaryQuery is what the supplemental marketplace is searched with.
type SecondaryQuery struct {
	Region       string
	StateID      string
	Location     string
	Query        string
	PropertyType string
	Limit        int
}

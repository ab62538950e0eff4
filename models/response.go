package models

const (
	ResponseStatusOK       = "ok"
	ResponseStatusBuilding = "building"
)

// Source modes reported per provider in the response metadata.
const (
	SourceModeRun          = "run"
	SourceModeAPI          = "api"
	SourceModeHTMLFallback = "html-fallback"
	SourceModeCache        = "cache"
	SourceModeUnavailable  = "unavailable"
	SourceModeDisabled     = "disabled"
	SourceModeBuilding     = "building"
)

type ListingResponse struct {
	Status     string     `json:"status"`
	Meta       Meta       `json:"meta"`
	Pagination Pagination `json:"pagination"`
	Listings   []Listing  `json:"listings"`
	Warnings   []string   `json:"warnings"`
}

type Meta struct {
	RunID           int64           `json:"runId,omitempty"`
	RunStatus       RunStatus       `json:"runStatus,omitempty"`
	BuildingRunID   int64           `json:"buildingRunId,omitempty"`
	Reused          bool            `json:"reused"`
	Stale           bool            `json:"stale"`
	Region          string          `json:"region"`
	Category        string          `json:"category"`
	SearchTerm      string          `json:"searchTerm"`
	Provider        Provider        `json:"provider"`
	Filters         Filters         `json:"filters"`
	Progress        *RunProgress    `json:"progress,omitempty"`
	Counts          Counts          `json:"counts"`
	ExternalSources ExternalSources `json:"externalSources"`
}

type Counts struct {
	Primary   int `json:"primary"`
	Secondary int `json:"secondary"`
	Total     int `json:"total"`
}

type ExternalSources struct {
	Primary   SourceMeta `json:"primary"`
	Secondary SourceMeta `json:"secondary"`
}

type SourceMeta struct {
	Mode                 string `json:"mode"`
	CachedMode           string `json:"cachedMode,omitempty"`
	Count                int    `json:"count"`
	CacheAgeMs           int64  `json:"cacheAgeMs"`
	RequestURL           string `json:"requestUrl,omitempty"`
	DetailBudgetExceeded bool   `json:"detailBudgetExceeded,omitempty"`
	DetailsPending       int    `json:"detailsPending,omitempty"`
}

type Pagination struct {
	Page              int   `json:"page"`
	PageSize          int   `json:"pageSize"`
	Total             int   `json:"total"`
	TotalPages        int   `json:"totalPages"`
	HasNext           bool  `json:"hasNext"`
	HasPrev           bool  `json:"hasPrev"`
	NextPage          *int  `json:"nextPage"`
	PrevPage          *int  `json:"prevPage"`
	PagesWithListings []int `json:"pagesWithListings"`
}

// SupplementalResult is one fetch of the secondary source, as served and as
// cached.
type SupplementalResult struct {
	Listings             []Listing `json:"listings"`
	Mode                 string    `json:"mode"`
	RequestURL           string    `json:"requestUrl,omitempty"`
	DetailBudgetExceeded bool      `json:"detailBudgetExceeded,omitempty"`
	DetailsPending       int       `json:"detailsPending,omitempty"`
	Warnings             []string  `json:"warnings,omitempty"`
}

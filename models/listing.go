package models

import "encoding/json"

type TransactionType string

const (
	TransactionRent    TransactionType = "rent"
	TransactionSale    TransactionType = "sale"
	TransactionUnknown TransactionType = "unknown"
)

// Property types are a closed set; an unmatched listing has none.
const (
	PropertyCasa         = "casa"
	PropertyDepartamento = "departamento"
	PropertyParcela      = "parcela"
	PropertyOficina      = "oficina"
	PropertyHabitacion   = "habitacion"
	PropertyBodega       = "bodega"
)

// RawListing is one ad as the extraction routine returned it.
type RawListing struct {
	Title           string   `json:"title"`
	Price           string   `json:"price"`
	Seller          string   `json:"seller,omitempty"`
	Location        string   `json:"location,omitempty"`
	Description     string   `json:"description,omitempty"`
	Image           string   `json:"image,omitempty"`
	Link            string   `json:"link,omitempty"`
	Details         []string `json:"details,omitempty"`
	TransactionHint string   `json:"transactionType,omitempty"`
	Source          string   `json:"source,omitempty"`
}

// PageSnapshot is the full output of extracting one source page.
type PageSnapshot struct {
	URL        string          `json:"url"`
	Ads        []RawListing    `json:"ads"`
	Pagination PaginationHints `json:"pagination"`
	Error      string          `json:"error,omitempty"`
}

type Listing struct {
	ID              int64           `json:"id" db:"id"`
	RunID           int64           `json:"runId,omitempty" db:"run_id"`
	PageNumber      int             `json:"sourcePage" db:"page_number"`
	ExternalID      string          `json:"externalId" db:"external_id"`
	Title           string          `json:"title" db:"title"`
	Description     string          `json:"description" db:"description"`
	PriceLabel      string          `json:"price" db:"price_label"`
	PriceNumeric    *int64          `json:"priceNumeric" db:"price_numeric"`
	Location        string          `json:"location" db:"location"`
	Seller          string          `json:"seller" db:"seller"`
	PropertyType    string          `json:"propertyType,omitempty" db:"property_type"`
	BedroomCount    *int            `json:"bedroomCount" db:"bedroom_count"`
	TransactionType TransactionType `json:"transactionType" db:"transaction_type"`
	Link            string          `json:"link" db:"link"`
	Image           string          `json:"image" db:"image"`
	Details         []string        `json:"details"`
	Source          string          `json:"source"`
	Raw             json.RawMessage `json:"raw,omitempty" db:"raw"`

	// Set on supplemental listings whose detail fetch was abandoned.
	DetailsPending bool `json:"detailsPending,omitempty"`
}

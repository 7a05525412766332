package domain

import "time"

// Category classifies a billable line item.
type Category string

const (
	CategoryAccommodation Category = "accommodation"
	CategoryActivity      Category = "activity"
	CategoryTransport     Category = "transport"
	CategoryMeal          Category = "meal"
)

// Categories lists every category in aggregation order.
var Categories = []Category{CategoryAccommodation, CategoryActivity, CategoryTransport, CategoryMeal}

// Location is an optional place reference attached to a day or a line item. AggregatePrice is a
// day-level price override supplied by some sources.
type Location struct {
	City           string  `json:"city,omitempty"`
	Country        string  `json:"country,omitempty"`
	AggregatePrice float64 `json:"aggregatePrice,omitempty"`
}

// LineItem is one billable unit such as an accommodation stay, an activity, a transport leg or a
// meal. Raw keeps the source payload because its shape differs between origins.
type LineItem struct {
	Category  Category       `json:"category"`
	Raw       map[string]any `json:"raw,omitempty"`
	UnitPrice float64        `json:"unitPrice"`
	Quantity  float64        `json:"quantity"`
	Location  *Location      `json:"location,omitempty"`
}

// Day groups the line items of a single itinerary day by category.
type Day struct {
	Index    int                     `json:"index"`
	Location *Location               `json:"location,omitempty"`
	Items    map[Category][]LineItem `json:"items"`
}

// Travelers counts the people a package is priced for.
type Travelers struct {
	Adults   int `json:"adults"`
	Children int `json:"children"`
}

// Total returns adults plus children.
func (t Travelers) Total() int {
	return t.Adults + t.Children
}

// Destination identifies where the package takes place. Country drives tax and currency.
type Destination struct {
	Country string `json:"country"`
	City    string `json:"city,omitempty"`
}

// PricingInputs is the normalized view of a package ready to be priced.
type PricingInputs struct {
	PackageID      string      `json:"packageId,omitempty"`
	Days           []Day       `json:"days"`
	Travelers      Travelers   `json:"travelers"`
	Destination    Destination `json:"destination"`
	SourceCurrency string      `json:"sourceCurrency,omitempty"`
}

// RawItinerary is the opaque record returned by an itinerary source.
type RawItinerary struct {
	PackageID string         `json:"packageId"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

package services

import (
	"strings"

	"golang.org/x/text/cases"

	domain "github.com/tripfare/api/internal/domain"
)

// DefaultNightlyEstimate is the flat estimate used when neither the city nor the country of an
// item is known.
const DefaultNightlyEstimate = 100.0

var (
	unitPriceFields = []string{
		"pricePerNight", "price_per_night", "nightlyRate", "ratePerNight",
		"pricePerUnit", "unitPrice", "perPersonPrice",
		"price", "cost", "rate", "amount",
	}
	totalPriceFields = []string{"totalPrice", "total_price", "totalCost", "total"}
	quantityFields   = []string{"nights", "numberOfNights", "quantity", "count"}
)

// EstimateTable holds representative nightly accommodation costs keyed by case-folded city and
// country names.
type EstimateTable struct {
	Cities    map[string]float64
	Countries map[string]float64
	Default   float64
}

// PriceExtractorOptions customises a PriceExtractor.
type PriceExtractorOptions struct {
	Estimates *EstimateTable
}

// PriceExtractor resolves a single unit price from a heterogeneously shaped line item. It holds
// no mutable state and is safe for concurrent use.
type PriceExtractor struct {
	cities    map[string]float64
	countries map[string]float64
	fallback  float64
}

// NewPriceExtractor builds an extractor backed by the supplied estimate table or the built-in one.
func NewPriceExtractor(opts PriceExtractorOptions) *PriceExtractor {
	table := opts.Estimates
	if table == nil {
		table = DefaultEstimateTable()
	}
	fallback := table.Default
	if fallback <= 0 {
		fallback = DefaultNightlyEstimate
	}
	extractor := &PriceExtractor{
		cities:    make(map[string]float64, len(table.Cities)),
		countries: make(map[string]float64, len(table.Countries)),
		fallback:  fallback,
	}
	for name, value := range table.Cities {
		if value > 0 {
			extractor.cities[foldName(name)] = value
		}
	}
	for name, value := range table.Countries {
		if value > 0 {
			extractor.countries[foldName(name)] = value
		}
	}
	return extractor
}

// ExtractUnitPrice returns a strictly positive per-unit price for item. Candidates that are zero,
// negative or unparsable are skipped so that the geographic estimate can still apply.
func (e *PriceExtractor) ExtractUnitPrice(item domain.LineItem, contextLocation *domain.Location) float64 {
	if price, ok := positiveField(item.Raw, unitPriceFields); ok {
		return price
	}
	if pricing, ok := payloadMap(item.Raw["pricing"]); ok {
		if price, ok := positiveField(pricing, unitPriceFields); ok {
			return price
		}
	}
	if contextLocation != nil && contextLocation.AggregatePrice > 0 {
		return contextLocation.AggregatePrice
	}
	if price, ok := derivedUnitPrice(item.Raw); ok {
		return price
	}
	loc := item.Location
	if loc == nil {
		loc = contextLocation
	}
	return e.Estimate(loc)
}

// Estimate looks the location up by city, then by country, falling back to the flat default.
func (e *PriceExtractor) Estimate(loc *domain.Location) float64 {
	if loc != nil {
		if value, ok := e.cities[foldName(loc.City)]; ok {
			return value
		}
		if value, ok := e.countries[foldName(loc.Country)]; ok {
			return value
		}
	}
	return e.fallback
}

func derivedUnitPrice(raw map[string]any) (float64, bool) {
	total, ok := positiveField(raw, totalPriceFields)
	if !ok {
		if pricing, nested := payloadMap(raw["pricing"]); nested {
			total, ok = positiveField(pricing, totalPriceFields)
		}
	}
	if !ok {
		return 0, false
	}
	quantity, ok := positiveField(raw, quantityFields)
	if !ok {
		return 0, false
	}
	return total / quantity, true
}

func foldName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	return cases.Fold().String(trimmed)
}

// DefaultEstimateTable returns the built-in nightly accommodation estimates.
func DefaultEstimateTable() *EstimateTable {
	return &EstimateTable{
		Cities: map[string]float64{
			"Paris":     180,
			"London":    200,
			"Rome":      150,
			"Barcelona": 140,
			"Amsterdam": 170,
			"Berlin":    120,
			"Zurich":    220,
			"Dubai":     160,
			"Singapore": 170,
			"Bangkok":   60,
			"Phuket":    80,
			"Bali":      70,
			"Tokyo":     150,
			"Kyoto":     130,
			"Seoul":     110,
			"Sydney":    160,
			"Auckland":  140,
			"New York":  250,
			"Maldives":  300,
			"Goa":       60,
			"Mumbai":    80,
			"Delhi":     70,
			"Jaipur":    50,
			"Manali":    40,
			"Kerala":    55,
		},
		Countries: map[string]float64{
			"France":               150,
			"United Kingdom":       170,
			"Italy":                130,
			"Spain":                120,
			"Netherlands":          150,
			"Germany":              110,
			"Switzerland":          200,
			"United Arab Emirates": 140,
			"Singapore":            170,
			"Thailand":             50,
			"Indonesia":            60,
			"Japan":                130,
			"South Korea":          100,
			"Australia":            140,
			"New Zealand":          130,
			"United States":        180,
			"Maldives":             250,
			"India":                50,
			"Vietnam":              40,
			"Sri Lanka":            45,
			"Nepal":                35,
		},
		Default: DefaultNightlyEstimate,
	}
}

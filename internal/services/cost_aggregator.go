package services

import (
	domain "github.com/tripfare/api/internal/domain"
)

// CostAggregator sums per-category costs across itinerary days. It performs no I/O.
type CostAggregator struct {
	extractor *PriceExtractor
}

// NewCostAggregator wires the price extractor used to resolve each line item.
func NewCostAggregator(extractor *PriceExtractor) *CostAggregator {
	if extractor == nil {
		extractor = NewPriceExtractor(PriceExtractorOptions{})
	}
	return &CostAggregator{extractor: extractor}
}

// Aggregate returns the four category subtotals for days. Days without items in a category
// contribute zero.
func (a *CostAggregator) Aggregate(days []domain.Day) domain.CategoryTotals {
	var totals domain.CategoryTotals
	for _, day := range days {
		for _, category := range domain.Categories {
			for _, item := range day.Items[category] {
				totals.Add(category, a.lineCost(item, day.Location))
			}
		}
	}
	return totals
}

// AggregateItems returns every line item with UnitPrice resolved, in day then category order.
func (a *CostAggregator) AggregateItems(days []domain.Day) []domain.LineItem {
	var out []domain.LineItem
	for _, day := range days {
		for _, category := range domain.Categories {
			for _, item := range day.Items[category] {
				resolved := item
				resolved.UnitPrice = a.extractor.ExtractUnitPrice(item, day.Location)
				resolved.Quantity = effectiveQuantity(item.Quantity)
				if resolved.Location == nil && day.Location != nil {
					loc := *day.Location
					resolved.Location = &loc
				}
				out = append(out, resolved)
			}
		}
	}
	return out
}

func (a *CostAggregator) lineCost(item domain.LineItem, dayLocation *domain.Location) float64 {
	return a.extractor.ExtractUnitPrice(item, dayLocation) * effectiveQuantity(item.Quantity)
}

func effectiveQuantity(quantity float64) float64 {
	if quantity <= 0 {
		return 1
	}
	return quantity
}

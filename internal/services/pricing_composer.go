package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/tripfare/api/internal/domain"
)

// ChildShareFactor is the portion of their proportional share that children collectively bear.
const ChildShareFactor = 0.75

// ErrPricingInvalidInput signals an un-priceable package such as one without adults.
var ErrPricingInvalidInput = errors.New("pricing: invalid input")

// PricingComposerDeps enumerates collaborators required by the composer. Tax and Converter are
// only needed for Quote enrichments.
type PricingComposerDeps struct {
	Aggregator  *CostAggregator
	Tax         *TaxCalculator
	Converter   *CurrencyConverter
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// PricingComposer turns aggregated costs into a complete pricing snapshot.
type PricingComposer struct {
	aggregator *CostAggregator
	tax        *TaxCalculator
	converter  *CurrencyConverter
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewPricingComposer wires the composer. A missing aggregator defaults to one backed by the
// built-in estimate table.
func NewPricingComposer(deps PricingComposerDeps) *PricingComposer {
	aggregator := deps.Aggregator
	if aggregator == nil {
		aggregator = NewCostAggregator(nil)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PricingComposer{
		aggregator: aggregator,
		tax:        deps.Tax,
		converter:  deps.Converter,
		clock:      func() time.Time { return clock().UTC() },
		newID:      idGen,
		logger:     logger,
	}
}

// Compose aggregates inputs, applies markupPercent and allocates the final total per person.
// Tax is not part of the result; see Quote.
func (c *PricingComposer) Compose(inputs domain.PricingInputs, markupPercent float64) (domain.PricingSnapshot, error) {
	if err := validatePricingInputs(inputs, markupPercent); err != nil {
		return domain.PricingSnapshot{}, err
	}

	subtotals := c.aggregator.Aggregate(inputs.Days)
	totalBase := subtotals.Total()
	markupAmount := totalBase * markupPercent / 100
	finalTotal := totalBase + markupAmount

	adults := float64(inputs.Travelers.Adults)
	children := float64(inputs.Travelers.Children)
	totalPax := adults + children

	perPerson := domain.PerPersonPrice{
		Adult: finalTotal * (adults / totalPax) / adults,
	}
	if inputs.Travelers.Children > 0 {
		perPerson.Child = finalTotal * (children / totalPax) * ChildShareFactor / children
	}

	return domain.PricingSnapshot{
		ID:             c.newID(),
		PackageID:      inputs.PackageID,
		Subtotals:      subtotals,
		TotalBase:      totalBase,
		Markup:         domain.Markup{Percentage: markupPercent, Amount: markupAmount},
		FinalTotal:     finalTotal,
		PerPerson:      perPerson,
		Travelers:      inputs.Travelers,
		Currency:       ResolveCurrency(inputs.Destination.Country).Code,
		SourceCurrency: sourceCurrency(inputs),
		ComputedAt:     c.clock(),
	}, nil
}

func sourceCurrency(inputs domain.PricingInputs) string {
	if code := normalizeCurrencyCode(inputs.SourceCurrency); code != "" {
		return code
	}
	return DefaultSourceCurrency
}

// TaxRequest asks Quote to layer a tax computation over the final total.
type TaxRequest struct {
	ServiceType string
	Inclusive   bool
}

// QuoteRequest describes a composed quote with optional enrichments.
type QuoteRequest struct {
	Inputs          domain.PricingInputs
	MarkupPercent   float64
	Tax             *TaxRequest
	DisplayCurrency string
}

// Quote composes a snapshot and optionally attaches a tax computation and a display-currency
// conversion. Neither enrichment changes FinalTotal.
func (c *PricingComposer) Quote(ctx context.Context, req QuoteRequest) (domain.PricingSnapshot, error) {
	snapshot, err := c.Compose(req.Inputs, req.MarkupPercent)
	if err != nil {
		return domain.PricingSnapshot{}, err
	}

	if req.Tax != nil && c.tax != nil {
		result := c.tax.ComputeTax(snapshot.FinalTotal, CountryCode(req.Inputs.Destination.Country), req.Tax.ServiceType, req.Tax.Inclusive)
		snapshot.Tax = &result
	}

	if target := normalizeCurrencyCode(req.DisplayCurrency); target != "" && c.converter != nil {
		source := snapshot.SourceCurrency
		rate, err := c.converter.EffectiveRate(source, target)
		if err != nil {
			c.logger(ctx, "pricing_conversion_skipped", map[string]any{
				"packageId": snapshot.PackageID,
				"from":      source,
				"to":        target,
				"error":     err.Error(),
			})
		} else {
			snapshot.Converted = &domain.ConvertedTotals{
				From:       source,
				To:         target,
				Rate:       rate,
				FinalTotal: snapshot.FinalTotal * rate,
				Adult:      snapshot.PerPerson.Adult * rate,
				Child:      snapshot.PerPerson.Child * rate,
			}
		}
	}
	return snapshot, nil
}

func validatePricingInputs(inputs domain.PricingInputs, markupPercent float64) error {
	if inputs.Travelers.Adults < 1 {
		return fmt.Errorf("%w: at least one adult is required", ErrPricingInvalidInput)
	}
	if inputs.Travelers.Children < 0 {
		return fmt.Errorf("%w: children cannot be negative", ErrPricingInvalidInput)
	}
	if math.IsNaN(markupPercent) || math.IsInf(markupPercent, 0) || markupPercent < 0 {
		return fmt.Errorf("%w: markup percent must be a non-negative number", ErrPricingInvalidInput)
	}
	return nil
}

// ValidateMarkupSettings defaults an empty type to percentage and rejects negative or
// non-finite percentages.
func ValidateMarkupSettings(settings domain.MarkupSettings) (domain.MarkupSettings, error) {
	if settings.Type == "" {
		settings.Type = domain.MarkupTypePercentage
	}
	if settings.Type != domain.MarkupTypePercentage {
		return domain.MarkupSettings{}, fmt.Errorf("%w: unsupported markup type %q", ErrPricingInvalidInput, settings.Type)
	}
	if math.IsNaN(settings.Percent) || math.IsInf(settings.Percent, 0) || settings.Percent < 0 {
		return domain.MarkupSettings{}, fmt.Errorf("%w: markup percent must be a non-negative number", ErrPricingInvalidInput)
	}
	return settings, nil
}

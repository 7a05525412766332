package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/tripfare/api/internal/domain"
)

// ErrTaxInvalidConfiguration signals a configuration without exactly one default rate, or with
// negative rates.
var ErrTaxInvalidConfiguration = errors.New("tax: invalid configuration")

// TaxConfigurationLister is the read side of the tax configuration store.
type TaxConfigurationLister interface {
	List(ctx context.Context) ([]domain.TaxConfiguration, error)
}

// TaxCalculator computes tax and withholding per jurisdiction. Configurations live on the
// instance, so independent calculators can coexist in one process.
type TaxCalculator struct {
	mu      sync.RWMutex
	configs map[string]domain.TaxConfiguration
	now     func() time.Time
}

// NewTaxCalculator validates and installs the given configurations.
func NewTaxCalculator(configs ...domain.TaxConfiguration) (*TaxCalculator, error) {
	calc := &TaxCalculator{
		configs: make(map[string]domain.TaxConfiguration, len(configs)),
		now:     time.Now,
	}
	for _, cfg := range configs {
		if err := calc.Upsert(cfg); err != nil {
			return nil, err
		}
	}
	return calc, nil
}

// ComputeTax applies the jurisdiction's rate for serviceType to amount. Without a configuration
// for the jurisdiction the tax is zero and the total equals amount.
func (c *TaxCalculator) ComputeTax(amount float64, jurisdiction, serviceType string, inclusive bool) domain.TaxResult {
	jurisdiction = normalizeJurisdiction(jurisdiction)
	serviceType = strings.TrimSpace(serviceType)

	result := domain.TaxResult{
		Jurisdiction:  jurisdiction,
		ServiceType:   serviceType,
		Inclusive:     inclusive,
		BaseAmount:    amount,
		TotalAmount:   amount,
		PayableAmount: amount,
		Breakdown:     []domain.TaxBreakdown{},
	}

	cfg, ok := c.Configuration(jurisdiction)
	if !ok {
		return result
	}
	entry, ok := resolveTaxRate(cfg, serviceType)
	if !ok {
		return result
	}

	rate := entry.Rate
	if inclusive {
		net := amount / (1 + rate/100)
		result.BaseAmount = net
		result.TaxAmount = amount - net
		result.TotalAmount = amount
	} else {
		result.TaxAmount = amount * rate / 100
		result.TotalAmount = amount + result.TaxAmount
	}
	result.PayableAmount = result.TotalAmount

	result.Breakdown = append(result.Breakdown, domain.TaxBreakdown{
		Kind:        domain.TaxBreakdownTax,
		Rate:        rate,
		Amount:      result.TaxAmount,
		Description: taxDescription(cfg.Kind, entry, inclusive),
	})

	if rule := cfg.Withholding; rule != nil && rule.Rate > 0 && result.TotalAmount > rule.Threshold {
		withholding := result.TotalAmount * rule.Rate / 100
		result.WithholdingAmount = &withholding
		result.PayableAmount = result.TotalAmount - withholding
		result.Breakdown = append(result.Breakdown, domain.TaxBreakdown{
			Kind:        domain.TaxBreakdownWithholding,
			Rate:        rule.Rate,
			Amount:      withholding,
			Description: withholdingDescription(*rule),
		})
	}
	return result
}

// Configuration returns the configuration for jurisdiction.
func (c *TaxCalculator) Configuration(jurisdiction string) (domain.TaxConfiguration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configs[normalizeJurisdiction(jurisdiction)]
	if !ok {
		return domain.TaxConfiguration{}, false
	}
	return cloneTaxConfiguration(cfg), true
}

// Configurations lists every configuration sorted by jurisdiction.
func (c *TaxCalculator) Configurations() []domain.TaxConfiguration {
	c.mu.RLock()
	out := make([]domain.TaxConfiguration, 0, len(c.configs))
	for _, cfg := range c.configs {
		out = append(out, cloneTaxConfiguration(cfg))
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Jurisdiction < out[j].Jurisdiction })
	return out
}

// Upsert validates cfg and installs it, replacing any configuration for the same jurisdiction.
func (c *TaxCalculator) Upsert(cfg domain.TaxConfiguration) error {
	normalized, err := ValidateTaxConfiguration(cfg)
	if err != nil {
		return err
	}
	if normalized.UpdatedAt.IsZero() {
		normalized.UpdatedAt = c.now().UTC()
	}
	c.mu.Lock()
	c.configs[normalized.Jurisdiction] = normalized
	c.mu.Unlock()
	return nil
}

// Reload replaces all configurations with those listed by store. Invalid entries are rejected
// and leave the current set untouched.
func (c *TaxCalculator) Reload(ctx context.Context, store TaxConfigurationLister) error {
	if store == nil {
		return errors.New("tax: configuration store is required")
	}
	configs, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("tax: list configurations: %w", err)
	}
	next := make(map[string]domain.TaxConfiguration, len(configs))
	for _, cfg := range configs {
		normalized, err := ValidateTaxConfiguration(cfg)
		if err != nil {
			return err
		}
		next[normalized.Jurisdiction] = normalized
	}
	c.mu.Lock()
	c.configs = next
	c.mu.Unlock()
	return nil
}

// ValidateTaxConfiguration normalizes codes and enforces exactly one default rate entry.
func ValidateTaxConfiguration(cfg domain.TaxConfiguration) (domain.TaxConfiguration, error) {
	cfg = cloneTaxConfiguration(cfg)
	cfg.Jurisdiction = normalizeJurisdiction(cfg.Jurisdiction)
	if cfg.Jurisdiction == "" {
		return domain.TaxConfiguration{}, fmt.Errorf("%w: jurisdiction is required", ErrTaxInvalidConfiguration)
	}
	switch cfg.Kind {
	case domain.TaxKindGST, domain.TaxKindVAT, domain.TaxKindSalesTax, domain.TaxKindNone:
	case "":
		cfg.Kind = domain.TaxKindNone
	default:
		return domain.TaxConfiguration{}, fmt.Errorf("%w: unknown tax kind %q", ErrTaxInvalidConfiguration, cfg.Kind)
	}
	defaults := 0
	for idx := range cfg.Rates {
		cfg.Rates[idx].ServiceType = strings.TrimSpace(cfg.Rates[idx].ServiceType)
		if cfg.Rates[idx].Rate < 0 {
			return domain.TaxConfiguration{}, fmt.Errorf("%w: %s rate for %q is negative", ErrTaxInvalidConfiguration, cfg.Jurisdiction, cfg.Rates[idx].ServiceType)
		}
		if cfg.Rates[idx].IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		return domain.TaxConfiguration{}, fmt.Errorf("%w: %s must have exactly one default rate, found %d", ErrTaxInvalidConfiguration, cfg.Jurisdiction, defaults)
	}
	if w := cfg.Withholding; w != nil && (w.Rate < 0 || w.Threshold < 0 || w.ExemptionLimit < 0) {
		return domain.TaxConfiguration{}, fmt.Errorf("%w: %s withholding values must be non-negative", ErrTaxInvalidConfiguration, cfg.Jurisdiction)
	}
	return cfg, nil
}

func resolveTaxRate(cfg domain.TaxConfiguration, serviceType string) (domain.TaxRate, bool) {
	if serviceType != "" {
		for _, rate := range cfg.Rates {
			if rate.ServiceType == serviceType {
				return rate, true
			}
		}
	}
	return cfg.DefaultRate()
}

func taxDescription(kind domain.TaxKind, rate domain.TaxRate, inclusive bool) string {
	mode := "exclusive"
	if inclusive {
		mode = "inclusive"
	}
	service := rate.ServiceType
	if service == "" {
		service = "default"
	}
	return fmt.Sprintf("%s %.2f%% on %s (%s)", kind, rate.Rate, service, mode)
}

func withholdingDescription(rule domain.WithholdingRule) string {
	desc := fmt.Sprintf("withholding %.2f%% above %.2f", rule.Rate, rule.Threshold)
	if rule.ExemptionLimit > 0 {
		desc += fmt.Sprintf(" (exemption limit %.2f)", rule.ExemptionLimit)
	}
	return desc
}

func normalizeJurisdiction(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func cloneTaxConfiguration(cfg domain.TaxConfiguration) domain.TaxConfiguration {
	out := cfg
	if cfg.Rates != nil {
		out.Rates = append([]domain.TaxRate(nil), cfg.Rates...)
	}
	if cfg.Withholding != nil {
		w := *cfg.Withholding
		out.Withholding = &w
	}
	return out
}

// DefaultTaxConfigurations returns the seed rule sets installed when the store is empty.
func DefaultTaxConfigurations() []domain.TaxConfiguration {
	return []domain.TaxConfiguration{
		{
			Jurisdiction: "IN",
			Kind:         domain.TaxKindGST,
			Rates: []domain.TaxRate{
				{ServiceType: "tour_package", Rate: 5, IsDefault: true},
				{ServiceType: "hotel", Rate: 18},
				{ServiceType: "transport", Rate: 5},
				{ServiceType: "flight", Rate: 5},
				{ServiceType: "restaurant", Rate: 5},
				{ServiceType: "activity", Rate: 18},
			},
			Withholding: &domain.WithholdingRule{Rate: 5, Threshold: 50000, ExemptionLimit: 700000},
		},
		{Jurisdiction: "AU", Kind: domain.TaxKindGST, Rates: []domain.TaxRate{{ServiceType: "standard", Rate: 10, IsDefault: true}}},
		{Jurisdiction: "NZ", Kind: domain.TaxKindGST, Rates: []domain.TaxRate{{ServiceType: "standard", Rate: 15, IsDefault: true}}},
		{Jurisdiction: "SG", Kind: domain.TaxKindGST, Rates: []domain.TaxRate{{ServiceType: "standard", Rate: 9, IsDefault: true}}},
		{Jurisdiction: "GB", Kind: domain.TaxKindVAT, Rates: []domain.TaxRate{
			{ServiceType: "standard", Rate: 20, IsDefault: true},
			{ServiceType: "transport", Rate: 0},
		}},
		{Jurisdiction: "FR", Kind: domain.TaxKindVAT, Rates: []domain.TaxRate{
			{ServiceType: "standard", Rate: 20, IsDefault: true},
			{ServiceType: "hotel", Rate: 10},
			{ServiceType: "restaurant", Rate: 10},
			{ServiceType: "transport", Rate: 10},
		}},
		{Jurisdiction: "DE", Kind: domain.TaxKindVAT, Rates: []domain.TaxRate{
			{ServiceType: "standard", Rate: 19, IsDefault: true},
			{ServiceType: "hotel", Rate: 7},
			{ServiceType: "transport", Rate: 7},
		}},
		{Jurisdiction: "AE", Kind: domain.TaxKindVAT, Rates: []domain.TaxRate{{ServiceType: "standard", Rate: 5, IsDefault: true}}},
		{Jurisdiction: "TH", Kind: domain.TaxKindVAT, Rates: []domain.TaxRate{{ServiceType: "standard", Rate: 7, IsDefault: true}}},
		{Jurisdiction: "JP", Kind: domain.TaxKindVAT, Rates: []domain.TaxRate{{ServiceType: "standard", Rate: 10, IsDefault: true}}},
		{Jurisdiction: "US", Kind: domain.TaxKindSalesTax, Rates: []domain.TaxRate{
			{ServiceType: "standard", Rate: 0, IsDefault: true},
			{ServiceType: "hotel", Rate: 14.75},
		}},
	}
}

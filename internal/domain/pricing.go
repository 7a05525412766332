package domain

import "time"

// CategoryTotals holds the per-category base subtotals produced by the cost aggregator.
type CategoryTotals struct {
	Accommodation float64 `json:"accommodation"`
	Activities    float64 `json:"activities"`
	Transport     float64 `json:"transport"`
	Meals         float64 `json:"meals"`
}

// Total returns the sum of all category subtotals.
func (t CategoryTotals) Total() float64 {
	return t.Accommodation + t.Activities + t.Transport + t.Meals
}

// Add accumulates amount into the subtotal for category. Unknown categories are ignored.
func (t *CategoryTotals) Add(category Category, amount float64) {
	switch category {
	case CategoryAccommodation:
		t.Accommodation += amount
	case CategoryActivity:
		t.Activities += amount
	case CategoryTransport:
		t.Transport += amount
	case CategoryMeal:
		t.Meals += amount
	}
}

// MarkupType enumerates supported markup strategies.
type MarkupType string

const (
	// MarkupTypePercentage applies the markup as a percentage of the base cost.
	MarkupTypePercentage MarkupType = "percentage"
)

// MarkupSettings is the persisted markup configuration for a package.
type MarkupSettings struct {
	Percent float64    `json:"percent" firestore:"percent"`
	Type    MarkupType `json:"type" firestore:"type"`
}

// DefaultMarkupSettings returns the markup applied when a package has none stored.
func DefaultMarkupSettings() MarkupSettings {
	return MarkupSettings{Percent: 15, Type: MarkupTypePercentage}
}

// Markup records the markup percentage and the amount it produced.
type Markup struct {
	Percentage float64 `json:"percentage"`
	Amount     float64 `json:"amount"`
}

// PerPersonPrice stores the allocation of the final total per traveler type.
type PerPersonPrice struct {
	Adult float64 `json:"adult"`
	Child float64 `json:"child"`
}

// ConvertedTotals is the optional display-currency view of a snapshot.
type ConvertedTotals struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Rate       float64 `json:"rate"`
	FinalTotal float64 `json:"finalTotal"`
	Adult      float64 `json:"adult"`
	Child      float64 `json:"child"`
}

// PricingSnapshot is the complete computed pricing result for one package at one point in time.
// Snapshots are immutable once built; updates always replace the whole value.
type PricingSnapshot struct {
	ID             string           `json:"id"`
	PackageID      string           `json:"packageId,omitempty"`
	Subtotals      CategoryTotals   `json:"subtotals"`
	TotalBase      float64          `json:"totalBase"`
	Markup         Markup           `json:"markup"`
	FinalTotal     float64          `json:"finalTotal"`
	PerPerson      PerPersonPrice   `json:"perPerson"`
	Travelers      Travelers        `json:"travelers"`
	// Currency is the destination currency. Amounts are in SourceCurrency.
	Currency       string           `json:"currency"`
	SourceCurrency string           `json:"sourceCurrency"`
	ComputedAt     time.Time        `json:"computedAt"`
	Tax            *TaxResult       `json:"tax,omitempty"`
	Converted      *ConvertedTotals `json:"converted,omitempty"`
}

// SnapshotUpdate is delivered to sync subscribers. NoData is set when no source had an itinerary.
type SnapshotUpdate struct {
	PackageID string           `json:"packageId"`
	Snapshot  *PricingSnapshot `json:"snapshot,omitempty"`
	NoData    bool             `json:"noData"`
	EmittedAt time.Time        `json:"emittedAt"`
}

// TaxKind identifies the tax regime of a jurisdiction.
type TaxKind string

const (
	TaxKindGST      TaxKind = "GST"
	TaxKindVAT      TaxKind = "VAT"
	TaxKindSalesTax TaxKind = "SALES_TAX"
	TaxKindNone     TaxKind = "NONE"
)

// TaxRate is a single service-type rate entry. Rate is expressed in percent.
type TaxRate struct {
	ServiceType string  `json:"serviceType" firestore:"serviceType"`
	Rate        float64 `json:"rate" firestore:"rate"`
	IsDefault   bool    `json:"isDefault" firestore:"isDefault"`
}

// WithholdingRule describes a tax deducted at source once a payable amount crosses Threshold.
// ExemptionLimit is carried as configuration metadata and does not gate withholding.
type WithholdingRule struct {
	Rate           float64 `json:"rate" firestore:"rate"`
	Threshold      float64 `json:"threshold" firestore:"threshold"`
	ExemptionLimit float64 `json:"exemptionLimit" firestore:"exemptionLimit"`
}

// TaxConfiguration is the rule set for one jurisdiction.
type TaxConfiguration struct {
	Jurisdiction string           `json:"jurisdiction" firestore:"jurisdiction"`
	Kind         TaxKind          `json:"kind" firestore:"kind"`
	Rates        []TaxRate        `json:"rates" firestore:"rates"`
	Withholding  *WithholdingRule `json:"withholding,omitempty" firestore:"withholding,omitempty"`
	UpdatedAt    time.Time        `json:"updatedAt" firestore:"updatedAt"`
}

// DefaultRate returns the default-marked rate entry, if any.
func (c TaxConfiguration) DefaultRate() (TaxRate, bool) {
	for _, rate := range c.Rates {
		if rate.IsDefault {
			return rate, true
		}
	}
	return TaxRate{}, false
}

// TaxBreakdownKind labels entries in a tax breakdown.
type TaxBreakdownKind string

const (
	TaxBreakdownTax         TaxBreakdownKind = "tax"
	TaxBreakdownWithholding TaxBreakdownKind = "withholding"
)

// TaxBreakdown is one line of a tax computation.
type TaxBreakdown struct {
	Kind        TaxBreakdownKind `json:"kind"`
	Rate        float64          `json:"rate"`
	Amount      float64          `json:"amount"`
	Description string           `json:"description"`
}

// TaxResult is the output of a tax computation. In inclusive mode BaseAmount is the net figure.
// PayableAmount is TotalAmount less any withholding.
type TaxResult struct {
	Jurisdiction      string         `json:"jurisdiction"`
	ServiceType       string         `json:"serviceType"`
	Inclusive         bool           `json:"inclusive"`
	BaseAmount        float64        `json:"baseAmount"`
	TaxAmount         float64        `json:"taxAmount"`
	WithholdingAmount *float64       `json:"withholdingAmount,omitempty"`
	TotalAmount       float64        `json:"totalAmount"`
	PayableAmount     float64        `json:"payableAmount"`
	Breakdown         []TaxBreakdown `json:"breakdown"`
}

// CurrencyInfo describes a currency and its canonical display precision.
type CurrencyInfo struct {
	Code     string `json:"code"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// ExchangeRate is a stored conversion rate with the agency margin applied on top.
type ExchangeRate struct {
	From          string    `json:"from" firestore:"from"`
	To            string    `json:"to" firestore:"to"`
	RawRate       float64   `json:"rawRate" firestore:"rawRate"`
	MarginPercent float64   `json:"marginPercent" firestore:"marginPercent"`
	Surcharge     float64   `json:"surcharge" firestore:"surcharge"`
	UpdatedAt     time.Time `json:"updatedAt" firestore:"updatedAt"`
}

// Effective returns rawRate * (1 + margin/100) + surcharge.
func (r ExchangeRate) Effective() float64 {
	return r.RawRate*(1+r.MarginPercent/100) + r.Surcharge
}

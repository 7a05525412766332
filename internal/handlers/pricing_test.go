package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domain "github.com/tripfare/api/internal/domain"
	"github.com/tripfare/api/internal/repositories/memory"
	"github.com/tripfare/api/internal/services"
)

func hotelItinerary(pricePerNight float64) map[string]any {
	return map[string]any{
		"travelers":   map[string]any{"adults": 2},
		"destination": "IN",
		"days": []any{
			map[string]any{"hotel": map[string]any{"pricePerNight": pricePerNight, "nights": 2}},
		},
	}
}

type pricingFixture struct {
	registry  *memory.Registry
	converter *services.CurrencyConverter
	tax       *services.TaxCalculator
	router    http.Handler
}

type stubRateProvider struct {
	rates map[string]float64
	err   error
}

func (p stubRateProvider) FetchRates(context.Context, string) (map[string]float64, error) {
	return p.rates, p.err
}

func newPricingFixture(t *testing.T, provider services.RateProvider) pricingFixture {
	t.Helper()
	return newPricingFixtureWithSources(t, provider, "primary")
}

func newPricingFixtureWithSources(t *testing.T, provider services.RateProvider, sources ...string) pricingFixture {
	t.Helper()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	registry := memory.NewRegistry(sources...)
	tax, err := services.NewTaxCalculator(services.DefaultTaxConfigurations()...)
	if err != nil {
		t.Fatalf("NewTaxCalculator: %v", err)
	}
	converter := services.NewCurrencyConverter(domain.ExchangeRate{From: "INR", To: "USD", RawRate: 0.012, UpdatedAt: now})
	composer := services.NewPricingComposer(services.PricingComposerDeps{
		Tax:         tax,
		Converter:   converter,
		Clock:       clock,
		IDGenerator: func() string { return "snap_1" },
	})

	opts := []PricingOption{
		WithPricingComposer(composer),
		WithPricingTaxCalculator(tax),
		WithPricingConverter(converter),
		WithPricingMarkupRepository(registry.Markup),
		WithPricingTaxRepository(registry.Tax),
		WithPricingSources(registry.ItinerarySources()...),
		WithPricingClock(clock),
	}
	if provider != nil {
		refresher, err := services.NewRateRefresher(services.RateRefresherDeps{
			Provider:     provider,
			Store:        registry.Rates,
			Converter:    converter,
			BaseCurrency: "INR",
			Targets:      []string{"USD", "EUR"},
			Clock:        clock,
		})
		if err != nil {
			t.Fatalf("NewRateRefresher: %v", err)
		}
		opts = append(opts, WithPricingRateRefresher(refresher))
	}
	h := NewPricingHandlers(opts...)
	return pricingFixture{
		registry:  registry,
		converter: converter,
		tax:       tax,
		router:    NewRouter(WithPublicRoutes(h.Routes), WithAdminRoutes(h.AdminRoutes)),
	}
}

func (f pricingFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestQuote_InlineItineraryWithTaxAndConversion(t *testing.T) {
	f := newPricingFixture(t, nil)

	rr := f.do(t, http.MethodPost, "/api/v1/pricing/quote", map[string]any{
		"itinerary":       hotelItinerary(100),
		"tax":             map[string]any{"serviceType": "hotel"},
		"displayCurrency": "usd",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody[quoteResponse](t, rr)
	snap := resp.Snapshot
	if snap.FinalTotal != 230 || snap.Markup.Percentage != 15 || snap.Currency != "INR" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Tax == nil || math.Abs(snap.Tax.TaxAmount-41.4) > 1e-9 {
		t.Fatalf("expected 18%% hotel GST, got %+v", snap.Tax)
	}
	if snap.Converted == nil || snap.Converted.To != "USD" || math.Abs(snap.Converted.FinalTotal-2.76) > 1e-9 {
		t.Fatalf("unexpected conversion %+v", snap.Converted)
	}
	if snap.SourceCurrency != "INR" || resp.Formatted.Currency != "INR" || resp.Formatted.FinalTotal != services.Format(230, "INR") {
		t.Fatalf("expected amounts labelled with the source currency, got %q %+v", snap.SourceCurrency, resp.Formatted)
	}
}

func TestQuote_FormattedAmountsFollowSourceCurrency(t *testing.T) {
	f := newPricingFixture(t, nil)
	itinerary := hotelItinerary(100)
	itinerary["destination"] = "France"

	rr := f.do(t, http.MethodPost, "/api/v1/pricing/quote", map[string]any{"itinerary": itinerary})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody[quoteResponse](t, rr)
	if resp.Snapshot.Currency != "EUR" || resp.Snapshot.SourceCurrency != "INR" {
		t.Fatalf("unexpected currencies %q/%q", resp.Snapshot.Currency, resp.Snapshot.SourceCurrency)
	}
	if resp.Formatted.Currency != "INR" || resp.Formatted.FinalTotal != services.Format(230, "INR") {
		t.Fatalf("expected INR formatting, got %+v", resp.Formatted)
	}
}

func TestQuote_StoredPackageSkipsSourcesWithoutDays(t *testing.T) {
	f := newPricingFixtureWithSources(t, nil, "drafts", "legacy")
	f.registry.Sources[0].Put("pkg_1", map[string]any{"days": []any{}})
	f.registry.Sources[1].Put("pkg_1", hotelItinerary(100))

	rr := f.do(t, http.MethodPost, "/api/v1/pricing/quote", map[string]any{"packageId": "pkg_1", "markupPercent": 15})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if snap := decodeBody[quoteResponse](t, rr).Snapshot; snap.TotalBase != 200 || snap.FinalTotal != 230 {
		t.Fatalf("expected the legacy itinerary to be priced, got %+v", snap)
	}

	f.registry.Sources[1].Delete("pkg_1")
	rr = f.do(t, http.MethodPost, "/api/v1/pricing/quote", map[string]any{"packageId": "pkg_1"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when no source has days, got %d: %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody[map[string]any](t, rr); body["error"] != "itinerary_not_found" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

func TestQuote_StoredItineraryUsesStoredMarkup(t *testing.T) {
	f := newPricingFixture(t, nil)
	f.registry.Sources[0].Put("pkg_1", hotelItinerary(100))
	if err := f.registry.Markup.Save(context.Background(), "pkg_1", domain.MarkupSettings{Percent: 10, Type: domain.MarkupTypePercentage}); err != nil {
		t.Fatalf("save markup: %v", err)
	}

	rr := f.do(t, http.MethodPost, "/api/v1/pricing/quote", map[string]any{"packageId": "pkg_1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	snap := decodeBody[quoteResponse](t, rr).Snapshot
	if snap.PackageID != "pkg_1" || math.Abs(snap.FinalTotal-220) > 1e-9 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	override := 0.0
	rr = f.do(t, http.MethodPost, "/api/v1/pricing/quote", map[string]any{"packageId": "pkg_1", "markupPercent": override})
	if snap := decodeBody[quoteResponse](t, rr).Snapshot; snap.FinalTotal != 200 {
		t.Fatalf("expected explicit markup to win, got %+v", snap)
	}
}

func TestQuote_Errors(t *testing.T) {
	f := newPricingFixture(t, nil)
	cases := []struct {
		name string
		body any
		want int
		code string
	}{
		{name: "missing itinerary", body: map[string]any{}, want: http.StatusBadRequest, code: "itinerary_required"},
		{name: "unknown package", body: map[string]any{"packageId": "pkg_missing"}, want: http.StatusNotFound, code: "itinerary_not_found"},
		{name: "no adults", body: map[string]any{"itinerary": map[string]any{"travelers": map[string]any{"adults": 0}}}, want: http.StatusBadRequest, code: "invalid_input"},
		{name: "negative markup", body: map[string]any{"itinerary": hotelItinerary(100), "markupPercent": -5}, want: http.StatusBadRequest, code: "invalid_input"},
		{name: "unknown field", body: map[string]any{"itinerary": hotelItinerary(100), "discount": 5}, want: http.StatusBadRequest, code: "invalid_body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/api/v1/pricing/quote", tc.body)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
			if body := decodeBody[map[string]any](t, rr); body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestComputeTax(t *testing.T) {
	f := newPricingFixture(t, nil)

	rr := f.do(t, http.MethodPost, "/api/v1/tax/compute", map[string]any{
		"amount": 1180, "jurisdiction": "India", "serviceType": "hotel", "inclusive": true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	result := decodeBody[domain.TaxResult](t, rr)
	if result.Jurisdiction != "IN" || math.Abs(result.BaseAmount-1000) > 1e-9 || math.Abs(result.TaxAmount-180) > 1e-9 {
		t.Fatalf("unexpected result %+v", result)
	}

	for _, body := range []map[string]any{
		{"jurisdiction": "IN"},
		{"amount": -1, "jurisdiction": "IN"},
		{"amount": 10},
	} {
		if rr := f.do(t, http.MethodPost, "/api/v1/tax/compute", body); rr.Code != http.StatusBadRequest {
			t.Fatalf("%v: expected 400, got %d", body, rr.Code)
		}
	}
}

func TestUpsertTaxConfiguration(t *testing.T) {
	f := newPricingFixture(t, nil)

	rr := f.do(t, http.MethodPut, "/api/v1/tax/configurations/my", map[string]any{
		"kind":  "SALES_TAX",
		"rates": []map[string]any{{"serviceType": "standard", "rate": 8, "isDefault": true}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if _, ok := f.tax.Configuration("MY"); !ok {
		t.Fatalf("expected calculator to hold MY configuration")
	}
	stored, _ := f.registry.Tax.List(context.Background())
	found := false
	for _, cfg := range stored {
		found = found || cfg.Jurisdiction == "MY"
	}
	if !found {
		t.Fatalf("expected MY configuration persisted, got %+v", stored)
	}

	rr = f.do(t, http.MethodPut, "/api/v1/tax/configurations/my", map[string]any{
		"kind":  "VAT",
		"rates": []map[string]any{{"serviceType": "standard", "rate": 8}},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for configuration without default, got %d", rr.Code)
	}
}

func TestConvertAndCurrencyLookup(t *testing.T) {
	f := newPricingFixture(t, nil)

	rr := f.do(t, http.MethodGet, "/api/v1/currency/convert?amount=1000&from=inr&to=usd", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody[convertResponse](t, rr)
	if resp.Converted != 12 || resp.Formatted != "$12.00" {
		t.Fatalf("unexpected conversion %+v", resp)
	}

	if rr := f.do(t, http.MethodGet, "/api/v1/currency/convert?amount=1&from=INR&to=BRL", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing rate, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, "/api/v1/currency/convert?amount=abc&from=INR&to=USD", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad amount, got %d", rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/api/v1/currency/Japan", nil)
	info := decodeBody[currencyResponse](t, rr)
	if info.Country != "JP" || info.Code != "JPY" || info.Decimals != 0 {
		t.Fatalf("unexpected currency info %+v", info)
	}
}

func TestRefreshRates(t *testing.T) {
	f := newPricingFixture(t, stubRateProvider{rates: map[string]float64{"USD": 0.012, "EUR": 0.011}})

	rr := f.do(t, http.MethodPost, "/api/v1/rates/refresh", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if resp := decodeBody[ratesResponse](t, rr); len(resp.Items) != 2 {
		t.Fatalf("expected two refreshed rates, got %+v", resp)
	}
	if stored, _ := f.registry.Rates.List(context.Background()); len(stored) != 2 {
		t.Fatalf("expected persisted rates, got %+v", stored)
	}

	failing := newPricingFixture(t, stubRateProvider{err: errors.New("upstream down")})
	if rr := failing.do(t, http.MethodPost, "/api/v1/rates/refresh", nil); rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if rr := failing.do(t, http.MethodGet, "/api/v1/rates", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected rates listing to survive a failed refresh, got %d", rr.Code)
	}
}

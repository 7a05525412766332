package services

import (
	"errors"
	"testing"

	domain "github.com/tripfare/api/internal/domain"
)

func TestNormalizeItinerary_MixedShapes(t *testing.T) {
	raw := domain.RawItinerary{
		PackageID: " pkg_1 ",
		Payload: map[string]any{
			"travelers":   map[string]any{"adults": 2, "children": "1"},
			"destination": map[string]any{"country": "TH", "city": "Bangkok"},
			"days": []any{
				map[string]any{
					"location": map[string]any{"city": "Bangkok", "country": "Thailand", "averagePrice": 75},
					"hotel":    map[string]any{"name": "Riverside", "pricePerNight": 90, "nights": 2, "rooms": 2},
					"activities": []any{
						map[string]any{"name": "Temple tour", "price": 30, "pax": 3},
						"not an object",
					},
					"transport": map[string]any{"mode": "taxi", "cost": 12},
				},
				map[string]any{
					"location": "Phuket",
					"meals":    []any{map[string]any{"name": "Dinner", "price": 20}},
				},
			},
		},
	}

	inputs, err := NormalizeItinerary(raw)
	if err != nil {
		t.Fatalf("NormalizeItinerary error: %v", err)
	}
	if inputs.PackageID != "pkg_1" {
		t.Fatalf("expected trimmed package id, got %q", inputs.PackageID)
	}
	if inputs.Travelers != (domain.Travelers{Adults: 2, Children: 1}) {
		t.Fatalf("unexpected travelers %+v", inputs.Travelers)
	}
	if inputs.Destination.Country != "TH" || inputs.Destination.City != "Bangkok" {
		t.Fatalf("unexpected destination %+v", inputs.Destination)
	}
	if inputs.SourceCurrency != DefaultSourceCurrency {
		t.Fatalf("expected default source currency, got %q", inputs.SourceCurrency)
	}
	if len(inputs.Days) != 2 {
		t.Fatalf("expected 2 days, got %d", len(inputs.Days))
	}

	first := inputs.Days[0]
	if first.Location == nil || first.Location.City != "Bangkok" || first.Location.AggregatePrice != 75 {
		t.Fatalf("unexpected first day location %+v", first.Location)
	}
	hotels := first.Items[domain.CategoryAccommodation]
	if len(hotels) != 1 || hotels[0].Quantity != 4 {
		t.Fatalf("expected one accommodation with quantity nights*rooms=4, got %+v", hotels)
	}
	activities := first.Items[domain.CategoryActivity]
	if len(activities) != 1 || activities[0].Quantity != 3 {
		t.Fatalf("expected non-object activity skipped and pax quantity, got %+v", activities)
	}
	if len(first.Items[domain.CategoryTransport]) != 1 {
		t.Fatalf("expected single transport object normalized to list")
	}

	second := inputs.Days[1]
	if second.Location == nil || second.Location.City != "Phuket" {
		t.Fatalf("expected string location, got %+v", second.Location)
	}
	if meals := second.Items[domain.CategoryMeal]; len(meals) != 1 || meals[0].Quantity != 1 {
		t.Fatalf("unexpected meals %+v", meals)
	}
}

func TestNormalizeItinerary_TopLevelFieldsAndAliases(t *testing.T) {
	inputs, err := NormalizeItinerary(domain.RawItinerary{Payload: map[string]any{
		"numberOfAdults":     3.0,
		"destinationCountry": "France",
		"currency":           "eur",
		"itinerary": []any{
			map[string]any{"city": "Paris", "stay": map[string]any{"location": map[string]any{"city": "Versailles"}}},
		},
	}})
	if err != nil {
		t.Fatalf("NormalizeItinerary error: %v", err)
	}
	if inputs.Travelers.Adults != 3 || inputs.Travelers.Children != 0 {
		t.Fatalf("unexpected travelers %+v", inputs.Travelers)
	}
	if inputs.Destination.Country != "France" {
		t.Fatalf("unexpected destination %+v", inputs.Destination)
	}
	if inputs.SourceCurrency != "EUR" {
		t.Fatalf("expected upper-cased currency, got %q", inputs.SourceCurrency)
	}
	stays := inputs.Days[0].Items[domain.CategoryAccommodation]
	if len(stays) != 1 || stays[0].Location == nil || stays[0].Location.City != "Versailles" {
		t.Fatalf("expected nested item location, got %+v", stays)
	}
}

func TestNormalizeItinerary_EmptyPayload(t *testing.T) {
	inputs, err := NormalizeItinerary(domain.RawItinerary{Payload: map[string]any{}})
	if err != nil {
		t.Fatalf("NormalizeItinerary error: %v", err)
	}
	if len(inputs.Days) != 0 {
		t.Fatalf("expected no days, got %d", len(inputs.Days))
	}

	if _, err := NormalizeItinerary(domain.RawItinerary{}); !errors.Is(err, ErrItineraryInvalid) {
		t.Fatalf("expected ErrItineraryInvalid for nil payload, got %v", err)
	}
}

func TestHasDays(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
		want    bool
	}{
		{name: "nil payload", payload: nil, want: false},
		{name: "empty list", payload: map[string]any{"days": []any{}}, want: false},
		{name: "non-object entries", payload: map[string]any{"days": []any{"day one", 2}}, want: false},
		{name: "days", payload: map[string]any{"days": []any{map[string]any{}}}, want: true},
		{name: "schedule alias", payload: map[string]any{"schedule": []any{map[string]any{"city": "Goa"}}}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HasDays(tc.payload); got != tc.want {
				t.Fatalf("HasDays = %v, want %v", got, tc.want)
			}
		})
	}
}

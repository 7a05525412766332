package services

import (
	"errors"
	"strings"

	domain "github.com/tripfare/api/internal/domain"
)

// DefaultSourceCurrency is assumed for itineraries that do not declare a currency.
const DefaultSourceCurrency = "INR"

// ErrItineraryInvalid is returned when a raw itinerary cannot be normalized at all.
var ErrItineraryInvalid = errors.New("itinerary: invalid payload")

var (
	dayListKeys       = []string{"days", "itinerary", "dayWiseItinerary", "schedule"}
	accommodationKeys = []string{"accommodation", "hotel", "hotels", "stay"}
	activityKeys      = []string{"activities", "activity", "sightseeing"}
	transportKeys     = []string{"transport", "transportation", "transfers"}
	mealKeys          = []string{"meals", "meal", "restaurants", "dining"}
	aggregatePriceKey = []string{"price", "averagePrice", "aggregatePrice"}
)

// NormalizeItinerary converts the opaque payload of a raw itinerary into PricingInputs. A payload
// without any days yields an empty day list rather than an error.
func NormalizeItinerary(raw domain.RawItinerary) (domain.PricingInputs, error) {
	if raw.Payload == nil {
		return domain.PricingInputs{}, ErrItineraryInvalid
	}
	payload := raw.Payload

	inputs := domain.PricingInputs{
		PackageID:      strings.TrimSpace(raw.PackageID),
		Travelers:      normalizeTravelers(payload),
		Destination:    normalizeDestination(payload),
		SourceCurrency: strings.ToUpper(payloadString(payload, "currency", "currencyCode")),
	}
	if inputs.SourceCurrency == "" {
		inputs.SourceCurrency = DefaultSourceCurrency
	}

	var days []map[string]any
	if value, ok := firstPresent(payload, dayListKeys...); ok {
		days = payloadObjects(value)
	}
	inputs.Days = make([]domain.Day, 0, len(days))
	for idx, rawDay := range days {
		inputs.Days = append(inputs.Days, normalizeDay(idx, rawDay))
	}
	return inputs, nil
}

func normalizeDay(idx int, raw map[string]any) domain.Day {
	day := domain.Day{
		Index:    idx,
		Location: normalizeLocation(raw),
		Items:    make(map[domain.Category][]domain.LineItem),
	}
	groups := []struct {
		category domain.Category
		keys     []string
	}{
		{domain.CategoryAccommodation, accommodationKeys},
		{domain.CategoryActivity, activityKeys},
		{domain.CategoryTransport, transportKeys},
		{domain.CategoryMeal, mealKeys},
	}
	for _, group := range groups {
		value, ok := firstPresent(raw, group.keys...)
		if !ok {
			continue
		}
		entries := payloadObjects(value)
		if len(entries) == 0 {
			continue
		}
		items := make([]domain.LineItem, 0, len(entries))
		for _, entry := range entries {
			items = append(items, domain.LineItem{
				Category: group.category,
				Raw:      entry,
				Quantity: itemQuantity(group.category, entry),
				Location: itemLocation(entry),
			})
		}
		day.Items[group.category] = items
	}
	return day
}

func itemQuantity(category domain.Category, raw map[string]any) float64 {
	if category == domain.CategoryAccommodation {
		nights, ok := positiveField(raw, []string{"nights", "numberOfNights"})
		if !ok {
			nights = 1
		}
		rooms, ok := positiveField(raw, []string{"rooms", "numberOfRooms"})
		if !ok {
			rooms = 1
		}
		return nights * rooms
	}
	if quantity, ok := positiveField(raw, []string{"quantity", "count", "pax"}); ok {
		return quantity
	}
	return 1
}

func itemLocation(raw map[string]any) *domain.Location {
	city := payloadString(raw, "city")
	country := payloadString(raw, "country")
	if nested, ok := payloadMap(raw["location"]); ok {
		if city == "" {
			city = payloadString(nested, "city", "name")
		}
		if country == "" {
			country = payloadString(nested, "country")
		}
	}
	if city == "" && country == "" {
		return nil
	}
	return &domain.Location{City: city, Country: country}
}

// normalizeLocation reads a day-level location from flat city/country fields or from a "location"
// value that is either a plain city name or an object.
func normalizeLocation(raw map[string]any) *domain.Location {
	loc := domain.Location{
		City:    payloadString(raw, "city"),
		Country: payloadString(raw, "country"),
	}
	switch value := raw["location"].(type) {
	case string:
		if loc.City == "" {
			loc.City = strings.TrimSpace(value)
		}
	case map[string]any:
		if loc.City == "" {
			loc.City = payloadString(value, "city", "name")
		}
		if loc.Country == "" {
			loc.Country = payloadString(value, "country")
		}
		if price, ok := positiveField(value, aggregatePriceKey); ok {
			loc.AggregatePrice = price
		}
	}
	if loc.AggregatePrice == 0 {
		if price, ok := positiveField(raw, []string{"locationPrice", "aggregatePrice"}); ok {
			loc.AggregatePrice = price
		}
	}
	if loc == (domain.Location{}) {
		return nil
	}
	return &loc
}

func normalizeTravelers(payload map[string]any) domain.Travelers {
	source := payload
	if nested, ok := payloadMap(payload["travelers"]); ok {
		source = nested
	}
	count := func(keys ...string) int {
		for _, key := range keys {
			if n, ok := payloadNumber(source[key]); ok {
				return int(n)
			}
			if n, ok := payloadNumber(payload[key]); ok {
				return int(n)
			}
		}
		return 0
	}
	return domain.Travelers{
		Adults:   count("adults", "numberOfAdults", "adultCount"),
		Children: count("children", "numberOfChildren", "childCount"),
	}
}

func normalizeDestination(payload map[string]any) domain.Destination {
	dest := domain.Destination{}
	switch value := payload["destination"].(type) {
	case string:
		dest.Country = strings.TrimSpace(value)
	case map[string]any:
		dest.Country = payloadString(value, "country", "countryCode")
		dest.City = payloadString(value, "city", "name")
	}
	if dest.Country == "" {
		dest.Country = payloadString(payload, "destinationCountry", "country", "countryCode")
	}
	if dest.City == "" {
		dest.City = payloadString(payload, "destinationCity", "city")
	}
	return dest
}

// HasDays reports whether payload carries at least one day object under a recognised key.
func HasDays(payload map[string]any) bool {
	value, ok := firstPresent(payload, dayListKeys...)
	if !ok {
		return false
	}
	return len(payloadObjects(value)) > 0
}

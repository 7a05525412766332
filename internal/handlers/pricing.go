package handlers

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/tripfare/api/internal/domain"
	"github.com/tripfare/api/internal/platform/httpx"
	"github.com/tripfare/api/internal/platform/pagination"
	"github.com/tripfare/api/internal/platform/requestctx"
	"github.com/tripfare/api/internal/repositories"
	"github.com/tripfare/api/internal/services"
)

// PricingHandlers exposes quoting, tax and currency endpoints.
type PricingHandlers struct {
	composer      *services.PricingComposer
	tax           *services.TaxCalculator
	converter     *services.CurrencyConverter
	refresher     *services.RateRefresher
	markup        repositories.MarkupSettingsRepository
	taxStore      repositories.TaxConfigurationRepository
	sources       []repositories.ItinerarySource
	defaultMarkup domain.MarkupSettings
	quoteLimiter  func(http.Handler) http.Handler
	clock         func() time.Time
}

// PricingOption customises PricingHandlers.
type PricingOption func(*PricingHandlers)

func WithPricingComposer(composer *services.PricingComposer) PricingOption {
	return func(h *PricingHandlers) { h.composer = composer }
}

func WithPricingTaxCalculator(tax *services.TaxCalculator) PricingOption {
	return func(h *PricingHandlers) { h.tax = tax }
}

func WithPricingConverter(converter *services.CurrencyConverter) PricingOption {
	return func(h *PricingHandlers) { h.converter = converter }
}

func WithPricingRateRefresher(refresher *services.RateRefresher) PricingOption {
	return func(h *PricingHandlers) { h.refresher = refresher }
}

func WithPricingMarkupRepository(repo repositories.MarkupSettingsRepository) PricingOption {
	return func(h *PricingHandlers) { h.markup = repo }
}

func WithPricingTaxRepository(repo repositories.TaxConfigurationRepository) PricingOption {
	return func(h *PricingHandlers) { h.taxStore = repo }
}

// WithPricingSources lets quotes reference a stored itinerary by package id.
func WithPricingSources(sources ...repositories.ItinerarySource) PricingOption {
	return func(h *PricingHandlers) { h.sources = append(h.sources, sources...) }
}

func WithPricingDefaultMarkup(settings domain.MarkupSettings) PricingOption {
	return func(h *PricingHandlers) { h.defaultMarkup = settings }
}

// WithQuoteRateLimit throttles the quote endpoint per client IP.
func WithQuoteRateLimit(limit int, window time.Duration) PricingOption {
	return func(h *PricingHandlers) { h.quoteLimiter = RateLimitMiddleware(limit, window, nil) }
}

func WithPricingClock(clock func() time.Time) PricingOption {
	return func(h *PricingHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

func NewPricingHandlers(opts ...PricingOption) *PricingHandlers {
	h := &PricingHandlers{
		defaultMarkup: domain.DefaultMarkupSettings(),
		clock:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the public pricing endpoints.
func (h *PricingHandlers) Routes(r chi.Router) {
	if h == nil {
		return
	}
	r.Group(func(quote chi.Router) {
		if h.quoteLimiter != nil {
			quote.Use(h.quoteLimiter)
		}
		quote.Post("/pricing/quote", h.quote)
	})
	r.Post("/tax/compute", h.computeTax)
	r.Get("/tax/configurations", h.listTaxConfigurations)
	r.Get("/currency/convert", h.convert)
	r.Get("/currency/{country}", h.currencyForCountry)
	r.Get("/rates", h.listRates)
}

// AdminRoutes registers the endpoints that mutate tax rules or the rate table.
func (h *PricingHandlers) AdminRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Put("/tax/configurations/{jurisdiction}", h.upsertTaxConfiguration)
	r.Post("/rates/refresh", h.refreshRates)
}

type quoteTaxRequest struct {
	ServiceType string `json:"serviceType"`
	Inclusive   bool   `json:"inclusive"`
}

type quoteRequest struct {
	PackageID       string           `json:"packageId"`
	Itinerary       map[string]any   `json:"itinerary"`
	MarkupPercent   *float64         `json:"markupPercent"`
	Tax             *quoteTaxRequest `json:"tax"`
	DisplayCurrency string           `json:"displayCurrency"`
}

type quoteResponse struct {
	Snapshot  domain.PricingSnapshot `json:"snapshot"`
	Formatted formattedQuote         `json:"formatted"`
}

// formattedQuote renders the snapshot amounts in Currency, the itinerary's source currency.
type formattedQuote struct {
	Currency   string `json:"currency"`
	FinalTotal string `json:"finalTotal"`
	Adult      string `json:"adult"`
	Child      string `json:"child"`
}

func (h *PricingHandlers) quote(w http.ResponseWriter, r *http.Request) {
	if h.composer == nil {
		httpx.WriteError(r.Context(), w, unavailable("pricing composer"))
		return
	}
	var req quoteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	ctx := r.Context()
	packageID := strings.TrimSpace(req.PackageID)

	raw, err := h.resolveItinerary(ctx, packageID, req.Itinerary)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	inputs, err := services.NormalizeItinerary(*raw)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	markup := h.defaultMarkup.Percent
	switch {
	case req.MarkupPercent != nil:
		markup = *req.MarkupPercent
	case packageID != "" && h.markup != nil:
		settings, ok, err := h.markup.Load(ctx, packageID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if ok {
			markup = settings.Percent
		}
	}

	quoteReq := services.QuoteRequest{
		Inputs:          inputs,
		MarkupPercent:   markup,
		DisplayCurrency: req.DisplayCurrency,
	}
	if req.Tax != nil {
		quoteReq.Tax = &services.TaxRequest{ServiceType: req.Tax.ServiceType, Inclusive: req.Tax.Inclusive}
	}
	snapshot, err := h.composer.Quote(ctx, quoteReq)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, quoteResponse{
		Snapshot: snapshot,
		Formatted: formattedQuote{
			Currency:   snapshot.SourceCurrency,
			FinalTotal: services.Format(snapshot.FinalTotal, snapshot.SourceCurrency),
			Adult:      services.Format(snapshot.PerPerson.Adult, snapshot.SourceCurrency),
			Child:      services.Format(snapshot.PerPerson.Child, snapshot.SourceCurrency),
		},
	})
}

// resolveItinerary prefers an inline payload and otherwise takes the first source in priority
// order whose record has at least one day.
func (h *PricingHandlers) resolveItinerary(ctx context.Context, packageID string, payload map[string]any) (*domain.RawItinerary, error) {
	if payload != nil {
		return &domain.RawItinerary{PackageID: packageID, Source: "request", Payload: payload, UpdatedAt: h.clock().UTC()}, nil
	}
	if packageID == "" {
		return nil, badRequest("itinerary_required", "either itinerary or packageId is required")
	}
	for _, source := range h.sources {
		raw, err := source.Load(ctx, packageID)
		if err != nil {
			requestctx.Logger(ctx).Warn("itinerary source failed",
				zap.String("source", source.Name()),
				zap.String("packageId", packageID),
				zap.Error(err),
			)
			continue
		}
		if raw == nil || !services.HasDays(raw.Payload) {
			continue
		}
		if raw.Source == "" {
			raw.Source = source.Name()
		}
		return raw, nil
	}
	return nil, httpx.NewError("itinerary_not_found", "no itinerary with days stored for package "+packageID, http.StatusNotFound)
}

type computeTaxRequest struct {
	Amount       *float64 `json:"amount"`
	Jurisdiction string   `json:"jurisdiction"`
	ServiceType  string   `json:"serviceType"`
	Inclusive    bool     `json:"inclusive"`
}

func (h *PricingHandlers) computeTax(w http.ResponseWriter, r *http.Request) {
	if h.tax == nil {
		httpx.WriteError(r.Context(), w, unavailable("tax calculator"))
		return
	}
	var req computeTaxRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if req.Amount == nil || *req.Amount < 0 || math.IsNaN(*req.Amount) || math.IsInf(*req.Amount, 0) {
		httpx.WriteError(r.Context(), w, badRequest("invalid_amount", "amount must be a non-negative number"))
		return
	}
	jurisdiction := services.CountryCode(req.Jurisdiction)
	if jurisdiction == "" {
		httpx.WriteError(r.Context(), w, badRequest("invalid_jurisdiction", "jurisdiction is required"))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.tax.ComputeTax(*req.Amount, jurisdiction, req.ServiceType, req.Inclusive))
}

type taxConfigurationsResponse struct {
	Items []domain.TaxConfiguration `json:"items"`
}

func (h *PricingHandlers) listTaxConfigurations(w http.ResponseWriter, r *http.Request) {
	if h.tax == nil {
		httpx.WriteError(r.Context(), w, unavailable("tax calculator"))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, taxConfigurationsResponse{Items: h.tax.Configurations()})
}

func (h *PricingHandlers) upsertTaxConfiguration(w http.ResponseWriter, r *http.Request) {
	if h.tax == nil {
		httpx.WriteError(r.Context(), w, unavailable("tax calculator"))
		return
	}
	var cfg domain.TaxConfiguration
	if err := httpx.DecodeJSON(r, &cfg); err != nil {
		writeServiceError(w, r, err)
		return
	}
	cfg.Jurisdiction = services.CountryCode(chi.URLParam(r, "jurisdiction"))
	cfg.UpdatedAt = h.clock().UTC()
	validated, err := services.ValidateTaxConfiguration(cfg)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if h.taxStore != nil {
		if err := h.taxStore.Upsert(r.Context(), validated.Jurisdiction, validated); err != nil {
			writeServiceError(w, r, err)
			return
		}
	}
	if err := h.tax.Upsert(validated); err != nil {
		writeServiceError(w, r, err)
		return
	}
	requestctx.Logger(r.Context()).Info("tax configuration updated",
		zap.String("jurisdiction", validated.Jurisdiction),
		zap.String("kind", string(validated.Kind)),
	)
	httpx.WriteJSON(w, http.StatusOK, validated)
}

type convertResponse struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Amount    float64 `json:"amount"`
	Rate      float64 `json:"rate"`
	Converted float64 `json:"converted"`
	Formatted string  `json:"formatted"`
}

func (h *PricingHandlers) convert(w http.ResponseWriter, r *http.Request) {
	if h.converter == nil {
		httpx.WriteError(r.Context(), w, unavailable("currency converter"))
		return
	}
	query := r.URL.Query()
	amount, err := strconv.ParseFloat(strings.TrimSpace(query.Get("amount")), 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		httpx.WriteError(r.Context(), w, badRequest("invalid_amount", "amount must be a number"))
		return
	}
	from := strings.ToUpper(strings.TrimSpace(query.Get("from")))
	to := strings.ToUpper(strings.TrimSpace(query.Get("to")))
	if from == "" || to == "" {
		httpx.WriteError(r.Context(), w, badRequest("invalid_currency", "from and to are required"))
		return
	}
	rate, err := h.converter.EffectiveRate(from, to)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	converted := services.Round(amount*rate, to)
	httpx.WriteJSON(w, http.StatusOK, convertResponse{
		From:      from,
		To:        to,
		Amount:    amount,
		Rate:      rate,
		Converted: converted,
		Formatted: services.Format(converted, to),
	})
}

type currencyResponse struct {
	Country string `json:"country"`
	domain.CurrencyInfo
}

func (h *PricingHandlers) currencyForCountry(w http.ResponseWriter, r *http.Request) {
	country := strings.TrimSpace(chi.URLParam(r, "country"))
	info := services.ResolveCurrency(country)
	httpx.WriteJSON(w, http.StatusOK, currencyResponse{Country: services.CountryCode(country), CurrencyInfo: info})
}

type ratesResponse struct {
	Items         []domain.ExchangeRate `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
	UpdatedAt     *time.Time            `json:"updatedAt,omitempty"`
}

func (h *PricingHandlers) listRates(w http.ResponseWriter, r *http.Request) {
	if h.converter == nil {
		httpx.WriteError(r.Context(), w, unavailable("currency converter"))
		return
	}
	params, err := pagination.Parse(r.URL.Query())
	if err != nil {
		httpx.WriteError(r.Context(), w, badRequest("invalid_page", err.Error()))
		return
	}
	items, next := pagination.Page(h.converter.Rates(), rateKey, params)
	resp := ratesResponse{Items: items, NextPageToken: next}
	if updated, ok := h.converter.UpdatedAt(); ok {
		resp.UpdatedAt = &updated
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func rateKey(rate domain.ExchangeRate) string {
	return rate.From + "/" + rate.To
}

func (h *PricingHandlers) refreshRates(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil {
		httpx.WriteError(r.Context(), w, unavailable("rate refresher"))
		return
	}
	rates, err := h.refresher.Refresh(r.Context())
	if err != nil {
		requestctx.Logger(r.Context()).Warn("manual rate refresh failed", zap.Error(err))
		httpx.WriteError(r.Context(), w, httpx.NewError("rate_refresh_failed", "exchange rate provider did not return usable rates", http.StatusBadGateway))
		return
	}
	resp := ratesResponse{Items: rates}
	if h.converter != nil {
		if updated, ok := h.converter.UpdatedAt(); ok {
			resp.UpdatedAt = &updated
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

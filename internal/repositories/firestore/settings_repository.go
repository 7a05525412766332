package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/tripfare/api/internal/domain"
	pfirestore "github.com/tripfare/api/internal/platform/firestore"
	"github.com/tripfare/api/internal/repositories"
)

// MarkupRepository stores one markup settings document per package.
type MarkupRepository struct {
	docs *pfirestore.Collection[domain.MarkupSettings]
}

var _ repositories.MarkupSettingsRepository = (*MarkupRepository)(nil)

func NewMarkupRepository(provider *pfirestore.Provider, collection string) (*MarkupRepository, error) {
	if provider == nil {
		return nil, errors.New("markup repository: firestore provider is required")
	}
	return &MarkupRepository{
		docs: pfirestore.NewCollection[domain.MarkupSettings](provider, collection, nil, nil),
	}, nil
}

func (r *MarkupRepository) Load(ctx context.Context, packageID string) (domain.MarkupSettings, bool, error) {
	doc, err := r.docs.Get(ctx, packageID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.MarkupSettings{}, false, nil
		}
		return domain.MarkupSettings{}, false, err
	}
	settings := doc.Data
	if settings.Type == "" {
		settings.Type = domain.MarkupTypePercentage
	}
	return settings, true, nil
}

func (r *MarkupRepository) Save(ctx context.Context, packageID string, settings domain.MarkupSettings) error {
	if settings.Type == "" {
		settings.Type = domain.MarkupTypePercentage
	}
	return r.docs.Set(ctx, packageID, settings)
}

// TaxRepository stores one tax configuration document per jurisdiction code.
type TaxRepository struct {
	docs *pfirestore.Collection[domain.TaxConfiguration]
	now  func() time.Time
}

var _ repositories.TaxConfigurationRepository = (*TaxRepository)(nil)

func NewTaxRepository(provider *pfirestore.Provider, collection string) (*TaxRepository, error) {
	if provider == nil {
		return nil, errors.New("tax repository: firestore provider is required")
	}
	return &TaxRepository{
		docs: pfirestore.NewCollection[domain.TaxConfiguration](provider, collection, nil, nil),
		now:  time.Now,
	}, nil
}

// List returns every configuration. The document ID wins over a missing jurisdiction field.
func (r *TaxRepository) List(ctx context.Context) ([]domain.TaxConfiguration, error) {
	docs, err := r.docs.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TaxConfiguration, 0, len(docs))
	for _, doc := range docs {
		cfg := doc.Data
		if strings.TrimSpace(cfg.Jurisdiction) == "" {
			cfg.Jurisdiction = doc.ID
		}
		cfg.Jurisdiction = strings.ToUpper(cfg.Jurisdiction)
		if cfg.UpdatedAt.IsZero() {
			cfg.UpdatedAt = doc.UpdateTime
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Jurisdiction < out[j].Jurisdiction })
	return out, nil
}

func (r *TaxRepository) Upsert(ctx context.Context, jurisdiction string, cfg domain.TaxConfiguration) error {
	key := strings.ToUpper(strings.TrimSpace(jurisdiction))
	if key == "" {
		return errors.New("tax repository: jurisdiction is required")
	}
	cfg.Jurisdiction = key
	cfg.UpdatedAt = r.now().UTC()
	return r.docs.Set(ctx, key, cfg)
}

// RateRepository stores the exchange rate table, one document per currency pair.
type RateRepository struct {
	docs *pfirestore.Collection[domain.ExchangeRate]
}

var _ repositories.ExchangeRateRepository = (*RateRepository)(nil)

func NewRateRepository(provider *pfirestore.Provider, collection string) (*RateRepository, error) {
	if provider == nil {
		return nil, errors.New("rate repository: firestore provider is required")
	}
	return &RateRepository{
		docs: pfirestore.NewCollection[domain.ExchangeRate](provider, collection, nil, nil),
	}, nil
}

func (r *RateRepository) List(ctx context.Context) ([]domain.ExchangeRate, error) {
	docs, err := r.docs.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ExchangeRate, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data)
	}
	return out, nil
}

// ReplaceAll swaps the whole table atomically so readers never observe a partial refresh.
func (r *RateRepository) ReplaceAll(ctx context.Context, rates []domain.ExchangeRate) error {
	values := make(map[string]domain.ExchangeRate, len(rates))
	for _, rate := range rates {
		values[RateDocumentID(rate.From, rate.To)] = rate
	}
	if err := r.docs.ReplaceAll(ctx, values); err != nil {
		return fmt.Errorf("rate repository: %w", err)
	}
	return nil
}

// RateDocumentID returns the document key for a currency pair, e.g. "INR_USD".
func RateDocumentID(from, to string) string {
	return strings.ToUpper(strings.TrimSpace(from)) + "_" + strings.ToUpper(strings.TrimSpace(to))
}

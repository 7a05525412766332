package firestore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/tripfare/api/internal/platform/config"
	pfirestore "github.com/tripfare/api/internal/platform/firestore"
	"github.com/tripfare/api/internal/repositories"
)

// Registry wires every Firestore-backed repository over a shared provider.
type Registry struct {
	provider *pfirestore.Provider
	sources  []repositories.ItinerarySource
	markup   *MarkupRepository
	tax      *TaxRepository
	rates    *RateRepository
	watcher  *DocumentWatcher
	extra    []repositories.ItinerarySource
}

var _ repositories.Registry = (*Registry)(nil)

// RegistryOption customises the registry.
type RegistryOption func(*Registry)

// WithAdditionalSources appends lower-priority itinerary sources after the Firestore ones.
func WithAdditionalSources(sources ...repositories.ItinerarySource) RegistryOption {
	return func(r *Registry) {
		r.extra = append(r.extra, sources...)
	}
}

// NewRegistry builds the repositories described by cfg.
func NewRegistry(provider *pfirestore.Provider, cfg config.FirestoreConfig, logger *zap.Logger, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	registry := &Registry{provider: provider, watcher: NewDocumentWatcher(logger)}

	for _, name := range cfg.ItineraryCollections {
		source, err := NewItinerarySource(provider, name)
		if err != nil {
			return nil, fmt.Errorf("firestore registry: %w", err)
		}
		registry.sources = append(registry.sources, source)
		WatchCollection(registry.watcher, source.Collection())
	}

	var err error
	if registry.markup, err = NewMarkupRepository(provider, cfg.MarkupCollection); err != nil {
		return nil, err
	}
	WatchCollection(registry.watcher, registry.markup.docs)
	if registry.tax, err = NewTaxRepository(provider, cfg.TaxCollection); err != nil {
		return nil, err
	}
	if registry.rates, err = NewRateRepository(provider, cfg.RatesCollection); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry, nil
}

// Close releases the Firestore client and any additional source holding its own connection.
func (r *Registry) Close(ctx context.Context) error {
	errs := []error{r.provider.Close(ctx)}
	for _, source := range r.extra {
		if closer, ok := source.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}

// ItinerarySources returns the Firestore collections in configured order followed by any
// additional sources.
func (r *Registry) ItinerarySources() []repositories.ItinerarySource {
	out := make([]repositories.ItinerarySource, 0, len(r.sources)+len(r.extra))
	out = append(out, r.sources...)
	return append(out, r.extra...)
}

func (r *Registry) MarkupSettings() repositories.MarkupSettingsRepository       { return r.markup }
func (r *Registry) TaxConfigurations() repositories.TaxConfigurationRepository { return r.tax }
func (r *Registry) ExchangeRates() repositories.ExchangeRateRepository         { return r.rates }

func (r *Registry) ChangeNotifiers() []repositories.ChangeNotifier {
	return []repositories.ChangeNotifier{r.watcher}
}

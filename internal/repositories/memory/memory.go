// Package memory provides process-local repository implementations for local runs, the CLI and
// tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/tripfare/api/internal/domain"
	"github.com/tripfare/api/internal/repositories"
)

// ItinerarySource is a named in-memory raw itinerary store.
type ItinerarySource struct {
	name string
	now  func() time.Time

	mu    sync.RWMutex
	items map[string]domain.RawItinerary
}

// NewItinerarySource returns an empty source.
func NewItinerarySource(name string) *ItinerarySource {
	return &ItinerarySource{
		name:  name,
		now:   time.Now,
		items: make(map[string]domain.RawItinerary),
	}
}

func (s *ItinerarySource) Name() string { return s.name }

// Load returns a copy of the stored itinerary, or nil when none exists.
func (s *ItinerarySource) Load(_ context.Context, packageID string) (*domain.RawItinerary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.items[packageID]
	if !ok {
		return nil, nil
	}
	raw.Payload = cloneMap(raw.Payload)
	return &raw, nil
}

// Put stores payload for packageID.
func (s *ItinerarySource) Put(packageID string, payload map[string]any) {
	s.mu.Lock()
	s.items[packageID] = domain.RawItinerary{
		PackageID: packageID,
		Source:    s.name,
		Payload:   cloneMap(payload),
		UpdatedAt: s.now().UTC(),
	}
	s.mu.Unlock()
}

// Delete removes the itinerary for packageID.
func (s *ItinerarySource) Delete(packageID string) {
	s.mu.Lock()
	delete(s.items, packageID)
	s.mu.Unlock()
}

// MarkupSettings stores per-package markup settings.
type MarkupSettings struct {
	mu       sync.RWMutex
	settings map[string]domain.MarkupSettings
}

func NewMarkupSettings() *MarkupSettings {
	return &MarkupSettings{settings: make(map[string]domain.MarkupSettings)}
}

func (r *MarkupSettings) Load(_ context.Context, packageID string) (domain.MarkupSettings, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	settings, ok := r.settings[packageID]
	return settings, ok, nil
}

func (r *MarkupSettings) Save(_ context.Context, packageID string, settings domain.MarkupSettings) error {
	r.mu.Lock()
	r.settings[packageID] = settings
	r.mu.Unlock()
	return nil
}

// TaxConfigurations stores tax rule sets keyed by jurisdiction.
type TaxConfigurations struct {
	mu      sync.RWMutex
	configs map[string]domain.TaxConfiguration
}

// NewTaxConfigurations returns a store seeded with configs.
func NewTaxConfigurations(configs ...domain.TaxConfiguration) *TaxConfigurations {
	store := &TaxConfigurations{configs: make(map[string]domain.TaxConfiguration, len(configs))}
	for _, cfg := range configs {
		store.configs[strings.ToUpper(cfg.Jurisdiction)] = cfg
	}
	return store
}

// List returns configurations sorted by jurisdiction.
func (r *TaxConfigurations) List(context.Context) ([]domain.TaxConfiguration, error) {
	r.mu.RLock()
	out := make([]domain.TaxConfiguration, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Jurisdiction < out[j].Jurisdiction })
	return out, nil
}

func (r *TaxConfigurations) Upsert(_ context.Context, jurisdiction string, cfg domain.TaxConfiguration) error {
	key := strings.ToUpper(strings.TrimSpace(jurisdiction))
	cfg.Jurisdiction = key
	r.mu.Lock()
	r.configs[key] = cfg
	r.mu.Unlock()
	return nil
}

// ExchangeRates stores the current rate table.
type ExchangeRates struct {
	mu    sync.RWMutex
	rates []domain.ExchangeRate
}

func NewExchangeRates() *ExchangeRates { return &ExchangeRates{} }

func (r *ExchangeRates) List(context.Context) ([]domain.ExchangeRate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.ExchangeRate(nil), r.rates...), nil
}

func (r *ExchangeRates) ReplaceAll(_ context.Context, rates []domain.ExchangeRate) error {
	r.mu.Lock()
	r.rates = append([]domain.ExchangeRate(nil), rates...)
	r.mu.Unlock()
	return nil
}

// Notifier is a ChangeNotifier driven by explicit Notify calls.
type Notifier struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[string]map[uint64]func()
}

func NewNotifier() *Notifier {
	return &Notifier{listeners: make(map[string]map[uint64]func())}
}

func (n *Notifier) Watch(_ context.Context, packageID string, fn func()) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	if n.listeners[packageID] == nil {
		n.listeners[packageID] = make(map[uint64]func())
	}
	n.listeners[packageID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.listeners[packageID], id)
			if len(n.listeners[packageID]) == 0 {
				delete(n.listeners, packageID)
			}
		})
	}, nil
}

// Notify invokes every listener registered for packageID and reports how many were called.
func (n *Notifier) Notify(packageID string) int {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.listeners[packageID]))
	for _, fn := range n.listeners[packageID] {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// Registry bundles in-memory repositories behind repositories.Registry.
type Registry struct {
	Sources  []*ItinerarySource
	Markup   *MarkupSettings
	Tax      *TaxConfigurations
	Rates    *ExchangeRates
	Notifier *Notifier
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds a registry with one itinerary source per name.
func NewRegistry(sourceNames ...string) *Registry {
	if len(sourceNames) == 0 {
		sourceNames = []string{"memory"}
	}
	registry := &Registry{
		Markup:   NewMarkupSettings(),
		Tax:      NewTaxConfigurations(),
		Rates:    NewExchangeRates(),
		Notifier: NewNotifier(),
	}
	for _, name := range sourceNames {
		registry.Sources = append(registry.Sources, NewItinerarySource(name))
	}
	return registry
}

func (r *Registry) Close(context.Context) error { return nil }

func (r *Registry) ItinerarySources() []repositories.ItinerarySource {
	out := make([]repositories.ItinerarySource, 0, len(r.Sources))
	for _, source := range r.Sources {
		out = append(out, source)
	}
	return out
}

func (r *Registry) MarkupSettings() repositories.MarkupSettingsRepository        { return r.Markup }
func (r *Registry) TaxConfigurations() repositories.TaxConfigurationRepository  { return r.Tax }
func (r *Registry) ExchangeRates() repositories.ExchangeRateRepository          { return r.Rates }
func (r *Registry) ChangeNotifiers() []repositories.ChangeNotifier {
	return []repositories.ChangeNotifier{r.Notifier}
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, entry := range v {
			out[i] = cloneValue(entry)
		}
		return out
	default:
		return v
	}
}

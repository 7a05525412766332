package repositories

import (
	"context"
	"errors"

	domain "github.com/tripfare/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	ItinerarySources() []ItinerarySource
	MarkupSettings() MarkupSettingsRepository
	TaxConfigurations() TaxConfigurationRepository
	ExchangeRates() ExchangeRateRepository
	ChangeNotifiers() []ChangeNotifier
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ItinerarySource is one named raw itinerary store. Load returns nil without error when the
// store has no itinerary for the package.
type ItinerarySource interface {
	Name() string
	Load(ctx context.Context, packageID string) (*domain.RawItinerary, error)
}

// MarkupSettingsRepository persists per-package markup settings. Load reports false when none
// are stored.
type MarkupSettingsRepository interface {
	Load(ctx context.Context, packageID string) (domain.MarkupSettings, bool, error)
	Save(ctx context.Context, packageID string, settings domain.MarkupSettings) error
}

// TaxConfigurationRepository persists per-jurisdiction tax rule sets.
type TaxConfigurationRepository interface {
	List(ctx context.Context) ([]domain.TaxConfiguration, error)
	Upsert(ctx context.Context, jurisdiction string, cfg domain.TaxConfiguration) error
}

// ExchangeRateRepository persists the margin-adjusted exchange rate table.
type ExchangeRateRepository interface {
	List(ctx context.Context) ([]domain.ExchangeRate, error)
	ReplaceAll(ctx context.Context, rates []domain.ExchangeRate) error
}

// ChangeNotifier delivers storage-change notifications for a package. The returned cancel func
// deregisters the callback and must be safe to call more than once.
type ChangeNotifier interface {
	Watch(ctx context.Context, packageID string, fn func()) (cancel func(), err error)
}

// SnapshotPublisher forwards snapshot updates to an external sink and returns the message ID.
type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, update domain.SnapshotUpdate) (string, error)
}

// IsNotFound reports whether err is a repository error describing a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}

// IsUnavailable reports whether err is a repository error describing a transient outage.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsUnavailable()
	}
	return false
}

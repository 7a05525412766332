package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/tripfare/api/internal/domain"
	pfirestore "github.com/tripfare/api/internal/platform/firestore"
	"github.com/tripfare/api/internal/repositories"
)

// ItinerarySource reads raw itinerary documents from one collection. Documents are keyed by
// package ID and returned untouched; normalization happens in the services layer.
type ItinerarySource struct {
	docs *pfirestore.Collection[map[string]any]
}

var _ repositories.ItinerarySource = (*ItinerarySource)(nil)

// NewItinerarySource binds an itinerary source to collection.
func NewItinerarySource(provider *pfirestore.Provider, collection string) (*ItinerarySource, error) {
	if provider == nil {
		return nil, errors.New("itinerary source: firestore provider is required")
	}
	if strings.TrimSpace(collection) == "" {
		return nil, errors.New("itinerary source: collection is required")
	}
	docs := pfirestore.NewCollection[map[string]any](provider, collection, nil, pfirestore.MapDecoder())
	return &ItinerarySource{docs: docs}, nil
}

// Name returns the backing collection name.
func (s *ItinerarySource) Name() string { return s.docs.Name() }

// Load returns the itinerary document for packageID, or nil when it does not exist.
func (s *ItinerarySource) Load(ctx context.Context, packageID string) (*domain.RawItinerary, error) {
	doc, err := s.docs.Get(ctx, packageID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &domain.RawItinerary{
		PackageID: doc.ID,
		Source:    s.docs.Name(),
		Payload:   doc.Data,
		UpdatedAt: doc.UpdateTime,
	}, nil
}

// Collection exposes the typed collection for change watching.
func (s *ItinerarySource) Collection() *pfirestore.Collection[map[string]any] { return s.docs }

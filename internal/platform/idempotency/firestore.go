package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultCollection holds replay entries when no collection is configured.
const DefaultCollection = "idempotencyKeys"

// ClientSource lazily provides a Firestore client.
type ClientSource interface {
	Client(ctx context.Context) (*firestore.Client, error)
}

// FirestoreStore shares reservations across instances using transactions.
type FirestoreStore struct {
	clients    ClientSource
	collection string
}

func NewFirestoreStore(clients ClientSource, collection string) *FirestoreStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreStore{clients: clients, collection: collection}
}

type entryDocument struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	Completed   bool                `firestore:"completed"`
	Status      int                 `firestore:"status"`
	Header      map[string][]string `firestore:"header"`
	Body        []byte              `firestore:"body"`
	UpdatedAt   time.Time           `firestore:"updatedAt"`
	ExpiresAt   time.Time           `firestore:"expiresAt"`
}

func (d entryDocument) entry() Entry {
	return Entry{
		Key:         d.Key,
		Fingerprint: d.Fingerprint,
		Completed:   d.Completed,
		Status:      d.Status,
		Header:      d.Header,
		Body:        d.Body,
		ExpiresAt:   d.ExpiresAt,
	}
}

func (s *FirestoreStore) ref(ctx context.Context, key string) (*firestore.Client, *firestore.DocumentRef, error) {
	client, err := s.clients.Client(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Collection(s.collection).Doc(documentID(key)), nil
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (State, Entry, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client, ref, err := s.ref(ctx, key)
	if err != nil {
		return 0, Entry{}, err
	}

	var (
		state State
		entry Entry
	)
	err = client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var doc entryDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if !expired(doc.entry(), now) {
				if doc.Fingerprint != fingerprint {
					return ErrFingerprintMismatch
				}
				state, entry = StateInFlight, doc.entry()
				if doc.Completed {
					state = StateCompleted
				}
				return nil
			}
		}
		doc := entryDocument{Key: key, Fingerprint: fingerprint, UpdatedAt: now, ExpiresAt: now.Add(ttl)}
		state, entry = StateNew, doc.entry()
		return tx.Set(ref, doc)
	})
	return state, entry, err
}

func (s *FirestoreStore) Complete(ctx context.Context, entry Entry, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client, ref, err := s.ref(ctx, entry.Key)
	if err != nil {
		return err
	}
	return client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var doc entryDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if doc.Fingerprint != entry.Fingerprint {
				return ErrFingerprintMismatch
			}
		}
		return tx.Set(ref, entryDocument{
			Key:         entry.Key,
			Fingerprint: entry.Fingerprint,
			Completed:   true,
			Status:      entry.Status,
			Header:      entry.Header,
			Body:        entry.Body,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		})
	})
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	_, ref, err := s.ref(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded Firestore document with its metadata.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// Encoder converts an entity into a Firestore-compatible value.
type Encoder[T any] func(value T) (any, error)

// Decoder hydrates an entity from a snapshot.
type Decoder[T any] func(snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder customises the collection query used by List.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection provides typed access to a single Firestore collection.
type Collection[T any] struct {
	provider *Provider
	name     string
	encode   Encoder[T]
	decode   Decoder[T]
}

// NewCollection binds a typed collection. Nil codecs default to struct encoding via firestore
// tags.
func NewCollection[T any](provider *Provider, name string, encode Encoder[T], decode Decoder[T]) *Collection[T] {
	if encode == nil {
		encode = func(value T) (any, error) { return value, nil }
	}
	if decode == nil {
		decode = StructDecoder[T]()
	}
	return &Collection[T]{
		provider: provider,
		name:     strings.TrimSpace(name),
		encode:   encode,
		decode:   decode,
	}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.name }

// Get fetches and decodes one document. A missing document is an *Error that reports
// IsNotFound.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.doc(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return c.decodeSnapshot(snap)
}

// Set writes value under id, replacing any existing document.
func (c *Collection[T]) Set(ctx context.Context, id string, value T) error {
	ref, err := c.doc(ctx, id)
	if err != nil {
		return err
	}
	payload, err := c.encode(value)
	if err != nil {
		return fmt.Errorf("firestore: encode %s/%s: %w", c.name, id, err)
	}
	if _, err := ref.Set(ctx, payload); err != nil {
		return WrapError(c.op("set"), err)
	}
	return nil
}

// List returns every document matched by build, or the whole collection when build is nil.
func (c *Collection[T]) List(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(c.op("list"), err)
		}
		doc, err := c.decodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

// ReplaceAll makes the collection contain exactly values, keyed by document ID, in one
// transaction.
func (c *Collection[T]) ReplaceAll(ctx context.Context, values map[string]T) error {
	client, err := c.provider.Client(ctx)
	if err != nil {
		return err
	}
	coll := client.Collection(c.name)
	payloads := make(map[string]any, len(values))
	for id, value := range values {
		payload, err := c.encode(value)
		if err != nil {
			return fmt.Errorf("firestore: encode %s/%s: %w", c.name, id, err)
		}
		payloads[id] = payload
	}

	err = client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, err := tx.Documents(coll).GetAll()
		if err != nil {
			return err
		}
		for _, snap := range existing {
			if _, keep := payloads[snap.Ref.ID]; !keep {
				if err := tx.Delete(snap.Ref); err != nil {
					return err
				}
			}
		}
		for id, payload := range payloads {
			if err := tx.Set(coll.Doc(id), payload); err != nil {
				return err
			}
		}
		return nil
	})
	return WrapError(c.op("replace_all"), err)
}

// Watch streams realtime snapshots of document id to fn until ctx is done or stop is called.
// fn receives exists=false when the document is deleted or absent. Decode failures are
// reported through onError and the stream continues.
func (c *Collection[T]) Watch(ctx context.Context, id string, fn func(doc Document[T], exists bool), onError func(error)) (stop func(), err error) {
	ref, err := c.doc(ctx, id)
	if err != nil {
		return nil, err
	}
	if onError == nil {
		onError = func(error) {}
	}
	watchCtx, cancel := context.WithCancel(ctx)
	iter := ref.Snapshots(watchCtx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err != nil {
				if watchCtx.Err() == nil {
					onError(WrapError(c.op("watch"), err))
				}
				return
			}
			if snap == nil || !snap.Exists() {
				fn(Document[T]{ID: id}, false)
				continue
			}
			doc, err := c.decodeSnapshot(snap)
			if err != nil {
				onError(err)
				continue
			}
			fn(doc, true)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (c *Collection[T]) decodeSnapshot(snap *firestore.DocumentSnapshot) (Document[T], error) {
	entity, err := c.decode(snap)
	if err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s/%s: %w", c.name, snap.Ref.ID, err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: entity, UpdateTime: snap.UpdateTime}, nil
}

func (c *Collection[T]) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if c.provider == nil {
		return nil, errors.New("firestore: provider is nil")
	}
	if c.name == "" {
		return nil, errors.New("firestore: collection name is required")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("firestore: %s: document id is required", c.name)
	}
	coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (c *Collection[T]) op(action string) string {
	return c.name + "." + action
}

// StructDecoder decodes documents through their firestore struct tags.
func StructDecoder[T any]() Decoder[T] {
	return func(snap *firestore.DocumentSnapshot) (T, error) {
		var target T
		err := snap.DataTo(&target)
		return target, err
	}
}

// MapDecoder returns the raw document map.
func MapDecoder() Decoder[map[string]any] {
	return func(snap *firestore.DocumentSnapshot) (map[string]any, error) {
		data := snap.Data()
		if data == nil {
			data = map[string]any{}
		}
		return data, nil
	}
}

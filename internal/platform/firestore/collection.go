package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document pairs a decoded value with its document id and timestamps.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// QueryBuilder customises a collection query before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection gives typed access to one collection path. Every call joins the transaction bound to
// ctx, if any, so stores compose inside Provider.RunInTx.
type Collection[T any] struct {
	provider *Provider
	path     string
}

// NewCollection binds T to the collection at path. Nested paths such as
// "shipments/shp_1/tracking" address sub-collections.
func NewCollection[T any](provider *Provider, path string) *Collection[T] {
	return &Collection[T]{provider: provider, path: strings.Trim(strings.TrimSpace(path), "/")}
}

// Get decodes the document stored under id.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	var snap *firestore.DocumentSnapshot
	if tx, ok := TransactionFrom(ctx); ok {
		snap, err = tx.Get(ref)
	} else {
		snap, err = ref.Get(ctx)
	}
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return decode[T](snap)
}

// Create writes value under id and fails with a conflict error when the document exists.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFrom(ctx); ok {
		err = tx.Create(ref, value)
	} else {
		_, err = ref.Create(ctx, value)
	}
	return WrapError(c.op("create"), err)
}

// Set overwrites the document under id.
func (c *Collection[T]) Set(ctx context.Context, id string, value T) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFrom(ctx); ok {
		err = tx.Set(ref, value)
	} else {
		_, err = ref.Set(ctx, value)
	}
	return WrapError(c.op("set"), err)
}

// Update applies field updates to an existing document, leaving other fields untouched.
func (c *Collection[T]) Update(ctx context.Context, id string, updates []firestore.Update) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFrom(ctx); ok {
		err = tx.Update(ref, updates)
	} else {
		_, err = ref.Update(ctx, updates)
	}
	return WrapError(c.op("update"), err)
}

// Delete removes the document under id. Missing documents are not an error.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFrom(ctx); ok {
		err = tx.Delete(ref)
	} else {
		_, err = ref.Delete(ctx)
	}
	return WrapError(c.op("delete"), err)
}

// Query runs build against the collection and decodes every match.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := c.Ref(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	var iter *firestore.DocumentIterator
	if tx, ok := TransactionFrom(ctx); ok {
		iter = tx.Documents(query)
	} else {
		iter = query.Documents(ctx)
	}
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		doc, err := decode[T](snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// First returns the first match of build, or a not-found error.
func (c *Collection[T]) First(ctx context.Context, build QueryBuilder) (Document[T], error) {
	docs, err := c.Query(ctx, func(q firestore.Query) firestore.Query {
		if build != nil {
			q = build(q)
		}
		return q.Limit(1)
	})
	if err != nil {
		return Document[T]{}, err
	}
	if len(docs) == 0 {
		return Document[T]{}, NotFound(c.op("first"), "no document matched")
	}
	return docs[0], nil
}

// Ref returns the collection reference.
func (c *Collection[T]) Ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, errors.New("firestore: collection provider is nil")
	}
	if c.path == "" {
		return nil, errors.New("firestore: collection path is required")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.path), nil
}

// Doc returns the reference for id.
func (c *Collection[T]) Doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("doc"), errors.New("firestore: document id is required"))
	}
	coll, err := c.Ref(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (c *Collection[T]) op(action string) string {
	return fmt.Sprintf("%s.%s", c.path, action)
}

func decode[T any](snap *firestore.DocumentSnapshot) (Document[T], error) {
	var value T
	if err := snap.DataTo(&value); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s: %w", snap.Ref.Path, err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: value, UpdateTime: snap.UpdateTime}, nil
}

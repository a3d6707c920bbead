package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
)

// Document represents a strongly typed Firestore document with metadata timestamps.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// QueryBuilder customises Firestore queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection gives typed access to one Firestore collection whose documents decode into T
// with firestore struct tags. Every helper routes through the transaction attached to ctx
// when there is one.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection binds a typed collection to the provider.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Create writes a new document and fails with a conflict error when it already exists.
func (r *Collection[T]) Create(ctx context.Context, id string, value T) error {
	doc, err := r.documentRef(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFromContext(ctx); ok {
		return WrapError(r.op("create"), tx.Create(doc, value))
	}
	_, err = doc.Create(ctx, value)
	return WrapError(r.op("create"), err)
}

// Set upserts the given value under the provided document ID.
func (r *Collection[T]) Set(ctx context.Context, id string, value T, opts ...firestore.SetOption) error {
	doc, err := r.documentRef(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFromContext(ctx); ok {
		return WrapError(r.op("set"), tx.Set(doc, value, opts...))
	}
	_, err = doc.Set(ctx, value, opts...)
	return WrapError(r.op("set"), err)
}

// Replace overwrites an existing document and fails with not found when it is absent. Inside
// a caller's transaction the existence check is skipped, since Firestore forbids reads after
// writes and the caller has already read the document.
func (r *Collection[T]) Replace(ctx context.Context, id string, value T) error {
	if _, ok := TransactionFromContext(ctx); ok {
		return r.Set(ctx, id, value)
	}
	return r.provider.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return r.Set(ctx, id, value)
	})
}

// Delete removes the document; deleting a missing document is not an error.
func (r *Collection[T]) Delete(ctx context.Context, id string) error {
	doc, err := r.documentRef(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFromContext(ctx); ok {
		return WrapError(r.op("delete"), tx.Delete(doc))
	}
	_, err = doc.Delete(ctx)
	return WrapError(r.op("delete"), err)
}

// Get fetches the document by ID and decodes it into the strongly typed entity.
func (r *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	doc, err := r.documentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}

	var snapshot *firestore.DocumentSnapshot
	if tx, ok := TransactionFromContext(ctx); ok {
		snapshot, err = tx.Get(doc)
	} else {
		snapshot, err = doc.Get(ctx)
	}
	if err != nil {
		return Document[T]{}, WrapError(r.op("get"), err)
	}
	return r.decodeDocument(snapshot)
}

// GetAll fetches several documents in one round trip. Missing documents are omitted from
// the returned map.
func (r *Collection[T]) GetAll(ctx context.Context, ids []string) (map[string]Document[T], error) {
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return nil, WrapError(r.op("getAll"), errors.New("firestore: document id is required"))
		}
		refs = append(refs, coll.Doc(id))
	}

	var snapshots []*firestore.DocumentSnapshot
	if tx, ok := TransactionFromContext(ctx); ok {
		snapshots, err = tx.GetAll(refs)
	} else {
		client, cerr := r.provider.Client(ctx)
		if cerr != nil {
			return nil, cerr
		}
		snapshots, err = client.GetAll(ctx, refs)
	}
	if err != nil {
		return nil, WrapError(r.op("getAll"), err)
	}

	docs := make(map[string]Document[T], len(snapshots))
	for _, snapshot := range snapshots {
		if snapshot == nil || !snapshot.Exists() {
			continue
		}
		decoded, err := r.decodeDocument(snapshot)
		if err != nil {
			return nil, err
		}
		docs[decoded.ID] = decoded
	}
	return docs, nil
}

// Query executes a collection query and returns the decoded documents.
func (r *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return nil, err
	}

	query := coll.Query
	if build != nil {
		query = build(query)
	}

	var iter *firestore.DocumentIterator
	if tx, ok := TransactionFromContext(ctx); ok {
		iter = tx.Documents(query)
	} else {
		iter = query.Documents(ctx)
	}
	defer iter.Stop()

	var docs []Document[T]
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, WrapError(r.op("query"), err)
		}
		decoded, err := r.decodeDocument(snapshot)
		if err != nil {
			return nil, err
		}
		docs = append(docs, decoded)
	}
	return docs, nil
}

// Count runs a server-side count aggregation.
func (r *Collection[T]) Count(ctx context.Context, build QueryBuilder) (int64, error) {
	values, err := r.aggregate(ctx, build, func(q *firestore.AggregationQuery) *firestore.AggregationQuery {
		return q.WithCount("value")
	})
	if err != nil {
		return 0, err
	}
	return aggregateInt(values["value"]), nil
}

// Sum runs a server-side sum aggregation over a numeric field.
func (r *Collection[T]) Sum(ctx context.Context, build QueryBuilder, field string) (int64, error) {
	values, err := r.aggregate(ctx, build, func(q *firestore.AggregationQuery) *firestore.AggregationQuery {
		return q.WithSum(field, "value")
	})
	if err != nil {
		return 0, err
	}
	return aggregateInt(values["value"]), nil
}

func (r *Collection[T]) aggregate(ctx context.Context, build QueryBuilder, with func(*firestore.AggregationQuery) *firestore.AggregationQuery) (firestore.AggregationResult, error) {
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}
	result, err := with(query.NewAggregationQuery()).Get(ctx)
	if err != nil {
		return nil, WrapError(r.op("aggregate"), err)
	}
	return result, nil
}

func aggregateInt(value any) int64 {
	switch v := value.(type) {
	case *firestorepb.Value:
		if _, ok := v.GetValueType().(*firestorepb.Value_DoubleValue); ok {
			return int64(v.GetDoubleValue())
		}
		return v.GetIntegerValue()
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func (r *Collection[T]) decodeDocument(snapshot *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snapshot.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s/%s: %w", r.name, snapshot.Ref.ID, err)
	}
	return Document[T]{ID: snapshot.Ref.ID, Data: data, UpdateTime: snapshot.UpdateTime}, nil
}

func (r *Collection[T]) collectionRef(ctx context.Context) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, WrapError(r.op("collection"), errors.New("firestore: provider is nil"))
	}
	if r.name == "" {
		return nil, WrapError(r.op("collection"), errors.New("firestore: collection name is required"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(r.name), nil
}

func (r *Collection[T]) documentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(r.op("document"), errors.New("firestore: document id is required"))
	}
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (r *Collection[T]) op(action string) string {
	if r == nil || r.name == "" {
		return "firestore." + action
	}
	return r.name + "." + action
}

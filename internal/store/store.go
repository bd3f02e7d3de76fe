// Package store defines the document-store contract the rest of curate is
// written against: collections that run aggregation pipelines, single
// document CRUD, index and validator installation, and transactions.
package store

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrNotFound is returned when a single-document operation matches nothing
	ErrNotFound = errors.New("document not found")

	// ErrDuplicateKey is returned when a write violates a unique index
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrValidation is returned when a write fails the collection validator
	ErrValidation = errors.New("document failed validation")

	// ErrNamespaceExists is returned when creating a collection that exists
	ErrNamespaceExists = errors.New("collection already exists")
)

// Cursor streams raw results. *mongo.Cursor satisfies it.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(v interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// Collection is a named set of documents
type Collection interface {
	Name() string

	// Aggregate runs the stage list as one request
	Aggregate(ctx context.Context, pipeline []bson.D) (Cursor, error)

	Find(ctx context.Context, filter interface{}) (Cursor, error)
	FindOne(ctx context.Context, filter interface{}, result interface{}) error
	CountDocuments(ctx context.Context, filter interface{}) (int64, error)

	InsertOne(ctx context.Context, doc interface{}) (interface{}, error)
	InsertMany(ctx context.Context, docs []interface{}) ([]interface{}, error)
	ReplaceOne(ctx context.Context, filter, replacement interface{}) error
	UpdateOne(ctx context.Context, filter, update interface{}) (int64, error)
	UpdateMany(ctx context.Context, filter, update interface{}) (int64, error)
	DeleteOne(ctx context.Context, filter interface{}) (int64, error)
	DeleteMany(ctx context.Context, filter interface{}) (int64, error)

	CreateIndex(ctx context.Context, keys bson.D, unique bool) error

	// SetValidator installs a structural validator the store enforces on
	// every write to the collection
	SetValidator(ctx context.Context, validator bson.M) error

	Drop(ctx context.Context) error
}

// Database groups collections and scopes transactions
type Database interface {
	Name() string
	Collection(name string) Collection
	CreateCollection(ctx context.Context, name string) error
	ListCollectionNames(ctx context.Context) ([]string, error)

	// WithTransaction runs fn inside a session transaction. Operations
	// issued with the ctx passed to fn participate in it.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	Close(ctx context.Context) error
}

// DecodeAll drains a cursor into a slice of documents and closes it
func DecodeAll(ctx context.Context, cur Cursor) ([]bson.D, error) {
	defer cur.Close(ctx)

	var out []bson.D
	for cur.Next(ctx) {
		var doc bson.D
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, cur.Err()
}

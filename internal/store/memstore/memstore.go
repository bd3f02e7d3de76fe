// Package memstore is an in-process implementation of the store contract.
// It evaluates the same aggregation stage format the MongoDB backend
// receives, enforces installed $jsonSchema validators and unique indexes,
// and rolls transactions back from a snapshot.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/curate-ml/curate/internal/store"
)

// Database is an in-memory store.Database
type Database struct {
	name string

	mu          sync.RWMutex
	collections map[string]*collectionData

	txMu sync.Mutex
}

type collectionData struct {
	docs      []bson.D
	validator bson.D
	unique    [][]string
}

// New creates an empty in-memory database
func New(name string) *Database {
	return &Database{name: name, collections: make(map[string]*collectionData)}
}

var _ store.Database = (*Database)(nil)

// Name returns the database name
func (db *Database) Name() string { return db.name }

// Collection returns a handle to the named collection. Collections are
// created on first write.
func (db *Database) Collection(name string) store.Collection {
	return &Collection{db: db, name: name}
}

// CreateCollection creates an empty collection
func (db *Database) CreateCollection(ctx context.Context, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.collections[name]; ok {
		return fmt.Errorf("%w: %s.%s", store.ErrNamespaceExists, db.name, name)
	}
	db.collections[name] = &collectionData{}
	return nil
}

// ListCollectionNames returns the sorted collection names
func (db *Database) ListCollectionNames(ctx context.Context) ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.collections))
	for n := range db.collections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// WithTransaction runs fn with every collection snapshotted. If fn fails
// the snapshot is restored. Transactions are serialized.
func (db *Database) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	db.txMu.Lock()
	defer db.txMu.Unlock()

	snapshot := db.snapshot()
	if err := fn(ctx); err != nil {
		db.mu.Lock()
		db.collections = snapshot
		db.mu.Unlock()
		return err
	}
	return nil
}

func (db *Database) snapshot() map[string]*collectionData {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make(map[string]*collectionData, len(db.collections))
	for name, c := range db.collections {
		docs := make([]bson.D, len(c.docs))
		for i, d := range c.docs {
			docs[i] = copyDoc(d)
		}
		out[name] = &collectionData{docs: docs, validator: c.validator, unique: c.unique}
	}
	return out
}

// Close is a no-op
func (db *Database) Close(ctx context.Context) error { return nil }

// Collection is an in-memory store.Collection
type Collection struct {
	db   *Database
	name string
}

var _ store.Collection = (*Collection)(nil)

// Name returns the collection name
func (c *Collection) Name() string { return c.name }

// data returns the collection, creating it when create is set. Callers
// must hold db.mu.
func (c *Collection) data(create bool) *collectionData {
	cd, ok := c.db.collections[c.name]
	if !ok && create {
		cd = &collectionData{}
		c.db.collections[c.name] = cd
	}
	return cd
}

// Aggregate runs the pipeline over a snapshot of the collection
func (c *Collection) Aggregate(ctx context.Context, pipeline []bson.D) (store.Cursor, error) {
	stages := make([]bson.D, len(pipeline))
	for i, s := range pipeline {
		cs, err := canonicalDoc(s)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		stages[i] = cs
	}

	c.db.mu.RLock()
	var docs []bson.D
	if cd := c.data(false); cd != nil {
		docs = make([]bson.D, len(cd.docs))
		copy(docs, cd.docs)
	}
	c.db.mu.RUnlock()

	out, err := runPipeline(docs, stages)
	if err != nil {
		return nil, err
	}
	return newCursor(out), nil
}

func (c *Collection) filter(filter interface{}) (matcher, error) {
	f, err := canonicalDoc(filter)
	if err != nil {
		return nil, err
	}
	return compileFilter(f)
}

// Find returns every matching document
func (c *Collection) Find(ctx context.Context, filter interface{}) (store.Cursor, error) {
	m, err := c.filter(filter)
	if err != nil {
		return nil, err
	}
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()

	var out []bson.D
	if cd := c.data(false); cd != nil {
		for _, d := range cd.docs {
			if m(d) {
				out = append(out, d)
			}
		}
	}
	return newCursor(out), nil
}

// FindOne decodes the first matching document into result
func (c *Collection) FindOne(ctx context.Context, filter interface{}, result interface{}) error {
	cur, err := c.Find(ctx, filter)
	if err != nil {
		return err
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		return store.ErrNotFound
	}
	return cur.Decode(result)
}

// CountDocuments counts matching documents
func (c *Collection) CountDocuments(ctx context.Context, filter interface{}) (int64, error) {
	cur, err := c.Find(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(cur.(*cursor).docs)), nil
}

// InsertOne inserts doc, assigning an _id when it has none
func (c *Collection) InsertOne(ctx context.Context, doc interface{}) (interface{}, error) {
	ids, err := c.InsertMany(ctx, []interface{}{doc})
	if err != nil {
		return nil, err
	}
	return ids[0], nil
}

// InsertMany inserts docs atomically
func (c *Collection) InsertMany(ctx context.Context, docs []interface{}) ([]interface{}, error) {
	prepared := make([]bson.D, len(docs))
	ids := make([]interface{}, len(docs))
	for i, doc := range docs {
		d, err := canonicalDoc(doc)
		if err != nil {
			return nil, err
		}
		id, ok := getKey(d, "_id")
		if !ok {
			id = primitive.NewObjectID()
			d = append(bson.D{{Key: "_id", Value: id}}, d...)
		}
		prepared[i] = d
		ids[i] = id
	}

	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	cd := c.data(true)

	pending := make([]bson.D, 0, len(cd.docs)+len(prepared))
	pending = append(pending, cd.docs...)
	for _, d := range prepared {
		if err := cd.check(d, pending, -1); err != nil {
			return nil, err
		}
		pending = append(pending, d)
	}
	cd.docs = pending
	return ids, nil
}

// check validates d and its unique keys against docs, ignoring index skip
func (cd *collectionData) check(d bson.D, docs []bson.D, skip int) error {
	if cd.validator != nil {
		if err := validateDoc(cd.validator, d); err != nil {
			return fmt.Errorf("%w: %v", store.ErrValidation, err)
		}
	}

	keys := append([][]string{{"_id"}}, cd.unique...)
	for _, key := range keys {
		for i, other := range docs {
			if i == skip {
				continue
			}
			if sameKey(d, other, key) {
				return fmt.Errorf("%w: %v", store.ErrDuplicateKey, key)
			}
		}
	}
	return nil
}

func sameKey(a, b bson.D, key []string) bool {
	av, _ := getPlain(a, key)
	bv, _ := getPlain(b, key)
	return equal(av, bv)
}

// ReplaceOne replaces the first matching document, keeping its _id
func (c *Collection) ReplaceOne(ctx context.Context, filter, replacement interface{}) error {
	m, err := c.filter(filter)
	if err != nil {
		return err
	}
	repl, err := canonicalDoc(replacement)
	if err != nil {
		return err
	}

	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	cd := c.data(false)
	if cd == nil {
		return store.ErrNotFound
	}
	for i, d := range cd.docs {
		if !m(d) {
			continue
		}
		id, _ := getKey(d, "_id")
		out := bson.D{{Key: "_id", Value: id}}
		for _, e := range repl {
			if e.Key != "_id" {
				out = append(out, e)
			}
		}
		if err := cd.check(out, cd.docs, i); err != nil {
			return err
		}
		cd.docs[i] = out
		return nil
	}
	return store.ErrNotFound
}

// UpdateOne applies update to the first matching document
func (c *Collection) UpdateOne(ctx context.Context, filter, update interface{}) (int64, error) {
	return c.update(filter, update, false)
}

// UpdateMany applies update to every matching document
func (c *Collection) UpdateMany(ctx context.Context, filter, update interface{}) (int64, error) {
	return c.update(filter, update, true)
}

func (c *Collection) update(filter, update interface{}, many bool) (int64, error) {
	m, err := c.filter(filter)
	if err != nil {
		return 0, err
	}
	u, err := canonicalDoc(update)
	if err != nil {
		return 0, err
	}

	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	cd := c.data(false)
	if cd == nil {
		return 0, nil
	}

	next := make([]bson.D, len(cd.docs))
	copy(next, cd.docs)
	var n int64
	for i, d := range cd.docs {
		if !m(d) {
			continue
		}
		updated, err := applyUpdate(d, u)
		if err != nil {
			return 0, err
		}
		if err := cd.check(updated, next, i); err != nil {
			return 0, err
		}
		next[i] = updated
		n++
		if !many {
			break
		}
	}
	cd.docs = next
	return n, nil
}

// DeleteOne deletes the first matching document
func (c *Collection) DeleteOne(ctx context.Context, filter interface{}) (int64, error) {
	return c.delete(filter, false)
}

// DeleteMany deletes every matching document
func (c *Collection) DeleteMany(ctx context.Context, filter interface{}) (int64, error) {
	return c.delete(filter, true)
}

func (c *Collection) delete(filter interface{}, many bool) (int64, error) {
	m, err := c.filter(filter)
	if err != nil {
		return 0, err
	}

	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	cd := c.data(false)
	if cd == nil {
		return 0, nil
	}

	var n int64
	kept := make([]bson.D, 0, len(cd.docs))
	for _, d := range cd.docs {
		if m(d) && (many || n == 0) {
			n++
			continue
		}
		kept = append(kept, d)
	}
	cd.docs = kept
	return n, nil
}

// CreateIndex records the index. Only unique indexes affect behavior.
func (c *Collection) CreateIndex(ctx context.Context, keys bson.D, unique bool) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	cd := c.data(true)
	if !unique || len(keys) != 1 {
		return nil
	}
	key := splitPath(keys[0].Key)
	for i := range cd.docs {
		for j := i + 1; j < len(cd.docs); j++ {
			if sameKey(cd.docs[i], cd.docs[j], key) {
				return fmt.Errorf("%w: cannot build unique index on %s", store.ErrDuplicateKey, keys[0].Key)
			}
		}
	}
	cd.unique = append(cd.unique, key)
	return nil
}

// SetValidator installs a $jsonSchema validator for subsequent writes
func (c *Collection) SetValidator(ctx context.Context, validator bson.M) error {
	v, err := canonicalDoc(validator)
	if err != nil {
		return err
	}
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.data(true).validator = v
	return nil
}

// Drop removes the collection
func (c *Collection) Drop(ctx context.Context) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	delete(c.db.collections, c.name)
	return nil
}

type cursor struct {
	docs []bson.D
	pos  int
	err  error
}

func newCursor(docs []bson.D) *cursor {
	return &cursor{docs: docs, pos: -1}
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	c.pos++
	return c.pos < len(c.docs)
}

// Decode round-trips the current document through BSON into v
func (c *cursor) Decode(v interface{}) error {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return fmt.Errorf("cursor is not positioned on a document")
	}
	raw, err := bson.Marshal(c.docs[c.pos])
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, v)
}

func (c *cursor) Err() error { return c.err }

func (c *cursor) Close(ctx context.Context) error {
	c.docs = nil
	return nil
}

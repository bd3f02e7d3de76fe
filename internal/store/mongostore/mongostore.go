// Package mongostore implements the store contract on a MongoDB deployment.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/curate-ml/curate/internal/logging"
	"github.com/curate-ml/curate/internal/store"
)

const codeNamespaceNotFound = 26

// DefaultConnectTimeout bounds the initial ping
const DefaultConnectTimeout = 10 * time.Second

// Config holds connection settings
type Config struct {
	URI  string
	Name string

	// Transactions enables session transactions. Standalone servers do not
	// support them; with Transactions off, WithTransaction runs fn directly.
	Transactions bool

	ConnectTimeout time.Duration
	Logger         *logging.Logger
}

// Database is a store.Database backed by a mongo.Database
type Database struct {
	client       *mongo.Client
	db           *mongo.Database
	transactions bool
	logger       *logging.Logger
}

var _ store.Database = (*Database)(nil)

// Connect opens a client and verifies the deployment is reachable
func Connect(ctx context.Context, cfg Config) (*Database, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongostore: database URI is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("mongostore: database name is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("connected to database", nil, map[string]interface{}{
		"database":     cfg.Name,
		"transactions": cfg.Transactions,
	})

	return &Database{
		client:       client,
		db:           client.Database(cfg.Name),
		transactions: cfg.Transactions,
		logger:       logger,
	}, nil
}

// Mongo exposes the underlying handle for GridFS
func (d *Database) Mongo() *mongo.Database { return d.db }

// Name returns the database name
func (d *Database) Name() string { return d.db.Name() }

// Collection returns a handle to the named collection
func (d *Database) Collection(name string) store.Collection {
	return &Collection{coll: d.db.Collection(name), db: d}
}

// CreateCollection creates an empty collection
func (d *Database) CreateCollection(ctx context.Context, name string) error {
	return store.ConvertError(d.db.CreateCollection(ctx, name))
}

// ListCollectionNames lists the collections of the database
func (d *Database) ListCollectionNames(ctx context.Context) ([]string, error) {
	names, err := d.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, store.ConvertError(err)
	}
	return names, nil
}

// WithTransaction runs fn in a session transaction. The context passed to
// fn carries the session.
func (d *Database) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if !d.transactions {
		return fn(ctx)
	}

	session, err := d.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// Close disconnects the client
func (d *Database) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// Collection is a store.Collection backed by a mongo.Collection
type Collection struct {
	coll *mongo.Collection
	db   *Database
}

var _ store.Collection = (*Collection)(nil)

// Name returns the collection name
func (c *Collection) Name() string { return c.coll.Name() }

// Aggregate runs the pipeline as a single aggregate command
func (c *Collection) Aggregate(ctx context.Context, pipeline []bson.D) (store.Cursor, error) {
	cur, err := c.coll.Aggregate(ctx, mongo.Pipeline(pipeline), options.Aggregate().SetAllowDiskUse(true))
	if err != nil {
		return nil, store.ConvertError(err)
	}
	return cur, nil
}

// Find returns a cursor over matching documents
func (c *Collection) Find(ctx context.Context, filter interface{}) (store.Cursor, error) {
	cur, err := c.coll.Find(ctx, orEmpty(filter))
	if err != nil {
		return nil, store.ConvertError(err)
	}
	return cur, nil
}

// FindOne decodes the first matching document into result
func (c *Collection) FindOne(ctx context.Context, filter interface{}, result interface{}) error {
	return store.ConvertError(c.coll.FindOne(ctx, orEmpty(filter)).Decode(result))
}

// CountDocuments counts matching documents
func (c *Collection) CountDocuments(ctx context.Context, filter interface{}) (int64, error) {
	n, err := c.coll.CountDocuments(ctx, orEmpty(filter))
	return n, store.ConvertError(err)
}

// InsertOne inserts doc and returns its _id
func (c *Collection) InsertOne(ctx context.Context, doc interface{}) (interface{}, error) {
	res, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, store.ConvertError(err)
	}
	return res.InsertedID, nil
}

// InsertMany inserts docs in order
func (c *Collection) InsertMany(ctx context.Context, docs []interface{}) ([]interface{}, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	res, err := c.coll.InsertMany(ctx, docs)
	if err != nil {
		return nil, store.ConvertError(err)
	}
	return res.InsertedIDs, nil
}

// ReplaceOne replaces the first matching document
func (c *Collection) ReplaceOne(ctx context.Context, filter, replacement interface{}) error {
	res, err := c.coll.ReplaceOne(ctx, filter, replacement)
	if err != nil {
		return store.ConvertError(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateOne applies update to the first matching document
func (c *Collection) UpdateOne(ctx context.Context, filter, update interface{}) (int64, error) {
	res, err := c.coll.UpdateOne(ctx, orEmpty(filter), update)
	if err != nil {
		return 0, store.ConvertError(err)
	}
	return res.MatchedCount, nil
}

// UpdateMany applies update to every matching document
func (c *Collection) UpdateMany(ctx context.Context, filter, update interface{}) (int64, error) {
	res, err := c.coll.UpdateMany(ctx, orEmpty(filter), update)
	if err != nil {
		return 0, store.ConvertError(err)
	}
	return res.MatchedCount, nil
}

// DeleteOne deletes the first matching document
func (c *Collection) DeleteOne(ctx context.Context, filter interface{}) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, orEmpty(filter))
	if err != nil {
		return 0, store.ConvertError(err)
	}
	return res.DeletedCount, nil
}

// DeleteMany deletes every matching document
func (c *Collection) DeleteMany(ctx context.Context, filter interface{}) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, orEmpty(filter))
	if err != nil {
		return 0, store.ConvertError(err)
	}
	return res.DeletedCount, nil
}

// CreateIndex creates an index on keys
func (c *Collection) CreateIndex(ctx context.Context, keys bson.D, unique bool) error {
	model := mongo.IndexModel{Keys: keys}
	if unique {
		model.Options = options.Index().SetUnique(true)
	}
	_, err := c.coll.Indexes().CreateOne(ctx, model)
	return store.ConvertError(err)
}

// SetValidator installs validator with collMod, creating the collection
// when it does not exist yet
func (c *Collection) SetValidator(ctx context.Context, validator bson.M) error {
	cmd := bson.D{
		{Key: "collMod", Value: c.coll.Name()},
		{Key: "validator", Value: validator},
		{Key: "validationLevel", Value: "strict"},
	}
	err := c.db.db.RunCommand(ctx, cmd).Err()

	var ce mongo.CommandError
	if errors.As(err, &ce) && ce.Code == codeNamespaceNotFound {
		opts := options.CreateCollection().SetValidator(validator)
		err = c.db.db.CreateCollection(ctx, c.coll.Name(), opts)
	}
	if err != nil {
		return fmt.Errorf("failed to install validator on %s: %w", c.coll.Name(), store.ConvertError(err))
	}

	c.db.logger.Debug("installed collection validator", nil, map[string]interface{}{
		"collection": c.coll.Name(),
	})
	return nil
}

// Drop drops the collection
func (c *Collection) Drop(ctx context.Context) error {
	return store.ConvertError(c.coll.Drop(ctx))
}

func orEmpty(filter interface{}) interface{} {
	if filter == nil {
		return bson.D{}
	}
	return filter
}

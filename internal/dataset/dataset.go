// Package dataset manages persisted datasets: the definition document that
// records a dataset's schema and metadata, the sample collection holding
// its documents, and the views that query it.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/curate-ml/curate/internal/document"
	"github.com/curate-ml/curate/internal/hooks"
	"github.com/curate-ml/curate/internal/logging"
	"github.com/curate-ml/curate/internal/metrics"
	"github.com/curate-ml/curate/internal/schema"
	"github.com/curate-ml/curate/internal/store"
	"github.com/curate-ml/curate/internal/version"
)

const (
	// DefinitionsCollection holds one definition document per dataset
	DefinitionsCollection = "datasets"

	// RunsCollection holds run records referenced from definitions
	RunsCollection = "runs"

	samplesPrefix = "samples."
)

var (
	// ErrDatasetNotFound is returned when no dataset has the requested name
	ErrDatasetNotFound = errors.New("dataset not found")

	// ErrDatasetExists is returned when creating a dataset whose name is taken
	ErrDatasetExists = errors.New("dataset already exists")

	// ErrDatasetDeleted is returned by every operation on a deleted handle
	ErrDatasetDeleted = errors.New("dataset has been deleted")

	// ErrInvalidName is returned for empty or malformed dataset names
	ErrInvalidName = errors.New("invalid dataset name")
)

type options struct {
	logger  *logging.Logger
	metrics *metrics.Metrics
	hooks   *hooks.Executor
	retry   store.RetryConfig
	virtual bool
}

// Option configures Create and Load
type Option func(*options)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records store round trips into m
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHooks dispatches lifecycle events through e
func WithHooks(e *hooks.Executor) Option {
	return func(o *options) { o.hooks = e }
}

// WithRetry sets the retry policy of schema transactions
func WithRetry(cfg store.RetryConfig) Option {
	return func(o *options) { o.retry = cfg }
}

// Virtual loads the dataset without touching last_loaded_at
func Virtual() Option {
	return func(o *options) { o.virtual = true }
}

func newOptions(opts []Option) options {
	o := options{retry: store.DefaultRetryConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}
	if o.hooks == nil {
		o.hooks = hooks.NewExecutor(nil, o.logger)
	}
	return o
}

// Dataset is a handle over one persisted dataset. A handle is not safe for
// concurrent use; callers sharing one must serialize access.
type Dataset struct {
	db      store.Database
	opts    options
	logger  *logging.Logger
	def     *Definition
	ref     *document.SchemaRef
	samples store.Collection

	// committed is the schema as of the last commit or load
	committed *schema.Schema

	results map[string]interface{}
	deleted bool
}

func newDataset(db store.Database, def *Definition, ref *document.SchemaRef, committed *schema.Schema, o options) *Dataset {
	return &Dataset{
		db:        db,
		opts:      o,
		logger:    o.logger.With(map[string]interface{}{"dataset": def.Name}),
		def:       def,
		ref:       ref,
		samples:   db.Collection(def.SampleCollection),
		committed: committed,
		results:   make(map[string]interface{}),
	}
}

// ValidateName rejects names that cannot identify a dataset
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, "\x00$") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidName, name)
	}
	return nil
}

// Create creates a new, empty dataset named name
func Create(ctx context.Context, db store.Database, name string, opts ...Option) (*Dataset, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	o := newOptions(opts)

	defs := db.Collection(DefinitionsCollection)
	if err := defs.CreateIndex(ctx, bson.D{{Key: "name", Value: 1}}, true); err != nil {
		return nil, fmt.Errorf("creating definitions index: %w", err)
	}

	ref, err := document.RefForKind(schema.KindSample)
	if err != nil {
		return nil, err
	}

	now := schema.Now()
	id := primitive.NewObjectID()
	def := &Definition{
		ID:               id,
		Name:             name,
		Version:          version.Version,
		SampleCollection: samplesPrefix + id.Hex(),
		CreatedAt:        now,
		LastLoadedAt:     now,
		Fields:           fieldDefinitions(ref.Schema()),
		AnnotationRuns:   map[string]primitive.ObjectID{},
		BrainMethods:     map[string]primitive.ObjectID{},
		Evaluations:      map[string]primitive.ObjectID{},
		Runs:             map[string]primitive.ObjectID{},
	}

	err = store.WithRetry(ctx, db, o.retry, func(ctx context.Context) error {
		_, err := defs.InsertOne(ctx, def)
		return err
	})
	if err != nil {
		if store.IsDuplicateKey(err) {
			return nil, fmt.Errorf("%w: %q", ErrDatasetExists, name)
		}
		return nil, fmt.Errorf("creating dataset %q: %w", name, err)
	}

	if err := db.CreateCollection(ctx, def.SampleCollection); err != nil && !errors.Is(err, store.ErrNamespaceExists) {
		return nil, fmt.Errorf("creating sample collection: %w", err)
	}
	d := newDataset(db, def, ref, ref.Schema().Clone(), o)
	if err := d.samples.SetValidator(ctx, schema.StorageValidator(ref.Schema())); err != nil {
		return nil, fmt.Errorf("installing sample validator: %w", err)
	}
	if err := d.samples.CreateIndex(ctx, bson.D{{Key: "filepath", Value: 1}}, false); err != nil {
		return nil, fmt.Errorf("creating filepath index: %w", err)
	}

	d.logger.Info("created dataset", nil, map[string]interface{}{"collection": def.SampleCollection})
	return d, nil
}

// Load opens an existing dataset. Unless Virtual is given, last_loaded_at
// is updated.
func Load(ctx context.Context, db store.Database, name string, opts ...Option) (*Dataset, error) {
	o := newOptions(opts)

	def, err := readDefinition(ctx, db, bson.M{"name": name})
	if err != nil {
		return nil, err
	}
	committed, err := schemaFromDefinitions(def.Fields)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w", name, err)
	}
	ref := document.NewRef(schema.KindSample, committed.Clone(), true)
	d := newDataset(db, def, ref, committed, o)

	if !o.virtual {
		now := schema.Now()
		if _, err := d.definitions().UpdateOne(ctx, bson.M{"_id": def.ID}, bson.M{"$set": bson.M{"last_loaded_at": now}}); err != nil {
			return nil, fmt.Errorf("updating last_loaded_at: %w", err)
		}
		def.LastLoadedAt = now
	}
	return d, nil
}

// Exists reports whether a dataset named name exists
func Exists(ctx context.Context, db store.Database, name string) (bool, error) {
	n, err := db.Collection(DefinitionsCollection).CountDocuments(ctx, bson.M{"name": name})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns the names of all datasets in sorted order
func List(ctx context.Context, db store.Database) ([]string, error) {
	cur, err := db.Collection(DefinitionsCollection).Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var names []string
	for cur.Next(ctx) {
		var def Definition
		if err := cur.Decode(&def); err != nil {
			return nil, err
		}
		names = append(names, def.Name)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func readDefinition(ctx context.Context, db store.Database, filter bson.M) (*Definition, error) {
	var def Definition
	if err := db.Collection(DefinitionsCollection).FindOne(ctx, filter, &def); err != nil {
		if store.IsNotFound(err) {
			if name, ok := filter["name"].(string); ok {
				return nil, fmt.Errorf("%w: %q", ErrDatasetNotFound, name)
			}
			return nil, ErrDatasetNotFound
		}
		return nil, err
	}
	def.init()
	return &def, nil
}

// Reload re-reads the definition, discarding uncommitted schema changes
func (d *Dataset) Reload(ctx context.Context) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	def, err := readDefinition(ctx, d.db, bson.M{"_id": d.def.ID})
	if err != nil {
		return err
	}
	persisted, err := schemaFromDefinitions(def.Fields)
	if err != nil {
		return err
	}
	d.def = def
	d.syncSchema(persisted)
	d.committed = persisted
	return nil
}

// Delete fires the DatasetDeleted hooks, then drops the sample collection,
// the referenced run records and the definition. The handle is unusable
// afterwards.
func (d *Dataset) Delete(ctx context.Context) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	if err := d.opts.hooks.Execute(ctx, hooks.DatasetDeleted, hooks.Payload{Dataset: d.Name()}); err != nil {
		return err
	}

	var runIDs bson.A
	for _, refs := range d.def.runRefMaps() {
		for _, id := range refs {
			runIDs = append(runIDs, id)
		}
	}

	err := store.WithRetry(ctx, d.db, d.opts.retry, func(ctx context.Context) error {
		if len(runIDs) > 0 {
			if _, err := d.db.Collection(RunsCollection).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": runIDs}}); err != nil {
				return err
			}
		}
		_, err := d.definitions().DeleteOne(ctx, bson.M{"_id": d.def.ID})
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting dataset %q: %w", d.Name(), err)
	}
	if err := d.samples.Drop(ctx); err != nil {
		return fmt.Errorf("dropping sample collection: %w", err)
	}

	d.results = make(map[string]interface{})
	d.deleted = true
	d.logger.Info("deleted dataset", nil)
	return nil
}

// Delete removes the dataset named name
func Delete(ctx context.Context, db store.Database, name string, opts ...Option) error {
	d, err := Load(ctx, db, name, append(opts, Virtual())...)
	if err != nil {
		return err
	}
	return d.Delete(ctx)
}

func (d *Dataset) checkAlive() error {
	if d.deleted {
		return fmt.Errorf("%w: %q", ErrDatasetDeleted, d.def.Name)
	}
	return nil
}

func (d *Dataset) definitions() store.Collection {
	return d.db.Collection(DefinitionsCollection)
}

// Name returns the dataset name
func (d *Dataset) Name() string { return d.def.Name }

// ID returns the identity of the dataset definition
func (d *Dataset) ID() primitive.ObjectID { return d.def.ID }

// Definition returns a copy of the definition as of the last load or commit
func (d *Dataset) Definition() Definition { return d.def.clone() }

// Deleted reports whether the dataset was deleted through this handle
func (d *Dataset) Deleted() bool { return d.deleted }

// Database returns the backing database
func (d *Dataset) Database() store.Database { return d.db }

// SampleCollection returns the collection holding the samples
func (d *Dataset) SampleCollection() store.Collection { return d.samples }

// Logger returns the dataset's logger
func (d *Dataset) Logger() *logging.Logger { return d.logger }

// Metrics returns the metrics the dataset records into, possibly nil
func (d *Dataset) Metrics() *metrics.Metrics { return d.opts.metrics }

// Hooks returns the executor lifecycle events are dispatched through
func (d *Dataset) Hooks() *hooks.Executor { return d.opts.hooks }

// SchemaRef returns the shared schema handle every sample of this dataset
// resolves fields through
func (d *Dataset) SchemaRef() *document.SchemaRef { return d.ref }

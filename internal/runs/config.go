package runs

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/curate-ml/curate/internal/dataset"
)

// Config holds the parameters of a run. Implementations are plain structs
// with bson tags; the registry rebuilds them from the stored record by Cls.
type Config interface {
	// Kind returns the run family the config belongs to
	Kind() Kind

	// Method names the computation, e.g. "uniqueness"
	Method() string

	// Cls is the registry key of the concrete config type. It is fixed for
	// the lifetime of a run key.
	Cls() string
}

// BaseConfig stands in for configs whose Cls is no longer registered. The
// stored parameters are kept verbatim in Params.
type BaseConfig struct {
	RunKind Kind   `bson:"-"`
	Name    string `bson:"method"`
	Class   string `bson:"cls"`
	Params  bson.M `bson:",inline"`
}

func (c *BaseConfig) Kind() Kind     { return c.RunKind }
func (c *BaseConfig) Method() string { return c.Name }
func (c *BaseConfig) Cls() string    { return c.Class }

// Method carries the behavior attached to a config type
type Method interface {
	// Fields returns the sample fields the run populated under key
	Fields(key string) []string

	// ValidateRun rejects replacing existing with the method's config
	ValidateRun(existing Config) error

	// Cleanup removes whatever the run wrote to the dataset
	Cleanup(ctx context.Context, ds *dataset.Dataset, key string) error

	// Rename moves whatever the run wrote under oldKey to newKey
	Rename(ctx context.Context, ds *dataset.Dataset, oldKey, newKey string) error
}

// BaseMethod is a Method that does nothing. Embed it to implement only
// some hooks.
type BaseMethod struct{}

func (BaseMethod) Fields(string) []string { return nil }
func (BaseMethod) ValidateRun(Config) error { return nil }
func (BaseMethod) Cleanup(context.Context, *dataset.Dataset, string) error { return nil }
func (BaseMethod) Rename(context.Context, *dataset.Dataset, string, string) error { return nil }

// ResultsLoader decodes a stored results payload. view is the view the
// run was computed on, or the whole dataset when the view was not loaded.
type ResultsLoader func(data []byte, cfg Config, view dataset.View) (interface{}, error)

// Entry registers a config type
type Entry struct {
	Cls  string
	Kind Kind

	// NewConfig returns a pointer to a zero config to decode into
	NewConfig func() Config

	// NewMethod builds the method of a config. Nil means BaseMethod.
	NewMethod func(Config) Method

	// LoadResults decodes results. Nil decodes into bson.M.
	LoadResults ResultsLoader
}

// Registry maps config classes to their factories
type Registry struct {
	entries map[string]Entry
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// DefaultRegistry is used by managers created without one
var DefaultRegistry = NewRegistry()

// Register adds a config type to the default registry
func Register(e Entry) error {
	return DefaultRegistry.Register(e)
}

// Register adds a config type
func (r *Registry) Register(e Entry) error {
	if e.Cls == "" {
		return fmt.Errorf("run config entry has no class")
	}
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return fmt.Errorf("run config %s: %w", e.Cls, err)
	}
	if e.NewConfig == nil {
		return fmt.Errorf("run config %s has no constructor", e.Cls)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.Cls]; exists {
		return fmt.Errorf("run config %s is already registered", e.Cls)
	}
	r.entries[e.Cls] = e
	return nil
}

// Get retrieves the entry of a config class
func (r *Registry) Get(cls string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[cls]
	return e, ok
}

func (e Entry) method(cfg Config) Method {
	if e.NewMethod == nil {
		return BaseMethod{}
	}
	if m := e.NewMethod(cfg); m != nil {
		return m
	}
	return BaseMethod{}
}

// encodeConfig stores cfg with its class and method leading the document
func encodeConfig(cfg Config) (bson.Raw, error) {
	raw, err := bson.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s config: %w", cfg.Cls(), err)
	}
	var fields bson.D
	if err := bson.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	doc := bson.D{{Key: "cls", Value: cfg.Cls()}, {Key: "method", Value: cfg.Method()}}
	for _, e := range fields {
		if e.Key == "cls" || e.Key == "method" {
			continue
		}
		doc = append(doc, e)
	}
	return bson.Marshal(doc)
}

// configClass reads the class of a stored config without decoding it
func configClass(raw bson.Raw) string {
	v, err := raw.LookupErr("cls")
	if err != nil {
		return ""
	}
	s, _ := v.StringValueOK()
	return s
}

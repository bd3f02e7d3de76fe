// Package document implements schema-governed structured records. A
// Document holds a sparse set of populated fields and resolves every read
// and write through a shared SchemaRef, so that embedded documents reached
// from a sample answer path lookups against the sample's schema.
package document

import (
	"fmt"
	"sync"

	"github.com/curate-ml/curate/internal/schema"
)

// SchemaRef is the shared handle over the schema of a root document kind.
// Every document reachable from the root, however deeply embedded, points
// at the same SchemaRef and addresses it through its own path prefix.
type SchemaRef struct {
	kind    string
	schema  *schema.Schema
	dynamic bool
}

// NewRef wraps s as the schema handle of kind
func NewRef(kind string, s *schema.Schema, dynamic bool) *SchemaRef {
	if s == nil {
		s = schema.New()
	}
	return &SchemaRef{kind: kind, schema: s, dynamic: dynamic}
}

// RefForKind returns a fresh handle over the registered schema of kind
func RefForKind(kind string) (*SchemaRef, error) {
	s, err := KindSchema(kind)
	if err != nil {
		return nil, err
	}
	spec, ok := LookupKind(kind)
	return NewRef(kind, s, !ok || spec.Dynamic), nil
}

// Kind returns the root document kind
func (r *SchemaRef) Kind() string { return r.kind }

// Schema returns the shared schema. Callers mutating it affect every
// document bound to this handle.
func (r *SchemaRef) Schema() *schema.Schema { return r.schema }

// Dynamic reports whether root documents may declare fields on first write
func (r *SchemaRef) Dynamic() bool { return r.dynamic }

// Field resolves a full dotted path
func (r *SchemaRef) Field(path string) (*schema.Field, bool) {
	return r.schema.Get(path)
}

// KindSpec registers a document kind
type KindSpec struct {
	// Fields returns the kind's own fields, declared in addition to the
	// builtin fields of its class
	Fields func() []*schema.Field

	// Dynamic kinds accept undeclared fields and infer their type
	Dynamic bool

	// PostInit runs after a document of this kind is constructed
	PostInit func(*Document) error
}

var (
	kindsMu sync.RWMutex
	kinds   = make(map[string]KindSpec)
)

// RegisterKind registers or replaces a document kind
func RegisterKind(kind string, spec KindSpec) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[kind] = spec
}

// LookupKind returns the registration for kind
func LookupKind(kind string) (KindSpec, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	spec, ok := kinds[kind]
	return spec, ok
}

const maxKindDepth = 16

// KindSchema builds the full schema of kind, including the schemas of
// registered kinds embedded beneath it
func KindSchema(kind string) (*schema.Schema, error) {
	return kindSchema(kind, 0)
}

func kindSchema(kind string, depth int) (*schema.Schema, error) {
	if depth > maxKindDepth {
		return nil, fmt.Errorf("%w: kind %q embeds itself", schema.ErrConfiguration, kind)
	}

	fields := schema.BuiltinFields(kind)
	if spec, ok := LookupKind(kind); ok && spec.Fields != nil {
		fields = append(fields, spec.Fields()...)
	}
	s, err := schema.FromFields(fields...)
	if err != nil {
		return nil, fmt.Errorf("kind %s: %w", kind, err)
	}

	for _, p := range s.Paths() {
		f, _ := s.Get(p)
		embedded := embeddedKind(f.Type)
		if embedded == "" {
			continue
		}
		if _, ok := LookupKind(embedded); !ok {
			continue
		}
		sub, err := kindSchema(embedded, depth+1)
		if err != nil {
			return nil, err
		}
		schema.MergeSchemaAt(s, sub, p)
	}
	return s, nil
}

// embeddedKind returns the document kind held by t, if any
func embeddedKind(t *schema.TypeDef) string {
	switch {
	case t == nil:
		return ""
	case t.Kind == schema.KindDocument:
		return t.DocKind
	case t.Kind == schema.KindList && t.Elem != nil && t.Elem.Kind == schema.KindDocument:
		return t.Elem.DocKind
	}
	return ""
}

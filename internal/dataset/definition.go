package dataset

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/curate-ml/curate/internal/document"
	"github.com/curate-ml/curate/internal/schema"
)

// Definition is the persisted descriptor of one dataset
type Definition struct {
	ID               primitive.ObjectID `bson:"_id"`
	Name             string             `bson:"name"`
	Version          string             `bson:"version"`
	SampleCollection string             `bson:"sample_collection_name"`
	CreatedAt        time.Time          `bson:"created_at"`
	LastLoadedAt     time.Time          `bson:"last_loaded_at"`

	// Fields lists every schema path, parents before children
	Fields []FieldDefinition `bson:"sample_fields"`

	Info           bson.M                       `bson:"info,omitempty"`
	Classes        map[string][]string          `bson:"classes,omitempty"`
	DefaultClasses []string                     `bson:"default_classes,omitempty"`
	MaskTargets    map[string]map[string]string `bson:"mask_targets,omitempty"`
	Skeletons      map[string]Skeleton          `bson:"skeletons,omitempty"`

	AnnotationRuns map[string]primitive.ObjectID `bson:"annotation_runs"`
	BrainMethods   map[string]primitive.ObjectID `bson:"brain_methods"`
	Evaluations    map[string]primitive.ObjectID `bson:"evaluations"`
	Runs           map[string]primitive.ObjectID `bson:"runs"`
}

// FieldDefinition is one persisted schema path
type FieldDefinition struct {
	Path        string `bson:"path"`
	Type        bson.M `bson:"type"`
	Required    bool   `bson:"required,omitempty"`
	ReadOnly    bool   `bson:"read_only,omitempty"`
	Link        string `bson:"link,omitempty"`
	Description string `bson:"description,omitempty"`

	// DocumentBacked marks paths holding embedded documents, whose own
	// fields follow as child paths
	DocumentBacked bool `bson:"document_backed,omitempty"`
}

// Skeleton describes keypoint connectivity for a field
type Skeleton struct {
	Labels []string `bson:"labels,omitempty" json:"labels,omitempty"`
	Edges  [][]int  `bson:"edges" json:"edges"`
}

// init fills maps a decode left nil
func (def *Definition) init() {
	if def.AnnotationRuns == nil {
		def.AnnotationRuns = map[string]primitive.ObjectID{}
	}
	if def.BrainMethods == nil {
		def.BrainMethods = map[string]primitive.ObjectID{}
	}
	if def.Evaluations == nil {
		def.Evaluations = map[string]primitive.ObjectID{}
	}
	if def.Runs == nil {
		def.Runs = map[string]primitive.ObjectID{}
	}
}

// runRefMaps maps each run reference field name to its map
func (def *Definition) runRefMaps() map[string]map[string]primitive.ObjectID {
	return map[string]map[string]primitive.ObjectID{
		"annotation_runs": def.AnnotationRuns,
		"brain_methods":   def.BrainMethods,
		"evaluations":     def.Evaluations,
		"runs":            def.Runs,
	}
}

func (def *Definition) clone() Definition {
	c := *def
	c.Fields = append([]FieldDefinition(nil), def.Fields...)
	c.Info = copyInfo(def.Info)
	c.Classes = make(map[string][]string, len(def.Classes))
	for k, v := range def.Classes {
		c.Classes[k] = append([]string(nil), v...)
	}
	c.DefaultClasses = append([]string(nil), def.DefaultClasses...)
	c.MaskTargets = make(map[string]map[string]string, len(def.MaskTargets))
	for k, v := range def.MaskTargets {
		m := make(map[string]string, len(v))
		for kk, vv := range v {
			m[kk] = vv
		}
		c.MaskTargets[k] = m
	}
	c.Skeletons = make(map[string]Skeleton, len(def.Skeletons))
	for k, v := range def.Skeletons {
		c.Skeletons[k] = v
	}
	c.AnnotationRuns = copyRefs(def.AnnotationRuns)
	c.BrainMethods = copyRefs(def.BrainMethods)
	c.Evaluations = copyRefs(def.Evaluations)
	c.Runs = copyRefs(def.Runs)
	return c
}

func copyRefs(m map[string]primitive.ObjectID) map[string]primitive.ObjectID {
	out := make(map[string]primitive.ObjectID, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyInfo(m bson.M) bson.M {
	if m == nil {
		return nil
	}
	out := make(bson.M, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// fieldDefinitions flattens s into its persisted form
func fieldDefinitions(s *schema.Schema) []FieldDefinition {
	paths := s.Paths()
	defs := make([]FieldDefinition, 0, len(paths))
	for _, p := range paths {
		f, _ := s.Get(p)
		defs = append(defs, FieldDefinition{
			Path:           p,
			Type:           bson.M(f.Type.Describe()),
			Required:       f.Required,
			ReadOnly:       f.ReadOnly,
			Link:           f.Link,
			Description:    f.Description,
			DocumentBacked: f.Type.IsObject(),
		})
	}
	return defs
}

// schemaFromDefinitions rebuilds a sample schema from persisted paths.
// Builtin fields and the fields of registered embedded kinds come from
// their declarations so that defaults and validators survive a reload.
func schemaFromDefinitions(defs []FieldDefinition) (*schema.Schema, error) {
	s, err := document.KindSchema(schema.KindSample)
	if err != nil {
		return nil, err
	}

	for _, fd := range defs {
		t, err := schema.ParseTypeDescription(fd.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", fd.Path, err)
		}
		if existing, ok := s.Get(fd.Path); ok {
			if !existing.Type.Equal(t) {
				return nil, fmt.Errorf("%w: field %q is persisted as %s but declared as %s",
					schema.ErrSchemaConsistency, fd.Path, t, existing.Type)
			}
			continue
		}

		var opts []schema.FieldOption
		if fd.Required {
			opts = append(opts, schema.Required())
		}
		if fd.ReadOnly {
			opts = append(opts, schema.ReadOnly())
		}
		if fd.Link != "" {
			opts = append(opts, schema.Link(fd.Link))
		}
		if fd.Description != "" {
			opts = append(opts, schema.Description(fd.Description))
		}
		f, err := schema.Declare(schema.Leaf(fd.Path), t, opts...)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", fd.Path, err)
		}
		if err := addField(s, fd.Path, f); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// addField declares f at path and, when f holds a registered document
// kind, the kind's own fields beneath it
func addField(s *schema.Schema, path string, f *schema.Field) error {
	if err := s.Add(path, f); err != nil {
		return err
	}
	kind := embeddedKind(f.Type)
	if kind == "" {
		return nil
	}
	if _, ok := document.LookupKind(kind); !ok {
		return nil
	}
	sub, err := document.KindSchema(kind)
	if err != nil {
		return err
	}
	schema.MergeSchemaAt(s, sub, path)
	return nil
}

func embeddedKind(t *schema.TypeDef) string {
	switch {
	case t.Kind == schema.KindDocument:
		return t.DocKind
	case t.Kind == schema.KindList && t.Elem.Kind == schema.KindDocument:
		return t.Elem.DocKind
	}
	return ""
}

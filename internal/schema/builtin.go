package schema

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Builtin document kinds
const (
	KindSample         = "Sample"
	KindClassification = "Classification"
	KindDetection      = "Detection"
	KindDetections     = "Detections"
	KindMetadata       = "Metadata"
)

// sampleFields is the canonical ordered table of builtin sample fields
func sampleFields() []*Field {
	return []*Field{
		MustDeclare("_id", ObjectID(), Builtin(), ReadOnly()),
		MustDeclare("id", String(), Builtin(), ReadOnly(), Link("_id")),
		MustDeclare("filepath", String(), Builtin(), Required()),
		MustDeclare("tags", ListOf(String()), Builtin(), DefaultFactory(emptyList)),
		MustDeclare("metadata", DocumentOf(KindMetadata), Builtin()),
		MustDeclare("created_at", Datetime(), Builtin(), ReadOnly()),
		MustDeclare("last_modified_at", Datetime(), Builtin(), ReadOnly()),
	}
}

func labelFields() []*Field {
	return []*Field{
		MustDeclare("_id", ObjectID(), Builtin(), ReadOnly(), DefaultFactory(func() interface{} { return primitive.NewObjectID() })),
		MustDeclare("id", String(), Builtin(), ReadOnly(), Link("_id")),
		MustDeclare("tags", ListOf(String()), Builtin(), DefaultFactory(emptyList)),
	}
}

func emptyList() interface{} { return []interface{}{} }

// BuiltinFields returns fresh copies of the builtin fields of kind. Any kind
// other than Sample and Metadata is a label and gets the label table.
func BuiltinFields(kind string) []*Field {
	switch kind {
	case KindSample:
		return sampleFields()
	case KindMetadata:
		return nil
	}
	return labelFields()
}

// BuiltinFieldNames returns the builtin field names of kind in table order
func BuiltinFieldNames(kind string) []string {
	fields := BuiltinFields(kind)
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// IsBuiltinField reports whether the top-level name is builtin for kind
func IsBuiltinField(kind, name string) bool {
	for _, n := range BuiltinFieldNames(kind) {
		if n == name {
			return true
		}
	}
	return false
}

// Now returns the current time at store precision
func Now() time.Time {
	return NormalizeTime(time.Now())
}

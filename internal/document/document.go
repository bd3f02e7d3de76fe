package document

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/curate-ml/curate/internal/schema"
)

// IDField is the public identity alias of the stored "_id" field
const IDField = "id"

// Document is a sparse, schema-governed record
type Document struct {
	ref    *SchemaRef
	prefix string
	kind   string
	data   map[string]interface{}

	tracker *changeTracker
}

// New constructs a root document bound to ref from the supplied field values
func New(ref *SchemaRef, fields map[string]interface{}) (*Document, error) {
	return construct(ref, "", ref.kind, fields)
}

// NewOfKind constructs a standalone document of a registered kind. It gets
// a private schema handle until it is assigned into another document.
func NewOfKind(kind string, fields map[string]interface{}) (*Document, error) {
	ref, err := RefForKind(kind)
	if err != nil {
		return nil, err
	}
	return construct(ref, "", kind, fields)
}

func construct(ref *SchemaRef, prefix, kind string, fields map[string]interface{}) (*Document, error) {
	d := &Document{
		ref:    ref,
		prefix: prefix,
		kind:   kind,
		data:   make(map[string]interface{}),

		tracker: newChangeTracker(nil),
	}

	for _, name := range sortedKeys(fields) {
		if fields[name] == nil {
			continue
		}
		if err := d.set(name, fields[name], true); err != nil {
			return nil, err
		}
	}

	ve := schema.NewValidationErrors()
	for _, p := range ref.schema.Children(prefix) {
		f, _ := ref.schema.Get(p)
		name := schema.Leaf(p)
		if f.Link != "" {
			continue
		}
		if _, ok := d.data[name]; ok {
			continue
		}
		if dv, ok := f.DefaultValue(); ok {
			v, err := f.Check(dv)
			if err != nil {
				return nil, err
			}
			d.data[name] = v
			continue
		}
		if f.Required {
			ve.Add(name, "is required")
		}
	}
	if err := ve.ErrorOrNil(); err != nil {
		return nil, err
	}

	if spec, ok := LookupKind(kind); ok && spec.PostInit != nil {
		if err := spec.PostInit(d); err != nil {
			return nil, fmt.Errorf("%s post-init: %w", kind, err)
		}
	}

	for name := range d.data {
		d.tracker.touch(name)
	}
	return d, nil
}

// DocumentKind returns the document's kind
func (d *Document) DocumentKind() string { return d.kind }

// Ref returns the schema handle the document resolves fields through
func (d *Document) Ref() *SchemaRef { return d.ref }

// Prefix returns the document's path within its schema handle
func (d *Document) Prefix() string { return d.prefix }

func (d *Document) path(name string) string {
	return schema.Join(d.prefix, name)
}

// Field resolves name against the document's schema
func (d *Document) Field(name string) (*schema.Field, bool) {
	return d.ref.schema.Get(d.path(name))
}

// dynamic reports whether this document may declare fields on write
func (d *Document) dynamic() bool {
	if d.prefix == "" {
		return d.ref.dynamic
	}
	spec, ok := LookupKind(d.kind)
	return !ok || spec.Dynamic
}

// Has reports whether name is declared for this document
func (d *Document) Has(name string) bool {
	_, ok := d.Field(name)
	return ok
}

// FieldNames returns the declared field names in schema order
func (d *Document) FieldNames() []string {
	paths := d.ref.schema.Children(d.prefix)
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = schema.Leaf(p)
	}
	return names
}

// Get returns the value of name. A declared but unset field yields nil; an
// undeclared field is an error. Linked fields read through their target.
func (d *Document) Get(name string) (interface{}, error) {
	f, ok := d.Field(name)
	if !ok {
		return nil, schema.FieldNotFound(d.path(name))
	}
	if f.Link != "" {
		return d.Get(f.Link)
	}
	return d.data[name], nil
}

// MustGet is like Get but panics on undeclared fields
func (d *Document) MustGet(name string) interface{} {
	v, err := d.Get(name)
	if err != nil {
		panic(err)
	}
	return v
}

// Set assigns value to name. Setting nil clears the field. Dynamic documents
// declare unknown names from the value's inferred type.
func (d *Document) Set(name string, value interface{}) error {
	if value == nil {
		return d.Clear(name)
	}
	return d.set(name, value, false)
}

// SetInternal assigns a field bypassing the read-only check. It is meant
// for the dataset layer maintaining system fields such as created_at.
func (d *Document) SetInternal(name string, value interface{}) error {
	if value == nil {
		if _, ok := d.Field(name); !ok {
			return schema.FieldNotFound(d.path(name))
		}
		delete(d.data, name)
		d.tracker.touch(name)
		return nil
	}
	return d.set(name, value, true)
}

func (d *Document) set(name string, value interface{}, internal bool) error {
	f, ok := d.Field(name)
	if !ok {
		if !d.dynamic() {
			return schema.FieldNotFound(d.path(name))
		}
		var err error
		if f, err = d.declare(name, value); err != nil {
			return err
		}
	}

	if f.ReadOnly && !internal {
		return fmt.Errorf("%w: %q", schema.ErrReadOnly, d.path(name))
	}
	if f.Link != "" {
		return d.set(f.Link, value, internal)
	}

	v, err := f.Check(value)
	if err != nil {
		return err
	}
	if err := d.adopt(name, f, v); err != nil {
		return err
	}

	d.data[name] = v
	d.tracker.touch(name)
	return nil
}

func (d *Document) declare(name string, value interface{}) (*schema.Field, error) {
	t, err := schema.InferType(value)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", d.path(name), err)
	}
	f, err := schema.Declare(name, t)
	if err != nil {
		return nil, err
	}
	if err := d.ref.schema.Add(d.path(name), f); err != nil {
		return nil, err
	}
	return f, nil
}

// Clear unsets name
func (d *Document) Clear(name string) error {
	f, ok := d.Field(name)
	if !ok {
		return schema.FieldNotFound(d.path(name))
	}
	if f.ReadOnly {
		return fmt.Errorf("%w: %q", schema.ErrReadOnly, d.path(name))
	}
	if f.Link != "" {
		return d.Clear(f.Link)
	}
	delete(d.data, name)
	d.tracker.touch(name)
	return nil
}

// ID returns the hex identity of the document, or "" when it has none
func (d *Document) ID() string {
	if oid, ok := d.data["_id"].(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return ""
}

// ObjectID returns the stored identity
func (d *Document) ObjectID() (primitive.ObjectID, bool) {
	oid, ok := d.data["_id"].(primitive.ObjectID)
	return oid, ok
}

// adopt re-parents embedded documents held by v into this document's
// schema handle beneath name
func (d *Document) adopt(name string, f *schema.Field, v interface{}) error {
	children := embeddedDocs(v)
	if len(children) == 0 {
		return nil
	}
	if !f.Type.IsObject() {
		return fmt.Errorf("%w: field %q of type %s cannot hold documents", schema.ErrData, d.path(name), f.Type)
	}
	path := d.path(name)
	for _, child := range children {
		child.inherit(d.ref, path)
	}
	return nil
}

// inherit merges the child's schema into ref beneath path and rebinds the
// child and every document nested in it to ref
func (d *Document) inherit(ref *SchemaRef, path string) {
	if d.ref == ref && d.prefix == path {
		return
	}
	own := d.ref.schema
	if d.prefix != "" {
		own = own.Sub(d.prefix)
	}
	schema.MergeSchemaAt(ref.schema, own, path)
	d.rebind(ref, path)
}

func (d *Document) rebind(ref *SchemaRef, path string) {
	d.ref = ref
	d.prefix = path
	for name, v := range d.data {
		for _, child := range embeddedDocs(v) {
			child.rebind(ref, schema.Join(path, name))
		}
	}
}

func embeddedDocs(v interface{}) []*Document {
	switch val := v.(type) {
	case *Document:
		return []*Document{val}
	case []interface{}:
		var out []*Document
		for _, x := range val {
			if doc, ok := x.(*Document); ok {
				out = append(out, doc)
			}
		}
		return out
	}
	return nil
}

// Changed reports whether any field, including fields of embedded
// documents, changed since load or the last ResetChanges
func (d *Document) Changed() bool {
	return len(d.ChangedFields()) > 0
}

// ChangedFields returns the sorted names of changed top-level fields. A
// field holding an embedded document with changes counts as changed.
func (d *Document) ChangedFields() []string {
	changed := d.tracker.changes(d.data)
	for name, v := range d.data {
		if _, ok := changed[name]; ok {
			continue
		}
		for _, child := range embeddedDocs(v) {
			if child.Changed() {
				changed[name] = &FieldChange{Field: name, OldValue: v, NewValue: v}
				break
			}
		}
	}
	return sortedKeys(changed)
}

// Changes returns the recorded changes of this document's own fields
func (d *Document) Changes() map[string]*FieldChange {
	return d.tracker.changes(d.data)
}

// ResetChanges marks the current state as persisted
func (d *Document) ResetChanges() {
	d.tracker.reset(d.data)
	for _, v := range d.data {
		for _, child := range embeddedDocs(v) {
			child.ResetChanges()
		}
	}
}

// Copy returns a deep copy bound to the same schema handle. Root copies
// drop their identity so they can be inserted as new documents.
func (d *Document) Copy() *Document {
	c := &Document{
		ref:    d.ref,
		prefix: d.prefix,
		kind:   d.kind,
		data:   make(map[string]interface{}, len(d.data)),
	}
	for name, v := range d.data {
		c.data[name] = copyValue(v)
	}
	if d.prefix == "" {
		delete(c.data, "_id")
	}
	c.tracker = newChangeTracker(nil)
	for name := range c.data {
		c.tracker.touch(name)
	}
	return c
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case *Document:
		return val.Copy()
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, x := range val {
			out[i] = copyValue(x)
		}
		return out
	default:
		return deepCopyValue(v)
	}
}

// String returns a short description
func (d *Document) String() string {
	if id := d.ID(); id != "" {
		return fmt.Sprintf("<%s: %s>", d.kind, id)
	}
	return fmt.Sprintf("<%s>", d.kind)
}

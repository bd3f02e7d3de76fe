package schema

import (
	"fmt"
	"strings"
)

// Schema is an ordered mapping from dotted path to Field. Every path's
// ancestor must itself be declared with an object type (an embedded
// document or a list of embedded documents).
type Schema struct {
	paths  []string
	fields map[string]*Field
}

// New creates an empty schema
func New() *Schema {
	return &Schema{fields: make(map[string]*Field)}
}

// FromFields builds a top-level schema from a field list
func FromFields(fields ...*Field) (*Schema, error) {
	s := New()
	for _, f := range fields {
		if err := s.Add(f.Name, f); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Parent returns the parent path of p, or "" for a top-level path
func Parent(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[:i]
	}
	return ""
}

// Leaf returns the last segment of p
func Leaf(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Join joins a prefix and a relative path
func Join(prefix, p string) string {
	switch {
	case prefix == "":
		return p
	case p == "":
		return prefix
	}
	return prefix + "." + p
}

// IsDescendant reports whether p lies strictly beneath ancestor
func IsDescendant(p, ancestor string) bool {
	return ancestor != "" && strings.HasPrefix(p, ancestor+".")
}

// Len returns the number of declared paths
func (s *Schema) Len() int {
	return len(s.paths)
}

// Get returns the field at path
func (s *Schema) Get(path string) (*Field, bool) {
	f, ok := s.fields[path]
	return f, ok
}

// Has reports whether path is declared
func (s *Schema) Has(path string) bool {
	_, ok := s.fields[path]
	return ok
}

// Paths returns all declared paths in declaration order
func (s *Schema) Paths() []string {
	out := make([]string, len(s.paths))
	copy(out, s.paths)
	return out
}

// Add declares f at path
func (s *Schema) Add(path string, f *Field) error {
	if f == nil {
		return fmt.Errorf("%w: nil field for %q", ErrConfiguration, path)
	}
	for _, seg := range strings.Split(path, ".") {
		if err := ValidateFieldName(seg); err != nil {
			return err
		}
	}
	if s.Has(path) {
		return fmt.Errorf("%w: field %q already exists", ErrSchemaConsistency, path)
	}
	if err := s.checkAncestor(path); err != nil {
		return err
	}

	leaf := Leaf(path)
	if f.Name == "" {
		f.Name = leaf
	} else if f.Name != leaf {
		return fmt.Errorf("%w: field named %q cannot be declared at %q", ErrConfiguration, f.Name, path)
	}

	if f.Link != "" {
		if target, ok := s.fields[Join(Parent(path), f.Link)]; ok && target.Required != f.Required {
			return fmt.Errorf("%w: field %q must agree on required with its link target %q", ErrConfiguration, path, f.Link)
		}
	}

	s.insert(path, f)
	return nil
}

func (s *Schema) checkAncestor(path string) error {
	parent := Parent(path)
	if parent == "" {
		return nil
	}
	pf, ok := s.fields[parent]
	if !ok {
		return fmt.Errorf("cannot declare %q: %w", path, FieldNotFound(parent))
	}
	if !pf.Type.IsObject() {
		return fmt.Errorf("%w: cannot declare %q: %q has type %s, not an object", ErrData, path, parent, pf.Type)
	}
	return nil
}

func (s *Schema) insert(path string, f *Field) {
	if _, ok := s.fields[path]; !ok {
		s.paths = append(s.paths, path)
	}
	s.fields[path] = f
}

// Delete removes path and every path beneath it. It returns the removed
// paths in declaration order.
func (s *Schema) Delete(path string) ([]string, error) {
	if !s.Has(path) {
		return nil, FieldNotFound(path)
	}

	var removed []string
	kept := s.paths[:0]
	for _, p := range s.paths {
		if p == path || IsDescendant(p, path) {
			removed = append(removed, p)
			delete(s.fields, p)
			continue
		}
		kept = append(kept, p)
	}
	s.paths = kept
	return removed, nil
}

// Rename moves oldPath and its descendants to newPath, keeping their
// declaration positions
func (s *Schema) Rename(oldPath, newPath string) error {
	if oldPath == newPath {
		return nil
	}
	if !s.Has(oldPath) {
		return FieldNotFound(oldPath)
	}
	if s.Has(newPath) {
		return fmt.Errorf("%w: field %q already exists", ErrSchemaConsistency, newPath)
	}
	if IsDescendant(newPath, oldPath) {
		return fmt.Errorf("%w: cannot rename %q beneath itself", ErrSchemaConsistency, oldPath)
	}
	if err := ValidateFieldName(Leaf(newPath)); err != nil {
		return err
	}
	if err := s.checkAncestor(newPath); err != nil {
		return err
	}

	for i, p := range s.paths {
		var np string
		switch {
		case p == oldPath:
			np = newPath
		case IsDescendant(p, oldPath):
			np = newPath + strings.TrimPrefix(p, oldPath)
		default:
			continue
		}
		f := s.fields[p]
		delete(s.fields, p)
		if p == oldPath {
			f.Name = Leaf(newPath)
		}
		s.fields[np] = f
		s.paths[i] = np
	}
	return nil
}

// Children returns the full paths of the direct children of prefix. An
// empty prefix returns the top-level paths.
func (s *Schema) Children(prefix string) []string {
	var out []string
	for _, p := range s.paths {
		if Parent(p) == prefix {
			out = append(out, p)
		}
	}
	return out
}

// Sub returns a copy of the schema beneath prefix with paths made relative
func (s *Schema) Sub(prefix string) *Schema {
	out := New()
	for _, p := range s.paths {
		if IsDescendant(p, prefix) {
			out.insert(strings.TrimPrefix(p, prefix+"."), s.fields[p].Clone())
		}
	}
	return out
}

// Clone returns a deep copy
func (s *Schema) Clone() *Schema {
	out := New()
	for _, p := range s.paths {
		out.insert(p, s.fields[p].Clone())
	}
	return out
}

// Flat returns every path mapped to its field
func (s *Schema) Flat() map[string]*Field {
	out := make(map[string]*Field, len(s.paths))
	for _, p := range s.paths {
		out[p] = s.fields[p]
	}
	return out
}

// Nested returns only the top-level fields
func (s *Schema) Nested() map[string]*Field {
	out := make(map[string]*Field)
	for _, p := range s.Children("") {
		out[p] = s.fields[p]
	}
	return out
}

// Equal reports whether both schemas declare the same paths, in the same
// order, with structurally equal types
func (s *Schema) Equal(o *Schema) bool {
	if s.Len() != o.Len() {
		return false
	}
	for i, p := range s.paths {
		if o.paths[i] != p || !s.fields[p].Type.Equal(o.fields[p].Type) {
			return false
		}
	}
	return true
}

// MergeSchema copies every path of other missing from base into base and
// returns the added paths. A path present in both must carry structurally
// equal types; a disagreement is a programming error and panics with a
// *ConflictError.
func MergeSchema(base, other *Schema) []string {
	return MergeSchemaAt(base, other, "")
}

// MergeSchemaAt is MergeSchema with every path of other placed beneath prefix
func MergeSchemaAt(base, other *Schema, prefix string) []string {
	var added []string
	for _, p := range other.paths {
		incoming := other.fields[p]
		full := Join(prefix, p)
		if existing, ok := base.fields[full]; ok {
			if !existing.Type.Equal(incoming.Type) {
				panic(&ConflictError{Path: full, Existing: existing.Type, Incoming: incoming.Type})
			}
			continue
		}
		base.insert(full, incoming.Clone())
		added = append(added, full)
	}
	return added
}

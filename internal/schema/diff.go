package schema

import "sort"

// ChangeType represents the type of schema change
type ChangeType int

const (
	ChangeAddField ChangeType = iota
	ChangeDropField
	ChangeModifyField
)

// String returns the string representation of the change type
func (c ChangeType) String() string {
	switch c {
	case ChangeAddField:
		return "add_field"
	case ChangeDropField:
		return "drop_field"
	case ChangeModifyField:
		return "modify_field"
	default:
		return "unknown"
	}
}

// Change is one detected difference between two schemas
type Change struct {
	Type ChangeType
	Path string
	Old  *TypeDef
	New  *TypeDef
}

// Diff computes the changes needed to turn old into new. Additions are
// reported in new's declaration order, drops in sorted order.
func Diff(old, new *Schema) []Change {
	var changes []Change

	for _, p := range new.paths {
		nf := new.fields[p]
		of, ok := old.fields[p]
		switch {
		case !ok:
			changes = append(changes, Change{Type: ChangeAddField, Path: p, New: nf.Type})
		case !of.Type.Equal(nf.Type):
			changes = append(changes, Change{Type: ChangeModifyField, Path: p, Old: of.Type, New: nf.Type})
		}
	}

	var dropped []string
	for _, p := range old.paths {
		if !new.Has(p) {
			dropped = append(dropped, p)
		}
	}
	sort.Strings(dropped)
	for _, p := range dropped {
		changes = append(changes, Change{Type: ChangeDropField, Path: p, Old: old.fields[p].Type})
	}

	return changes
}

// Apply replays changes onto base. Added paths whose ancestors are missing
// from base are skipped and drops remove descendants. A modification
// replaces the base field only when base still holds the old type; any
// third type panics like MergeSchema.
func Apply(base *Schema, changes []Change, source *Schema) {
	for _, c := range changes {
		switch c.Type {
		case ChangeAddField:
			if existing, ok := base.fields[c.Path]; ok {
				if !existing.Type.Equal(c.New) {
					panic(&ConflictError{Path: c.Path, Existing: existing.Type, Incoming: c.New})
				}
				continue
			}
			if base.checkAncestor(c.Path) != nil {
				continue
			}
			f, ok := source.Get(c.Path)
			if !ok {
				continue
			}
			base.insert(c.Path, f.Clone())
		case ChangeDropField:
			_, _ = base.Delete(c.Path)
		case ChangeModifyField:
			existing, ok := base.fields[c.Path]
			if !ok || existing.Type.Equal(c.New) {
				continue
			}
			if !existing.Type.Equal(c.Old) {
				panic(&ConflictError{Path: c.Path, Existing: existing.Type, Incoming: c.New})
			}
			if f, ok := source.Get(c.Path); ok {
				_, _ = base.Delete(c.Path)
				base.insert(c.Path, f.Clone())
			}
		}
	}
}

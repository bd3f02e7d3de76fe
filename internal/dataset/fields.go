package dataset

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/curate-ml/curate/internal/hooks"
	"github.com/curate-ml/curate/internal/schema"
	"github.com/curate-ml/curate/internal/store"
)

// Commit merges the local schema changes into the persisted definition.
// The latest definition is re-read inside a transaction and the paths
// added or dropped since the last commit are replayed onto it, so that
// concurrent expansions by other processes are kept. The storage validator
// is re-derived from the merged schema afterwards.
func (d *Dataset) Commit(ctx context.Context) error {
	if err := d.checkAlive(); err != nil {
		return err
	}

	local := d.ref.Schema()
	changes := schema.Diff(d.committed, local)

	var merged *schema.Schema
	err := store.WithRetry(ctx, d.db, d.opts.retry, func(ctx context.Context) error {
		latest, err := readDefinition(ctx, d.db, bson.M{"_id": d.def.ID})
		if err != nil {
			return err
		}
		base, err := schemaFromDefinitions(latest.Fields)
		if err != nil {
			return err
		}
		schema.Apply(base, changes, local)

		_, err = d.definitions().UpdateOne(ctx, bson.M{"_id": d.def.ID}, bson.M{
			"$set": bson.M{"sample_fields": fieldDefinitions(base)},
		})
		if err != nil {
			return err
		}
		merged = base
		return nil
	})
	if err != nil {
		return fmt.Errorf("committing dataset %q: %w", d.Name(), err)
	}

	if err := d.samples.SetValidator(ctx, schema.StorageValidator(merged)); err != nil {
		return fmt.Errorf("installing sample validator: %w", err)
	}

	d.syncSchema(merged)
	d.committed = merged.Clone()
	d.def.Fields = fieldDefinitions(merged)

	if len(changes) > 0 {
		d.logger.Debug("committed schema", nil, map[string]interface{}{"changes": len(changes)})
	}
	return nil
}

// syncSchema makes the shared local schema agree with persisted: paths
// other processes added are merged in and paths they removed are dropped
func (d *Dataset) syncSchema(persisted *schema.Schema) {
	local := d.ref.Schema()
	schema.MergeSchema(local, persisted)
	for _, p := range local.Paths() {
		if local.Has(p) && !persisted.Has(p) {
			_, _ = local.Delete(p)
		}
	}
}

// Expanded reports whether the local schema declares paths that are not
// yet committed
func (d *Dataset) Expanded() bool {
	for _, p := range d.ref.Schema().Paths() {
		if !d.committed.Has(p) {
			return true
		}
	}
	return false
}

// GetFieldSchema returns the sample fields. flat returns every dotted path;
// otherwise only top-level fields are returned.
func (d *Dataset) GetFieldSchema(flat bool) map[string]*schema.Field {
	if flat {
		return d.ref.Schema().Flat()
	}
	return d.ref.Schema().Nested()
}

// FieldPaths returns every declared path in declaration order
func (d *Dataset) FieldPaths() []string {
	return d.ref.Schema().Paths()
}

// AddSampleField declares a new sample field and commits it. Fields holding
// registered document kinds get the kind's fields declared beneath them.
func (d *Dataset) AddSampleField(ctx context.Context, path string, t *schema.TypeDef, opts ...schema.FieldOption) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	f, err := schema.Declare(schema.Leaf(path), t, opts...)
	if err != nil {
		return err
	}
	if f.Required {
		n, err := d.samples.CountDocuments(ctx, bson.M{})
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: cannot add required field %q to a dataset with samples", schema.ErrSchemaConsistency, path)
		}
	}
	if err := addField(d.ref.Schema(), path, f); err != nil {
		return err
	}
	return d.Commit(ctx)
}

// DeleteSampleField deletes one sample field from the schema and from
// every sample
func (d *Dataset) DeleteSampleField(ctx context.Context, path string) error {
	return d.DeleteSampleFields(ctx, path)
}

// DeleteSampleFields deletes sample fields and their descendants. Builtin
// fields cannot be deleted. The deletion is irreversible.
func (d *Dataset) DeleteSampleFields(ctx context.Context, paths ...string) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	local := d.ref.Schema()
	for _, p := range paths {
		f, ok := local.Get(p)
		if !ok {
			return fmt.Errorf("cannot delete field: %w", schema.FieldNotFound(p))
		}
		if f.Builtin {
			return fmt.Errorf("%w: cannot delete builtin field %q", schema.ErrSchemaConsistency, p)
		}
	}

	for _, p := range paths {
		_, err := d.samples.UpdateMany(ctx,
			bson.M{p: bson.M{"$exists": true}},
			bson.M{"$unset": bson.M{storagePath(local, p): ""}},
		)
		if err != nil {
			return fmt.Errorf("unsetting %q: %w", p, err)
		}
	}
	for _, p := range paths {
		if local.Has(p) {
			_, _ = local.Delete(p)
		}
	}
	if err := d.dropFieldMetadata(ctx, paths); err != nil {
		return err
	}
	if err := d.Commit(ctx); err != nil {
		return err
	}

	return d.opts.hooks.Execute(ctx, hooks.FieldDeleted, hooks.Payload{Dataset: d.Name(), Paths: paths})
}

// RenameSampleField renames a sample field in the schema and in every
// sample, then fires the FieldRenamed hooks. Fields nested inside lists of
// documents cannot be renamed.
func (d *Dataset) RenameSampleField(ctx context.Context, oldPath, newPath string) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	local := d.ref.Schema()
	f, ok := local.Get(oldPath)
	if !ok {
		return fmt.Errorf("cannot rename field: %w", schema.FieldNotFound(oldPath))
	}
	if f.Builtin {
		return fmt.Errorf("%w: cannot rename builtin field %q", schema.ErrSchemaConsistency, oldPath)
	}
	if local.Has(newPath) {
		return fmt.Errorf("%w: field name %q is already in use", schema.ErrSchemaConsistency, newPath)
	}
	if err := noListAncestor(local, oldPath); err != nil {
		return err
	}
	if err := noListAncestor(local, newPath); err != nil {
		return err
	}

	// validate on a copy before touching samples
	if err := local.Clone().Rename(oldPath, newPath); err != nil {
		return err
	}

	_, err := d.samples.UpdateMany(ctx,
		bson.M{oldPath: bson.M{"$exists": true}},
		bson.M{"$rename": bson.M{oldPath: newPath}},
	)
	if err != nil {
		return fmt.Errorf("renaming %q: %w", oldPath, err)
	}
	if err := local.Rename(oldPath, newPath); err != nil {
		return err
	}
	if err := d.renameFieldMetadata(ctx, oldPath, newPath); err != nil {
		return err
	}
	if err := d.Commit(ctx); err != nil {
		return err
	}

	return d.opts.hooks.Execute(ctx, hooks.FieldRenamed, hooks.Payload{
		Dataset: d.Name(),
		Paths:   []string{oldPath},
		NewPath: newPath,
	})
}

// noListAncestor rejects paths beneath a list of documents
func noListAncestor(s *schema.Schema, path string) error {
	for p := schema.Parent(path); p != ""; p = schema.Parent(p) {
		if f, ok := s.Get(p); ok && f.Type.Kind == schema.KindList {
			return fmt.Errorf("%w: %q lies inside the list field %q", schema.ErrData, path, p)
		}
	}
	return nil
}

// storagePath addresses path in an update, stepping through every element
// of the lists of documents it crosses
func storagePath(s *schema.Schema, path string) string {
	segs := strings.Split(path, ".")
	out := make([]string, 0, len(segs)*2)
	for i, seg := range segs {
		out = append(out, seg)
		if i == len(segs)-1 {
			break
		}
		if f, ok := s.Get(strings.Join(segs[:i+1], ".")); ok && f.Type.Kind == schema.KindList {
			out = append(out, "$[]")
		}
	}
	return strings.Join(out, ".")
}

package dataset

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/curate-ml/curate/internal/document"
	"github.com/curate-ml/curate/internal/schema"
	"github.com/curate-ml/curate/internal/store"
)

// NewSample constructs a sample bound to the dataset's schema. Unknown
// fields are declared on the dataset schema and committed on the next
// write.
func (d *Dataset) NewSample(fields map[string]interface{}) (*document.Document, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	return document.New(d.ref, fields)
}

// AddSample inserts one sample and returns its id
func (d *Dataset) AddSample(ctx context.Context, sample *document.Document) (string, error) {
	ids, err := d.AddSamples(ctx, []*document.Document{sample})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AddSamples inserts samples in one write and returns their ids. Samples
// built against another schema handle have their fields declared on this
// dataset; samples that already belong to a dataset are inserted as
// copies.
func (d *Dataset) AddSamples(ctx context.Context, samples []*document.Document) ([]string, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}

	now := schema.Now()
	targets := make([]*document.Document, len(samples))
	raws := make([]interface{}, len(samples))
	for i, s := range samples {
		if s.DocumentKind() != schema.KindSample {
			return nil, fmt.Errorf("%w: cannot add a %s as a sample", schema.ErrData, s.DocumentKind())
		}
		target := s
		if _, inDB := s.ObjectID(); inDB {
			target = s.Copy()
		}
		if err := target.SetInternal("created_at", now); err != nil {
			return nil, err
		}
		if err := target.SetInternal("last_modified_at", now); err != nil {
			return nil, err
		}
		if target.Ref() != d.ref {
			// declares the sample's own fields on this dataset's schema
			if _, err := document.FromSerialized(d.ref, target.ToSerializable(false)); err != nil {
				return nil, err
			}
		}
		targets[i] = target
		raws[i] = target.ToSerializable(false)
	}

	if d.Expanded() {
		if err := d.Commit(ctx); err != nil {
			return nil, err
		}
	}

	inserted, err := d.samples.InsertMany(ctx, raws)
	if err != nil {
		return nil, fmt.Errorf("adding samples: %w", err)
	}

	ids := make([]string, len(inserted))
	for i, id := range inserted {
		oid, ok := id.(primitive.ObjectID)
		if !ok {
			return nil, fmt.Errorf("unexpected inserted id type %T", id)
		}
		if err := targets[i].SetInternal("_id", oid); err != nil {
			return nil, err
		}
		targets[i].ResetChanges()
		ids[i] = oid.Hex()
	}
	return ids, nil
}

// Save writes a changed sample back to the store
func (d *Dataset) Save(ctx context.Context, sample *document.Document) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	oid, ok := sample.ObjectID()
	if !ok {
		return fmt.Errorf("%w: sample has not been added to a dataset", schema.ErrData)
	}
	if !sample.Changed() {
		return nil
	}
	if d.Expanded() {
		if err := d.Commit(ctx); err != nil {
			return err
		}
	}
	if err := sample.SetInternal("last_modified_at", schema.Now()); err != nil {
		return err
	}
	if err := d.samples.ReplaceOne(ctx, bson.M{"_id": oid}, sample.ToSerializable(false)); err != nil {
		return fmt.Errorf("saving sample %s: %w", oid.Hex(), err)
	}
	sample.ResetChanges()
	return nil
}

// GetSample loads the sample with the given hex id
func (d *Dataset) GetSample(ctx context.Context, id string) (*document.Document, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid sample id %q", schema.ErrData, id)
	}
	var raw bson.D
	if err := d.samples.FindOne(ctx, bson.M{"_id": oid}, &raw); err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("sample %s: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	return document.FromSerialized(d.ref, raw)
}

// DeleteSamples deletes samples by hex id and returns how many were removed
func (d *Dataset) DeleteSamples(ctx context.Context, ids ...string) (int64, error) {
	if err := d.checkAlive(); err != nil {
		return 0, err
	}
	oids := make(bson.A, len(ids))
	for i, id := range ids {
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid sample id %q", schema.ErrData, id)
		}
		oids[i] = oid
	}
	return d.samples.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": oids}})
}

// Count returns the number of samples in the dataset
func (d *Dataset) Count(ctx context.Context) (int64, error) {
	return d.View().Count(ctx)
}

package dataset

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/curate-ml/curate/internal/schema"
)

// Info returns a copy of the dataset's free-form info
func (d *Dataset) Info() bson.M {
	return copyInfo(d.def.Info)
}

// SetInfo replaces the dataset's info
func (d *Dataset) SetInfo(ctx context.Context, info bson.M) error {
	if err := d.setDefinition(ctx, "info", info); err != nil {
		return err
	}
	d.def.Info = copyInfo(info)
	return nil
}

// Classes returns the class lists keyed by field
func (d *Dataset) Classes() map[string][]string {
	out := make(map[string][]string, len(d.def.Classes))
	for k, v := range d.def.Classes {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// SetClasses sets the class list of a label field
func (d *Dataset) SetClasses(ctx context.Context, field string, classes []string) error {
	if err := d.checkField(field); err != nil {
		return err
	}
	if err := d.setDefinition(ctx, "classes."+field, classes); err != nil {
		return err
	}
	if d.def.Classes == nil {
		d.def.Classes = make(map[string][]string)
	}
	d.def.Classes[field] = append([]string(nil), classes...)
	return nil
}

// DefaultClasses returns the classes of fields with no list of their own
func (d *Dataset) DefaultClasses() []string {
	return append([]string(nil), d.def.DefaultClasses...)
}

// SetDefaultClasses sets the default class list
func (d *Dataset) SetDefaultClasses(ctx context.Context, classes []string) error {
	if err := d.setDefinition(ctx, "default_classes", classes); err != nil {
		return err
	}
	d.def.DefaultClasses = append([]string(nil), classes...)
	return nil
}

// MaskTargets returns the segmentation mask targets keyed by field
func (d *Dataset) MaskTargets() map[string]map[int]string {
	out := make(map[string]map[int]string, len(d.def.MaskTargets))
	for field, targets := range d.def.MaskTargets {
		m := make(map[int]string, len(targets))
		for k, v := range targets {
			i, err := strconv.Atoi(k)
			if err != nil {
				d.logger.Warn("skipping malformed mask target", err, map[string]interface{}{"field": field, "value": k})
				continue
			}
			m[i] = v
		}
		out[field] = m
	}
	return out
}

// SetMaskTargets sets the mask targets of a field. Pixel values must be
// non-negative.
func (d *Dataset) SetMaskTargets(ctx context.Context, field string, targets map[int]string) error {
	if err := d.checkField(field); err != nil {
		return err
	}
	stored := make(map[string]string, len(targets))
	for k, v := range targets {
		if k < 0 {
			return fmt.Errorf("%w: mask target %d of %q is negative", schema.ErrData, k, field)
		}
		stored[strconv.Itoa(k)] = v
	}
	if err := d.setDefinition(ctx, "mask_targets."+field, stored); err != nil {
		return err
	}
	if d.def.MaskTargets == nil {
		d.def.MaskTargets = make(map[string]map[string]string)
	}
	d.def.MaskTargets[field] = stored
	return nil
}

// Skeletons returns the keypoint skeletons keyed by field
func (d *Dataset) Skeletons() map[string]Skeleton {
	out := make(map[string]Skeleton, len(d.def.Skeletons))
	for k, v := range d.def.Skeletons {
		out[k] = v
	}
	return out
}

// SetSkeleton sets the skeleton of a field. Edges must index into Labels
// when labels are given.
func (d *Dataset) SetSkeleton(ctx context.Context, field string, sk Skeleton) error {
	if err := d.checkField(field); err != nil {
		return err
	}
	for _, edge := range sk.Edges {
		for _, node := range edge {
			if node < 0 || (len(sk.Labels) > 0 && node >= len(sk.Labels)) {
				return fmt.Errorf("%w: skeleton edge node %d of %q is out of range", schema.ErrData, node, field)
			}
		}
	}
	if err := d.setDefinition(ctx, "skeletons."+field, sk); err != nil {
		return err
	}
	if d.def.Skeletons == nil {
		d.def.Skeletons = make(map[string]Skeleton)
	}
	d.def.Skeletons[field] = sk
	return nil
}

func (d *Dataset) checkField(field string) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	if strings.Contains(field, ".") {
		return fmt.Errorf("%w: metadata is keyed by top-level fields, got %q", schema.ErrData, field)
	}
	if !d.ref.Schema().Has(field) {
		return schema.FieldNotFound(field)
	}
	return nil
}

func (d *Dataset) setDefinition(ctx context.Context, key string, value interface{}) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	_, err := d.definitions().UpdateOne(ctx, bson.M{"_id": d.def.ID}, bson.M{"$set": bson.M{key: value}})
	if err != nil {
		return fmt.Errorf("updating %s: %w", key, err)
	}
	return nil
}

func (d *Dataset) unsetDefinition(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	unset := bson.M{}
	for _, k := range keys {
		unset[k] = ""
	}
	_, err := d.definitions().UpdateOne(ctx, bson.M{"_id": d.def.ID}, bson.M{"$unset": unset})
	return err
}

// dropFieldMetadata forgets classes, mask targets and skeletons of deleted
// fields
func (d *Dataset) dropFieldMetadata(ctx context.Context, paths []string) error {
	var keys []string
	for _, p := range paths {
		if _, ok := d.def.Classes[p]; ok {
			keys = append(keys, "classes."+p)
			delete(d.def.Classes, p)
		}
		if _, ok := d.def.MaskTargets[p]; ok {
			keys = append(keys, "mask_targets."+p)
			delete(d.def.MaskTargets, p)
		}
		if _, ok := d.def.Skeletons[p]; ok {
			keys = append(keys, "skeletons."+p)
			delete(d.def.Skeletons, p)
		}
	}
	return d.unsetDefinition(ctx, keys...)
}

// renameFieldMetadata moves field-keyed metadata to the new field name
func (d *Dataset) renameFieldMetadata(ctx context.Context, oldPath, newPath string) error {
	set := bson.M{}
	var unset []string
	if v, ok := d.def.Classes[oldPath]; ok {
		set["classes."+newPath] = v
		unset = append(unset, "classes."+oldPath)
		d.def.Classes[newPath] = v
		delete(d.def.Classes, oldPath)
	}
	if v, ok := d.def.MaskTargets[oldPath]; ok {
		set["mask_targets."+newPath] = v
		unset = append(unset, "mask_targets."+oldPath)
		d.def.MaskTargets[newPath] = v
		delete(d.def.MaskTargets, oldPath)
	}
	if v, ok := d.def.Skeletons[oldPath]; ok {
		set["skeletons."+newPath] = v
		unset = append(unset, "skeletons."+oldPath)
		d.def.Skeletons[newPath] = v
		delete(d.def.Skeletons, oldPath)
	}
	if len(set) == 0 {
		return nil
	}
	if err := d.unsetDefinition(ctx, unset...); err != nil {
		return err
	}
	_, err := d.definitions().UpdateOne(ctx, bson.M{"_id": d.def.ID}, bson.M{"$set": set})
	return err
}

// RunRefs returns the run references stored under the definition field
// refField (annotation_runs, brain_methods, evaluations or runs)
func (d *Dataset) RunRefs(refField string) (map[string]primitive.ObjectID, error) {
	refs, ok := d.def.runRefMaps()[refField]
	if !ok {
		return nil, fmt.Errorf("unknown run reference field %q", refField)
	}
	return copyRefs(refs), nil
}

// RunKeys returns the sorted keys referenced under refField
func (d *Dataset) RunKeys(refField string) ([]string, error) {
	refs, err := d.RunRefs(refField)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(refs))
	for k := range refs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// SetRunRef points key under refField at the run record id
func (d *Dataset) SetRunRef(ctx context.Context, refField, key string, id primitive.ObjectID) error {
	refs, ok := d.def.runRefMaps()[refField]
	if !ok {
		return fmt.Errorf("unknown run reference field %q", refField)
	}
	if err := d.setDefinition(ctx, refField+"."+key, id); err != nil {
		return err
	}
	refs[key] = id
	return nil
}

// DeleteRunRef removes key from refField
func (d *Dataset) DeleteRunRef(ctx context.Context, refField, key string) error {
	refs, ok := d.def.runRefMaps()[refField]
	if !ok {
		return fmt.Errorf("unknown run reference field %q", refField)
	}
	if err := d.checkAlive(); err != nil {
		return err
	}
	if err := d.unsetDefinition(ctx, refField+"."+key); err != nil {
		return err
	}
	delete(refs, key)
	return nil
}

// RenameRunRef moves the reference under oldKey to newKey
func (d *Dataset) RenameRunRef(ctx context.Context, refField, oldKey, newKey string) error {
	refs, ok := d.def.runRefMaps()[refField]
	if !ok {
		return fmt.Errorf("unknown run reference field %q", refField)
	}
	id, ok := refs[oldKey]
	if !ok {
		return fmt.Errorf("no run %q under %s", oldKey, refField)
	}
	if err := d.SetRunRef(ctx, refField, newKey, id); err != nil {
		return err
	}
	return d.DeleteRunRef(ctx, refField, oldKey)
}

// CachedResults returns run results cached on this handle
func (d *Dataset) CachedResults(key string) (interface{}, bool) {
	v, ok := d.results[key]
	return v, ok
}

// CacheResults caches run results on this handle. The cache lives as long
// as the handle and is never evicted.
func (d *Dataset) CacheResults(key string, results interface{}) {
	d.results[key] = results
}

// UncacheResults drops cached run results
func (d *Dataset) UncacheResults(key string) {
	delete(d.results, key)
}

// RenameCachedResults moves cached run results to a new key
func (d *Dataset) RenameCachedResults(oldKey, newKey string) {
	if v, ok := d.results[oldKey]; ok {
		d.results[newKey] = v
		delete(d.results, oldKey)
	}
}

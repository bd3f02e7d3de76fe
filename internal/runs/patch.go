package runs

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/curate-ml/curate/internal/blob"
	"github.com/curate-ml/curate/internal/dataset"
	"github.com/curate-ml/curate/internal/hooks"
	"github.com/curate-ml/curate/internal/logging"
	"github.com/curate-ml/curate/internal/store"
)

// RegisterHooks keeps run records consistent with dataset changes:
//   - field renames rewrite the stored view stages and config field
//     references of every run of the dataset
//   - field deletions warn about runs that still reference the fields
//   - dataset deletion removes the results blobs of its runs
func RegisterHooks(exec *hooks.Executor, db store.Database, blobs blob.Store, logger *logging.Logger) {
	if logger == nil {
		logger = logging.Nop()
	}
	exec.Register(hooks.FieldRenamed, &hooks.Hook{
		Name: "runs.patch_renamed_field",
		Fn: func(ctx context.Context, p hooks.Payload) error {
			for _, old := range p.Paths {
				if err := patchRenamedField(ctx, db, p.Dataset, old, p.NewPath); err != nil {
					return err
				}
			}
			return nil
		},
	})
	exec.Register(hooks.FieldDeleted, &hooks.Hook{
		Name:       "runs.warn_deleted_field",
		BestEffort: true,
		Fn: func(ctx context.Context, p hooks.Payload) error {
			return warnDeletedFields(ctx, db, p.Dataset, p.Paths, logger)
		},
	})
	if blobs != nil {
		exec.Register(hooks.DatasetDeleted, &hooks.Hook{
			Name:       "runs.delete_results",
			BestEffort: true,
			Fn: func(ctx context.Context, p hooks.Payload) error {
				keys, err := resultsKeys(ctx, db, p.Dataset)
				if err != nil {
					return err
				}
				for _, k := range keys {
					if err := blobs.Delete(ctx, k); err != nil {
						return fmt.Errorf("deleting results %s: %w", k, err)
					}
				}
				return nil
			},
		})
	}
}

func forEachRun(ctx context.Context, db store.Database, datasetName string, fn func(info *RunInfo) error) error {
	cur, err := db.Collection(dataset.RunsCollection).Find(ctx, bson.M{"dataset": datasetName})
	if err != nil {
		return err
	}
	var infos []*RunInfo
	for cur.Next(ctx) {
		info := &RunInfo{}
		if err := cur.Decode(info); err != nil {
			cur.Close(ctx)
			return err
		}
		infos = append(infos, info)
	}
	if err := cur.Err(); err != nil {
		cur.Close(ctx)
		return err
	}
	cur.Close(ctx)

	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

func patchRenamedField(ctx context.Context, db store.Database, datasetName, oldPath, newPath string) error {
	return forEachRun(ctx, db, datasetName, func(info *RunInfo) error {
		stages, stagesChanged := renameInStages(info.ViewStages, oldPath, newPath)

		var cfg bson.D
		if err := bson.Unmarshal(info.RawConfig, &cfg); err != nil {
			return fmt.Errorf("decoding config of run %q: %w", info.Key, err)
		}
		cfg, cfgChanged := renameInConfig(cfg, oldPath, newPath)

		if !stagesChanged && !cfgChanged {
			return nil
		}
		set := bson.M{}
		if stagesChanged {
			set["view_stages"] = stages
		}
		if cfgChanged {
			set["config"] = cfg
		}
		_, err := db.Collection(dataset.RunsCollection).UpdateOne(ctx, bson.M{"_id": info.ID}, bson.M{"$set": set})
		if err != nil {
			return fmt.Errorf("patching run %q: %w", info.Key, err)
		}
		return nil
	})
}

func warnDeletedFields(ctx context.Context, db store.Database, datasetName string, paths []string, logger *logging.Logger) error {
	return forEachRun(ctx, db, datasetName, func(info *RunInfo) error {
		var cfg bson.D
		if err := bson.Unmarshal(info.RawConfig, &cfg); err != nil {
			return err
		}
		for _, p := range paths {
			if referencesField(cfg, p) {
				logger.Warn("run references a deleted field", nil, map[string]interface{}{
					"dataset": datasetName,
					"kind":    string(info.Kind),
					"key":     info.Key,
					"field":   p,
				})
			}
		}
		return nil
	})
}

// renamePath maps p from beneath oldPath to beneath newPath
func renamePath(p, oldPath, newPath string) (string, bool) {
	if p == oldPath {
		return newPath, true
	}
	if strings.HasPrefix(p, oldPath+".") {
		return newPath + p[len(oldPath):], true
	}
	return p, false
}

// renameInStages rewrites field paths in stored stage documents
func renameInStages(stages []bson.D, oldPath, newPath string) ([]bson.D, bool) {
	out := make([]bson.D, len(stages))
	changed := false
	for i, stage := range stages {
		out[i] = make(bson.D, len(stage))
		for j, e := range stage {
			v := e.Value
			var c bool
			switch e.Key {
			case "$match":
				v, c = renameInPredicate(v, oldPath, newPath)
			case "$sort", "$project":
				v, c = renameKeys(v, oldPath, newPath)
			}
			changed = changed || c
			out[i][j] = bson.E{Key: e.Key, Value: v}
		}
	}
	return out, changed
}

func renameKeys(v interface{}, oldPath, newPath string) (interface{}, bool) {
	doc, ok := v.(bson.D)
	if !ok {
		return v, false
	}
	out := make(bson.D, len(doc))
	changed := false
	for i, e := range doc {
		key, c := renamePath(e.Key, oldPath, newPath)
		changed = changed || c
		out[i] = bson.E{Key: key, Value: e.Value}
	}
	return out, changed
}

// renameInPredicate rewrites the field keys of a $match predicate,
// descending into logical operators
func renameInPredicate(v interface{}, oldPath, newPath string) (interface{}, bool) {
	doc, ok := v.(bson.D)
	if !ok {
		return v, false
	}
	out := make(bson.D, len(doc))
	changed := false
	for i, e := range doc {
		switch e.Key {
		case "$and", "$or", "$nor":
			items, _ := e.Value.(bson.A)
			subs := make(bson.A, len(items))
			for j, item := range items {
				sub, c := renameInPredicate(item, oldPath, newPath)
				changed = changed || c
				subs[j] = sub
			}
			out[i] = bson.E{Key: e.Key, Value: subs}
		default:
			key := e.Key
			if !strings.HasPrefix(key, "$") {
				var c bool
				key, c = renamePath(key, oldPath, newPath)
				changed = changed || c
			}
			out[i] = bson.E{Key: key, Value: e.Value}
		}
	}
	return out, changed
}

// renameInConfig rewrites config parameters that name fields: string
// values of keys ending in _field and string lists of keys ending in
// _fields
func renameInConfig(cfg bson.D, oldPath, newPath string) (bson.D, bool) {
	out := make(bson.D, len(cfg))
	changed := false
	for i, e := range cfg {
		v := e.Value
		switch {
		case strings.HasSuffix(e.Key, "_field"):
			if s, ok := v.(string); ok {
				if r, c := renamePath(s, oldPath, newPath); c {
					v, changed = r, true
				}
			}
		case strings.HasSuffix(e.Key, "_fields"):
			if items, ok := v.(bson.A); ok {
				renamed := make(bson.A, len(items))
				for j, item := range items {
					renamed[j] = item
					if s, ok := item.(string); ok {
						if r, c := renamePath(s, oldPath, newPath); c {
							renamed[j], changed = r, true
						}
					}
				}
				v = renamed
			}
		}
		out[i] = bson.E{Key: e.Key, Value: v}
	}
	return out, changed
}

// referencesField reports whether a config parameter names path or a
// field beneath it
func referencesField(cfg bson.D, path string) bool {
	for _, e := range cfg {
		var names []interface{}
		switch {
		case strings.HasSuffix(e.Key, "_field"):
			names = []interface{}{e.Value}
		case strings.HasSuffix(e.Key, "_fields"):
			names, _ = e.Value.(bson.A)
		}
		for _, n := range names {
			if s, ok := n.(string); ok {
				if _, under := renamePath(s, path, path); under {
					return true
				}
			}
		}
	}
	return false
}

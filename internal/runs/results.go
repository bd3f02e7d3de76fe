package runs

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/curate-ml/curate/internal/blob"
	"github.com/curate-ml/curate/internal/dataset"
	"github.com/curate-ml/curate/internal/query"
	"github.com/curate-ml/curate/internal/schema"
	"github.com/curate-ml/curate/internal/store"
)

// LoadOptions controls LoadRunResults
type LoadOptions struct {
	// Cache returns cached results when present and caches loaded ones
	Cache bool

	// LoadView hands the loader the view the run was computed on instead
	// of the whole dataset
	LoadView bool
}

// SaveRunResults stores the results payload of key. results must encode
// as a BSON document (a struct, map or bson.D); it is stored as relaxed
// extended JSON. Existing results are only replaced when overwrite is set.
func (m *Manager) SaveRunResults(ctx context.Context, key string, results interface{}, overwrite, cache bool) error {
	if m.blobs == nil {
		return fmt.Errorf("saving results of %s run %q: no results store configured", m.kind, key)
	}
	info, err := m.GetRunInfo(ctx, key)
	if err != nil {
		return err
	}
	if info.HasResults() && !overwrite {
		return fmt.Errorf("%w: %s run %q", ErrResultsExist, m.kind, key)
	}

	data, err := bson.MarshalExtJSON(results, false, false)
	if err != nil {
		return fmt.Errorf("%w: encoding results of run %q: %v", schema.ErrData, key, err)
	}

	// The record only ever points at a stored blob; the previous blob goes
	// once the record no longer references it.
	blobKey := blob.NewKey(m.ds.Name())
	if err := m.blobs.Put(ctx, blobKey, data); err != nil {
		return fmt.Errorf("storing results of run %q: %w", key, err)
	}
	err = store.WithRetry(ctx, m.ds.Database(), store.DefaultRetryConfig(), func(ctx context.Context) error {
		_, err := m.records().UpdateOne(ctx, bson.M{"_id": info.ID}, bson.M{"$set": bson.M{"results": blobKey}})
		return err
	})
	if err != nil {
		if delErr := m.deleteResults(ctx, blobKey); delErr != nil {
			m.logger.Warn("failed to remove unreferenced results", delErr, map[string]interface{}{"blob": blobKey})
		}
		return fmt.Errorf("recording results of run %q: %w", key, err)
	}
	if err := m.deleteResults(ctx, info.Results); err != nil {
		m.logger.Warn("failed to remove previous results", err, map[string]interface{}{"key": key, "blob": info.Results})
	}

	if cache {
		m.ds.CacheResults(m.cacheKey(key), results)
	} else {
		m.ds.UncacheResults(m.cacheKey(key))
	}
	m.metrics.RunOperation(string(m.kind), "save_results")
	return nil
}

// LoadRunResults returns the results of key, decoded by the config's
// registered loader or into a bson.M
func (m *Manager) LoadRunResults(ctx context.Context, key string, opts LoadOptions) (interface{}, error) {
	if opts.Cache {
		if v, ok := m.ds.CachedResults(m.cacheKey(key)); ok {
			return v, nil
		}
	}

	info, err := m.GetRunInfo(ctx, key)
	if err != nil {
		return nil, err
	}
	if !info.HasResults() {
		return nil, fmt.Errorf("%w: %s run %q", ErrNoResults, m.kind, key)
	}
	if m.blobs == nil {
		return nil, fmt.Errorf("loading results of %s run %q: no results store configured", m.kind, key)
	}
	data, err := m.blobs.Get(ctx, info.Results)
	if err != nil {
		return nil, fmt.Errorf("loading results of run %q: %w", key, err)
	}

	view := m.ds.View()
	if opts.LoadView {
		if view, err = m.viewOf(info); err != nil {
			return nil, err
		}
	}

	results, err := m.decodeResults(info, data, view)
	if err != nil {
		return nil, m.versionError(info, err)
	}
	if opts.Cache {
		m.ds.CacheResults(m.cacheKey(key), results)
	}
	m.metrics.RunOperation(string(m.kind), "load_results")
	return results, nil
}

func (m *Manager) decodeResults(info *RunInfo, data []byte, view dataset.View) (interface{}, error) {
	if entry, ok := m.registry.Get(info.Config.Cls()); ok && entry.LoadResults != nil {
		return entry.LoadResults(data, info.Config, view)
	}
	var out bson.M
	if err := bson.UnmarshalExtJSON(data, false, &out); err != nil {
		return nil, fmt.Errorf("decoding results of run %q: %w", info.Key, err)
	}
	return out, nil
}

// LoadRunView replays the stages the run was registered with against the
// dataset. With selectFields set the view keeps only the builtin fields
// and the fields the run populated, minus fields nested beneath them that
// other runs of the same kind populated.
func (m *Manager) LoadRunView(ctx context.Context, key string, selectFields bool) (dataset.View, error) {
	info, err := m.GetRunInfo(ctx, key)
	if err != nil {
		return dataset.View{}, err
	}
	view, err := m.viewOf(info)
	if err != nil || !selectFields {
		return view, err
	}

	fields := m.methodFor(info.Config).Fields(key)
	if len(fields) == 0 {
		return view, nil
	}

	others, err := m.runInfos(ctx)
	if err != nil {
		return dataset.View{}, err
	}
	var exclude []string
	for otherKey, other := range others {
		if otherKey == key {
			continue
		}
		for _, f := range m.methodFor(other.Config).Fields(otherKey) {
			if containsPath(fields, f) {
				continue
			}
			for _, mine := range fields {
				if schema.IsDescendant(f, mine) {
					exclude = append(exclude, f)
					break
				}
			}
		}
	}

	var selected []string
	for _, f := range schema.BuiltinFields(schema.KindSample) {
		if f.Link == "" {
			selected = append(selected, f.Name)
		}
	}
	selected = append(selected, fields...)
	view = view.Select(selected...)
	if len(exclude) > 0 {
		view = view.Exclude(exclude...)
	}
	return view, view.Err()
}

func (m *Manager) viewOf(info *RunInfo) (dataset.View, error) {
	p, err := query.FromWire(info.ViewStages)
	if err != nil {
		return dataset.View{}, fmt.Errorf("replaying view of run %q: %w", info.Key, err)
	}
	return m.ds.ViewFrom(p), nil
}

func containsPath(paths []string, p string) bool {
	for _, q := range paths {
		if q == p {
			return true
		}
	}
	return false
}

// resultsKeys returns the blob keys of every run record of a dataset
func resultsKeys(ctx context.Context, db store.Database, datasetName string) ([]string, error) {
	cur, err := db.Collection(dataset.RunsCollection).Find(ctx, bson.M{"dataset": datasetName})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var keys []string
	for cur.Next(ctx) {
		var info RunInfo
		if err := cur.Decode(&info); err != nil {
			return nil, err
		}
		if info.HasResults() {
			keys = append(keys, info.Results)
		}
	}
	return keys, cur.Err()
}

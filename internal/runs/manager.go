// Package runs attaches keyed, versioned side computations to datasets.
// A run records its config and the exact view it was computed on, so the
// view can be replayed later; its results payload lives in a blob store.
package runs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/curate-ml/curate/internal/blob"
	"github.com/curate-ml/curate/internal/dataset"
	"github.com/curate-ml/curate/internal/logging"
	"github.com/curate-ml/curate/internal/metrics"
	"github.com/curate-ml/curate/internal/schema"
	"github.com/curate-ml/curate/internal/store"
	"github.com/curate-ml/curate/internal/version"
)

// Options configures a Manager. Zero values fall back to the dataset's
// logger and metrics and to DefaultRegistry.
type Options struct {
	Registry *Registry
	Blobs    blob.Store
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

// Manager manages the runs of one kind on one dataset
type Manager struct {
	ds       *dataset.Dataset
	kind     Kind
	registry *Registry
	blobs    blob.Store
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// NewManager creates a manager for the runs of kind on ds
func NewManager(ds *dataset.Dataset, kind Kind, opts Options) (*Manager, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	m := &Manager{
		ds:       ds,
		kind:     kind,
		registry: opts.Registry,
		blobs:    opts.Blobs,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if m.registry == nil {
		m.registry = DefaultRegistry
	}
	if m.logger == nil {
		m.logger = ds.Logger()
	}
	m.logger = m.logger.With(map[string]interface{}{"run_kind": string(kind)})
	if m.metrics == nil {
		m.metrics = ds.Metrics()
	}
	return m, nil
}

// Kind returns the run kind the manager handles
func (m *Manager) Kind() Kind { return m.kind }

// Dataset returns the dataset the runs are attached to
func (m *Manager) Dataset() *dataset.Dataset { return m.ds }

func (m *Manager) records() store.Collection {
	return m.ds.Database().Collection(dataset.RunsCollection)
}

func (m *Manager) cacheKey(key string) string {
	return string(m.kind) + "/" + key
}

// ValidateRun checks that a run with cfg may be registered under key.
// An existing run can only be replaced when overwrite is set, the config
// class matches, and the method accepts the existing config.
func (m *Manager) ValidateRun(ctx context.Context, key string, cfg Config, overwrite bool) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if cfg.Kind() != m.kind {
		return fmt.Errorf("%w: %s config cannot be registered as a %s run", ErrConfigMismatch, cfg.Kind(), m.kind)
	}

	exists, err := m.HasRun(ctx, key)
	if err != nil || !exists {
		return err
	}
	if !overwrite {
		return fmt.Errorf("%w: %s run %q; delete it or overwrite it", ErrRunExists, m.kind, key)
	}

	existing, err := m.GetRunInfo(ctx, key)
	if err != nil {
		return err
	}
	if existing.Config.Cls() != cfg.Cls() {
		return fmt.Errorf("%w: run %q is a %s run, cannot overwrite it with a %s run",
			ErrConfigMismatch, key, existing.Config.Cls(), cfg.Cls())
	}
	if err := m.methodFor(cfg).ValidateRun(existing.Config); err != nil {
		return fmt.Errorf("%w: run %q: %v", ErrConfigMismatch, key, err)
	}
	return nil
}

// RegisterRun records a run of cfg on view under key. When overwrite is
// set the existing run is deleted first, running its cleanup if cleanup
// is set.
func (m *Manager) RegisterRun(ctx context.Context, view dataset.View, key string, cfg Config, overwrite, cleanup bool) (*RunInfo, error) {
	if view.Dataset() != m.ds {
		return nil, fmt.Errorf("%w: view belongs to dataset %q", schema.ErrData, view.Dataset().Name())
	}
	if err := m.ValidateRun(ctx, key, cfg, overwrite); err != nil {
		return nil, err
	}
	stages, err := view.Wire()
	if err != nil {
		return nil, err
	}
	raw, err := encodeConfig(cfg)
	if err != nil {
		return nil, err
	}

	exists, err := m.HasRun(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		if err := m.DeleteRun(ctx, key, cleanup); err != nil {
			return nil, err
		}
	}

	info := &RunInfo{
		Dataset:    m.ds.Name(),
		Kind:       m.kind,
		Key:        key,
		Version:    version.Version,
		Timestamp:  time.Now().UTC().Truncate(time.Millisecond),
		RawConfig:  raw,
		ViewStages: stages,
		Config:     cfg,
	}
	err = store.WithRetry(ctx, m.ds.Database(), store.DefaultRetryConfig(), func(ctx context.Context) error {
		id, err := m.records().InsertOne(ctx, info)
		if err != nil {
			return err
		}
		oid, ok := id.(primitive.ObjectID)
		if !ok {
			return fmt.Errorf("unexpected run id type %T", id)
		}
		info.ID = oid
		return m.ds.SetRunRef(ctx, m.kind.RefField(), key, oid)
	})
	if err != nil {
		return nil, fmt.Errorf("registering %s run %q: %w", m.kind, key, err)
	}

	m.metrics.RunOperation(string(m.kind), "register")
	m.logger.Info("registered run", nil, map[string]interface{}{"key": key, "method": cfg.Method()})
	return info, nil
}

// HasRun reports whether key names a run of the manager's kind
func (m *Manager) HasRun(ctx context.Context, key string) (bool, error) {
	refs, err := m.ds.RunRefs(m.kind.RefField())
	if err != nil {
		return false, err
	}
	_, ok := refs[key]
	return ok, nil
}

// ListRuns returns the sorted keys of the runs. References whose record
// is missing are logged and left out.
func (m *Manager) ListRuns(ctx context.Context) ([]string, error) {
	infos, err := m.runInfos(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(infos))
	for k := range infos {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// GetRunInfo loads the record of key
func (m *Manager) GetRunInfo(ctx context.Context, key string) (*RunInfo, error) {
	refs, err := m.ds.RunRefs(m.kind.RefField())
	if err != nil {
		return nil, err
	}
	id, ok := refs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s run %q", ErrRunNotFound, m.kind, key)
	}

	info := &RunInfo{}
	if err := m.records().FindOne(ctx, bson.M{"_id": id}, info); err != nil {
		if store.IsNotFound(err) {
			m.warnDangling(key, id)
			return nil, fmt.Errorf("%w: %s run %q has a dangling reference; run PatchRuns to repair it",
				ErrRunNotFound, m.kind, key)
		}
		return nil, err
	}
	if err := m.decodeConfig(info); err != nil {
		return nil, err
	}
	return info, nil
}

// runInfos loads every resolvable run record keyed by run key
func (m *Manager) runInfos(ctx context.Context) (map[string]*RunInfo, error) {
	refs, err := m.ds.RunRefs(m.kind.RefField())
	if err != nil {
		return nil, err
	}
	ids := make(bson.A, 0, len(refs))
	for _, id := range refs {
		ids = append(ids, id)
	}

	byID := make(map[primitive.ObjectID]*RunInfo, len(refs))
	if len(ids) > 0 {
		cur, err := m.records().Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
		if err != nil {
			return nil, err
		}
		defer cur.Close(ctx)
		for cur.Next(ctx) {
			info := &RunInfo{}
			if err := cur.Decode(info); err != nil {
				return nil, err
			}
			byID[info.ID] = info
		}
		if err := cur.Err(); err != nil {
			return nil, err
		}
	}

	out := make(map[string]*RunInfo, len(refs))
	for key, id := range refs {
		info, ok := byID[id]
		if !ok {
			m.warnDangling(key, id)
			continue
		}
		if err := m.decodeConfig(info); err != nil {
			return nil, err
		}
		out[key] = info
	}
	return out, nil
}

func (m *Manager) warnDangling(key string, id primitive.ObjectID) {
	m.logger.Warn("skipping run with a dangling reference", nil, map[string]interface{}{
		"key":    key,
		"run_id": id.Hex(),
		"repair": "PatchRuns",
	})
}

// decodeConfig rebuilds info.Config through the registry. Unregistered
// classes fall back to BaseConfig.
func (m *Manager) decodeConfig(info *RunInfo) error {
	cls := configClass(info.RawConfig)
	entry, ok := m.registry.Get(cls)
	if !ok {
		m.logger.Warn("run config class is not registered; using the base config", nil, map[string]interface{}{
			"key": info.Key,
			"cls": cls,
		})
		base := &BaseConfig{}
		if err := bson.Unmarshal(info.RawConfig, base); err != nil {
			return fmt.Errorf("decoding config of run %q: %w", info.Key, err)
		}
		base.RunKind = info.Kind
		info.Config = base
		return nil
	}

	cfg := entry.NewConfig()
	if err := bson.Unmarshal(info.RawConfig, cfg); err != nil {
		return m.versionError(info, fmt.Errorf("decoding config of run %q: %w", info.Key, err))
	}
	info.Config = cfg
	return nil
}

func (m *Manager) methodFor(cfg Config) Method {
	if entry, ok := m.registry.Get(cfg.Cls()); ok {
		return entry.method(cfg)
	}
	return BaseMethod{}
}

// versionError marks decode failures of records written by another version
func (m *Manager) versionError(info *RunInfo, err error) error {
	if info.Version == version.Version {
		return err
	}
	return fmt.Errorf("%w: %s run %q was written by version %s and cannot be loaded by version %s; re-run the method with your current version: %v",
		ErrVersionSkew, m.kind, info.Key, info.Version, version.Version, err)
}

// UpdateRunKey renames a run. The method's Rename hook is best effort.
func (m *Manager) UpdateRunKey(ctx context.Context, oldKey, newKey string) error {
	if err := ValidateKey(newKey); err != nil {
		return err
	}
	info, err := m.GetRunInfo(ctx, oldKey)
	if err != nil {
		return err
	}
	taken, err := m.HasRun(ctx, newKey)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: %s run %q", ErrRunExists, m.kind, newKey)
	}

	if err := m.methodFor(info.Config).Rename(ctx, m.ds, oldKey, newKey); err != nil {
		m.logger.Warn("run rename hook failed", err, map[string]interface{}{"key": oldKey, "new_key": newKey})
	}

	err = store.WithRetry(ctx, m.ds.Database(), store.DefaultRetryConfig(), func(ctx context.Context) error {
		if _, err := m.records().UpdateOne(ctx, bson.M{"_id": info.ID}, bson.M{"$set": bson.M{"key": newKey}}); err != nil {
			return err
		}
		return m.ds.RenameRunRef(ctx, m.kind.RefField(), oldKey, newKey)
	})
	if err != nil {
		return fmt.Errorf("renaming %s run %q: %w", m.kind, oldKey, err)
	}
	m.ds.RenameCachedResults(m.cacheKey(oldKey), m.cacheKey(newKey))

	m.metrics.RunOperation(string(m.kind), "rename")
	return nil
}

// DeleteRun deletes a run, its results and its cache entry. With cleanup
// set the method's Cleanup hook runs first; its failure is logged only.
func (m *Manager) DeleteRun(ctx context.Context, key string, cleanup bool) error {
	info, err := m.GetRunInfo(ctx, key)
	if err != nil {
		return err
	}
	if cleanup {
		if err := m.methodFor(info.Config).Cleanup(ctx, m.ds, key); err != nil {
			m.logger.Warn("run cleanup failed", err, map[string]interface{}{"key": key})
		}
	}

	m.ds.UncacheResults(m.cacheKey(key))
	if err := m.deleteResults(ctx, info.Results); err != nil {
		return err
	}

	err = store.WithRetry(ctx, m.ds.Database(), store.DefaultRetryConfig(), func(ctx context.Context) error {
		if _, err := m.records().DeleteOne(ctx, bson.M{"_id": info.ID}); err != nil {
			return err
		}
		return m.ds.DeleteRunRef(ctx, m.kind.RefField(), key)
	})
	if err != nil {
		return fmt.Errorf("deleting %s run %q: %w", m.kind, key, err)
	}

	m.metrics.RunOperation(string(m.kind), "delete")
	m.logger.Info("deleted run", nil, map[string]interface{}{"key": key})
	return nil
}

// DeleteRuns deletes every run of the manager's kind
func (m *Manager) DeleteRuns(ctx context.Context, cleanup bool) error {
	keys, err := m.ListRuns(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.DeleteRun(ctx, key, cleanup); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) deleteResults(ctx context.Context, blobKey string) error {
	if blobKey == "" {
		return nil
	}
	if m.blobs == nil {
		m.logger.Warn("no results store configured; leaving results blob behind", nil, map[string]interface{}{"blob": blobKey})
		return nil
	}
	if err := m.blobs.Delete(ctx, blobKey); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("deleting results %s: %w", blobKey, err)
	}
	return nil
}

// PatchRuns drops references whose run record no longer exists and
// returns their keys
func (m *Manager) PatchRuns(ctx context.Context) ([]string, error) {
	refs, err := m.ds.RunRefs(m.kind.RefField())
	if err != nil {
		return nil, err
	}
	var patched []string
	for key, id := range refs {
		n, err := m.records().CountDocuments(ctx, bson.M{"_id": id})
		if err != nil {
			return nil, err
		}
		if n > 0 {
			continue
		}
		if err := m.ds.DeleteRunRef(ctx, m.kind.RefField(), key); err != nil {
			return nil, err
		}
		m.ds.UncacheResults(m.cacheKey(key))
		patched = append(patched, key)
	}
	sort.Strings(patched)
	if len(patched) > 0 {
		m.logger.Info("patched dangling run references", nil, map[string]interface{}{"keys": patched})
		m.metrics.RunOperation(string(m.kind), "patch")
	}
	return patched, nil
}

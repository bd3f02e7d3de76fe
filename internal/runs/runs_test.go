package runs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/curate-ml/curate/internal/blob"
	"github.com/curate-ml/curate/internal/dataset"
	"github.com/curate-ml/curate/internal/document"
	"github.com/curate-ml/curate/internal/hooks"
	"github.com/curate-ml/curate/internal/logging"
	"github.com/curate-ml/curate/internal/metrics"
	"github.com/curate-ml/curate/internal/store/memstore"
)

type uniquenessConfig struct {
	Model string `bson:"model"`
}

func (uniquenessConfig) Kind() Kind     { return KindBrain }
func (uniquenessConfig) Method() string { return "uniqueness" }
func (uniquenessConfig) Cls() string    { return "curate.brain.UniquenessConfig" }

type hardnessConfig struct {
	LabelField string `bson:"label_field"`
}

func (hardnessConfig) Kind() Kind     { return KindBrain }
func (hardnessConfig) Method() string { return "hardness" }
func (hardnessConfig) Cls() string    { return "curate.brain.HardnessConfig" }

type evalConfig struct {
	PredField string   `bson:"pred_field"`
	GTField   string   `bson:"gt_field"`
	IOU       float64  `bson:"iou"`
	Outputs   []string `bson:"outputs"`
}

func (evalConfig) Kind() Kind     { return KindEvaluation }
func (evalConfig) Method() string { return "detection" }
func (evalConfig) Cls() string    { return "curate.evaluation.DetectionConfig" }

type evalMethod struct {
	BaseMethod
	cfg      *evalConfig
	cleaned  *[]string
	failHook bool
}

func (m evalMethod) Fields(key string) []string {
	if len(m.cfg.Outputs) > 0 {
		return m.cfg.Outputs
	}
	return []string{key}
}

func (m evalMethod) ValidateRun(existing Config) error {
	if prev := existing.(*evalConfig); prev.IOU != m.cfg.IOU {
		return errors.New("iou threshold differs from the existing run")
	}
	return nil
}

func (m evalMethod) Cleanup(_ context.Context, _ *dataset.Dataset, key string) error {
	*m.cleaned = append(*m.cleaned, key)
	if m.failHook {
		return errors.New("cleanup exploded")
	}
	return nil
}

func (m evalMethod) Rename(context.Context, *dataset.Dataset, string, string) error {
	if m.failHook {
		return errors.New("rename exploded")
	}
	return nil
}

type scores struct {
	Values []float64 `bson:"values"`
}

type fixture struct {
	ds       *dataset.Dataset
	blobs    *blob.Memory
	registry *Registry
	logs     *observer.ObservedLogs
	logger   *logging.Logger
	cleaned  []string
	failHook bool
}

func newFixture(t *testing.T, opts ...dataset.Option) *fixture {
	t.Helper()
	core, logs := observer.New(zap.WarnLevel)
	f := &fixture{
		blobs:    blob.NewMemory(),
		registry: NewRegistry(),
		logs:     logs,
		logger:   logging.FromZap(zap.New(core)),
	}

	require.NoError(t, f.registry.Register(Entry{
		Cls:       uniquenessConfig{}.Cls(),
		Kind:      KindBrain,
		NewConfig: func() Config { return &uniquenessConfig{} },
	}))
	require.NoError(t, f.registry.Register(Entry{
		Cls:       hardnessConfig{}.Cls(),
		Kind:      KindBrain,
		NewConfig: func() Config { return &hardnessConfig{} },
		LoadResults: func(data []byte, _ Config, _ dataset.View) (interface{}, error) {
			var s scores
			if err := bson.UnmarshalExtJSON(data, false, &s); err != nil {
				return nil, err
			}
			return &s, nil
		},
	}))
	require.NoError(t, f.registry.Register(Entry{
		Cls:       evalConfig{}.Cls(),
		Kind:      KindEvaluation,
		NewConfig: func() Config { return &evalConfig{} },
		NewMethod: func(cfg Config) Method {
			var c *evalConfig
			switch v := cfg.(type) {
			case *evalConfig:
				c = v
			case evalConfig:
				c = &v
			}
			return evalMethod{cfg: c, cleaned: &f.cleaned, failHook: f.failHook}
		},
	}))

	ds, err := dataset.Create(context.Background(), memstore.New("curate"), "runs-test", opts...)
	require.NoError(t, err)
	f.ds = ds
	return f
}

func (f *fixture) manager(t *testing.T, kind Kind) *Manager {
	t.Helper()
	m, err := NewManager(f.ds, kind, Options{Registry: f.registry, Blobs: f.blobs, Logger: f.logger})
	require.NoError(t, err)
	return m
}

func (f *fixture) addSamples(t *testing.T, fields ...map[string]interface{}) {
	t.Helper()
	for _, fl := range fields {
		s, err := f.ds.NewSample(fl)
		require.NoError(t, err)
		_, err = f.ds.AddSample(context.Background(), s)
		require.NoError(t, err)
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"uniqueness", true},
		{"_private", true},
		{"eval2", true},
		{"", false},
		{"2eval", false},
		{"has-dash", false},
		{"has space", false},
		{"dotted.key", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidKey)
			}
		})
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	entry := Entry{Cls: "x.Config", Kind: KindGeneric, NewConfig: func() Config { return &BaseConfig{} }}
	require.NoError(t, r.Register(entry))
	assert.Error(t, r.Register(entry), "duplicate class")
	assert.Error(t, r.Register(Entry{Kind: KindGeneric, NewConfig: entry.NewConfig}), "missing class")
	assert.Error(t, r.Register(Entry{Cls: "y", Kind: "bogus", NewConfig: entry.NewConfig}), "unknown kind")
	assert.Error(t, r.Register(Entry{Cls: "z", Kind: KindGeneric}), "missing constructor")

	got, ok := r.Get("x.Config")
	require.True(t, ok)
	assert.Equal(t, KindGeneric, got.Kind)
}

func TestNewManager_RejectsUnknownKind(t *testing.T) {
	f := newFixture(t)
	_, err := NewManager(f.ds, Kind("bogus"), Options{})
	assert.Error(t, err)
}

// A key keeps its config class: re-registering uniqueness as a hardness
// run fails even with overwrite and the original run is untouched
func TestRegisterRun_ConfigClassIsFixed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t, KindBrain)

	_, err := m.RegisterRun(ctx, f.ds.View(), "uniqueness", &uniquenessConfig{Model: "resnet"}, false, false)
	require.NoError(t, err)

	_, err = m.RegisterRun(ctx, f.ds.View(), "uniqueness", &hardnessConfig{LabelField: "gt"}, true, false)
	require.ErrorIs(t, err, ErrConfigMismatch)
	assert.Contains(t, err.Error(), "curate.brain.UniquenessConfig")
	assert.Contains(t, err.Error(), "curate.brain.HardnessConfig")

	keys, err := m.ListRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"uniqueness"}, keys)

	info, err := m.GetRunInfo(ctx, "uniqueness")
	require.NoError(t, err)
	assert.Equal(t, &uniquenessConfig{Model: "resnet"}, info.Config)
}

func TestRegisterRun_OverwriteRequiresFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t, KindBrain)

	first, err := m.RegisterRun(ctx, f.ds.View(), "uniqueness", &uniquenessConfig{Model: "resnet"}, false, false)
	require.NoError(t, err)

	_, err = m.RegisterRun(ctx, f.ds.View(), "uniqueness", &uniquenessConfig{Model: "clip"}, false, false)
	require.ErrorIs(t, err, ErrRunExists)

	info, err := m.GetRunInfo(ctx, "uniqueness")
	require.NoError(t, err)
	assert.Equal(t, first.ID, info.ID)
	assert.Equal(t, "resnet", info.Config.(*uniquenessConfig).Model)

	second, err := m.RegisterRun(ctx, f.ds.View(), "uniqueness", &uniquenessConfig{Model: "clip"}, true, false)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	info, err = m.GetRunInfo(ctx, "uniqueness")
	require.NoError(t, err)
	assert.Equal(t, "clip", info.Config.(*uniquenessConfig).Model)

	n, err := f.ds.Database().Collection(dataset.RunsCollection).CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "the replaced record is deleted")
}

func TestRegisterRun_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	brain := f.manager(t, KindBrain)
	eval := f.manager(t, KindEvaluation)

	_, err := brain.RegisterRun(ctx, f.ds.View(), "not valid", &uniquenessConfig{}, false, false)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = brain.RegisterRun(ctx, f.ds.View(), "eval", &evalConfig{}, false, false)
	assert.ErrorIs(t, err, ErrConfigMismatch, "evaluation config on the brain manager")

	_, err = eval.RegisterRun(ctx, f.ds.View(), "eval", &evalConfig{IOU: 0.5}, false, false)
	require.NoError(t, err)

	_, err = eval.RegisterRun(ctx, f.ds.View(), "eval", &evalConfig{IOU: 0.75}, true, false)
	require.ErrorIs(t, err, ErrConfigMismatch)
	assert.Contains(t, err.Error(), "iou threshold")

	_, err = brain.RegisterRun(ctx, f.ds.View(), "eval", &uniquenessConfig{}, false, false)
	assert.NoError(t, err, "kinds have separate key namespaces")

	other, err := dataset.Create(ctx, f.ds.Database(), "other")
	require.NoError(t, err)
	_, err = brain.RegisterRun(ctx, other.View(), "foreign", &uniquenessConfig{}, false, false)
	assert.Error(t, err)
}

func TestRegisterRun_OverwriteRunsCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t, KindEvaluation)

	_, err := m.RegisterRun(ctx, f.ds.View(), "eval", &evalConfig{IOU: 0.5}, false, false)
	require.NoError(t, err)
	require.NoError(t, m.SaveRunResults(ctx, "eval", bson.M{"mAP": 0.4}, false, true))
	info, err := m.GetRunInfo(ctx, "eval")
	require.NoError(t, err)
	oldBlob := info.Results

	_, err = m.RegisterRun(ctx, f.ds.View(), "eval", &evalConfig{IOU: 0.5}, true, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"eval"}, f.cleaned)

	exists, err := f.blobs.Exists(ctx, oldBlob)
	require.NoError(t, err)
	assert.False(t, exists)
	_, ok := f.ds.CachedResults("evaluation/eval")
	assert.False(t, ok)

	_, err = m.LoadRunResults(ctx, "eval", LoadOptions{})
	assert.ErrorIs(t, err, ErrNoResults)
}

// The stored view is the one at registration time, not whatever the
// caller's view turns into later
func TestLoadRunView_ReplaysRegisteredStages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addSamples(t,
		map[string]interface{}{"filepath": "/a.jpg", "size": 10},
		map[string]interface{}{"filepath": "/b.jpg", "size": 20},
		map[string]interface{}{"filepath": "/c.jpg", "size": 30},
	)
	m := f.manager(t, KindBrain)

	view := f.ds.View().Filter(bson.M{"size": bson.M{">=": 20}}).SortBy("size", true)
	_, err := m.RegisterRun(ctx, view, "uniqueness", &uniquenessConfig{}, false, false)
	require.NoError(t, err)

	view = view.Limit(1)

	replayed, err := m.LoadRunView(ctx, "uniqueness", false)
	require.NoError(t, err)
	want := f.ds.View().Filter(bson.M{"size": bson.M{"$gte": 20}}).SortBy("size", true)
	assert.True(t, replayed.Pipeline().Equal(want.Pipeline()))
	assert.False(t, replayed.Pipeline().Equal(view.Pipeline()))

	docs, err := replayed.All(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "/c.jpg", docs[0].MustGet("filepath"))

	whole, err := m.RegisterRun(ctx, f.ds.View(), "whole", &uniquenessConfig{}, false, false)
	require.NoError(t, err)
	assert.Empty(t, whole.ViewStages)
	v, err := m.LoadRunView(ctx, "whole", false)
	require.NoError(t, err)
	n, err := v.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestLoadRunView_SelectFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	label, err := document.NewClassification("cat", 0.9)
	require.NoError(t, err)
	f.addSamples(t, map[string]interface{}{"filepath": "/a.jpg", "eval": label, "noise": 1})
	m := f.manager(t, KindEvaluation)

	_, err = m.RegisterRun(ctx, f.ds.View(), "eval", &evalConfig{Outputs: []string{"eval"}}, false, false)
	require.NoError(t, err)
	_, err = m.RegisterRun(ctx, f.ds.View(), "eval_conf", &evalConfig{Outputs: []string{"eval.confidence"}}, false, false)
	require.NoError(t, err)

	view, err := m.LoadRunView(ctx, "eval", true)
	require.NoError(t, err)
	stages, err := view.Wire()
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, bson.D{{Key: "$project", Value: bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "filepath", Value: int32(1)},
		{Key: "tags", Value: int32(1)},
		{Key: "metadata", Value: int32(1)},
		{Key: "created_at", Value: int32(1)},
		{Key: "last_modified_at", Value: int32(1)},
		{Key: "eval", Value: int32(1)},
	}}}, stages[0], "linked builtins are not selected")
	assert.Equal(t, bson.D{{Key: "$project", Value: bson.D{{Key: "eval.confidence", Value: int32(0)}}}}, stages[1])

	doc, err := view.First(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/a.jpg", doc.MustGet("filepath"))
	assert.Nil(t, doc.MustGet("noise"))
	got := doc.MustGet("eval").(*document.Document)
	assert.Equal(t, "cat", got.MustGet("label"))
	assert.Nil(t, got.MustGet("confidence"))

	unselected, err := m.LoadRunView(ctx, "eval_conf", false)
	require.NoError(t, err)
	assert.Zero(t, unselected.Pipeline().Len())
}

func TestSaveAndLoadRunResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t, KindBrain)

	_, err := m.RegisterRun(ctx, f.ds.View(), "uniqueness", &uniquenessConfig{}, false, false)
	require.NoError(t, err)

	_, err = m.LoadRunResults(ctx, "uniqueness", LoadOptions{})
	assert.ErrorIs(t, err, ErrNoResults)

	results := bson.M{"scores": bson.A{0.1, 0.9}, "computed_at": primitive.NewDateTimeFromTime(f.ds.Definition().CreatedAt)}
	require.NoError(t, m.SaveRunResults(ctx, "uniqueness", results, false, true))
	assert.ErrorIs(t, m.SaveRunResults(ctx, "uniqueness", results, false, false), ErrResultsExist)

	cached, err := m.LoadRunResults(ctx, "uniqueness", LoadOptions{Cache: true})
	require.NoError(t, err)
	assert.Equal(t, results, cached, "served from the cache")

	loaded, err := m.LoadRunResults(ctx, "uniqueness", LoadOptions{LoadView: true})
	require.NoError(t, err)
	decoded := loaded.(bson.M)
	assert.Equal(t, bson.A{0.1, 0.9}, decoded["scores"])
	assert.IsType(t, primitive.DateTime(0), decoded["computed_at"])

	info, err := m.GetRunInfo(ctx, "uniqueness")
	require.NoError(t, err)
	first := info.Results
	require.NoError(t, m.SaveRunResults(ctx, "uniqueness", bson.M{"scores": bson.A{0.5}}, true, false))
	exists, err := f.blobs.Exists(ctx, first)
	require.NoError(t, err)
	assert.False(t, exists, "previous results deleted")

	_, ok := f.ds.CachedResults("brain/uniqueness")
	assert.False(t, ok)
}

// flakyBlobs fails every Put once armed
type flakyBlobs struct {
	blob.Store
	failPut bool
}

func (b *flakyBlobs) Put(ctx context.Context, key string, data []byte) error {
	if b.failPut {
		return errors.New("disk full")
	}
	return b.Store.Put(ctx, key, data)
}

func TestSaveRunResults_FailedOverwriteKeepsPreviousResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	blobs := &flakyBlobs{Store: f.blobs}
	m, err := NewManager(f.ds, KindBrain, Options{Registry: f.registry, Blobs: blobs, Logger: f.logger})
	require.NoError(t, err)

	_, err = m.RegisterRun(ctx, f.ds.View(), "uniqueness", &uniquenessConfig{}, false, false)
	require.NoError(t, err)
	require.NoError(t, m.SaveRunResults(ctx, "uniqueness", bson.M{"scores": bson.A{0.1}}, false, false))

	blobs.failPut = true
	err = m.SaveRunResults(ctx, "uniqueness", bson.M{"scores": bson.A{0.9}}, true, false)
	assert.EqualError(t, err, `storing results of run "uniqueness": disk full`)

	loaded, err := m.LoadRunResults(ctx, "uniqueness", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, bson.A{0.1}, loaded.(bson.M)["scores"])
}

func TestLoadRunResults_RegisteredLoader(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t, KindBrain)

	_, err := m.RegisterRun(ctx, f.ds.View(), "hardness", &hardnessConfig{LabelField: "gt"}, false, false)
	require.NoError(t, err)
	require.NoError(t, m.SaveRunResults(ctx, "hardness", scores{Values: []float64{0.2, 0.4}}, false, false))

	loaded, err := m.LoadRunResults(ctx, "hardness", LoadOptions{Cache: true})
	require.NoError(t, err)
	assert.Equal(t, &scores{Values: []float64{0.2, 0.4}}, loaded)

	again, err := m.LoadRunResults(ctx, "hardness", LoadOptions{Cache: true})
	require.NoError(t, err)
	assert.Same(t, loaded, again)
}

func TestLoadRunResults_VersionSkew(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t, KindBrain)

	_, err := m.RegisterRun(ctx, f.ds.View(), "uniqueness", &uniquenessConfig{}, false, false)
	require.NoError(t, err)
	require.NoError(t, m.SaveRunResults(ctx, "uniqueness", bson.M{"ok": true}, false, false))
	info, err := m.GetRunInfo(ctx, "uniqueness")
	require.NoError(t, err)
	require.NoError(t, f.blobs.Put(ctx, info.Results, []byte("not json")))

	_, err = m.LoadRunResults(ctx, "uniqueness", LoadOptions{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrVersionSkew), "same version failures are reported as they are")

	_, err = f.ds.Database().Collection(dataset.RunsCollection).UpdateOne(ctx,
		bson.M{"_id": info.ID}, bson.M{"$set": bson.M{"version": "0.0.1"}})
	require.NoError(t, err)

	_, err = m.LoadRunResults(ctx, "uniqueness", LoadOptions{})
	require.ErrorIs(t, err, ErrVersionSkew)
	assert.Contains(t, err.Error(), "0.0.1")
	assert.Contains(t, err.Error(), "re-run")
}

func TestUpdateRunKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.failHook = true
	m := f.manager(t, KindEvaluation)

	_, err := m.RegisterRun(ctx, f.ds.View(), "eval", &evalConfig{}, false, false)
	require.NoError(t, err)
	_, err = m.RegisterRun(ctx, f.ds.View(), "taken", &evalConfig{}, false, false)
	require.NoError(t, err)
	require.NoError(t, m.SaveRunResults(ctx, "eval", bson.M{"mAP": 0.5}, false, true))

	assert.ErrorIs(t, m.UpdateRunKey(ctx, "eval", "taken"), ErrRunExists)
	assert.ErrorIs(t, m.UpdateRunKey(ctx, "eval", "bad key"), ErrInvalidKey)
	assert.ErrorIs(t, m.UpdateRunKey(ctx, "missing", "other"), ErrRunNotFound)

	require.NoError(t, m.UpdateRunKey(ctx, "eval", "eval_v2"), "a failing rename hook does not block")
	assert.Equal(t, 1, f.logs.FilterMessage("run rename hook failed").Len())

	keys, err := m.ListRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"eval_v2", "taken"}, keys)

	info, err := m.GetRunInfo(ctx, "eval_v2")
	require.NoError(t, err)
	assert.Equal(t, "eval_v2", info.Key)

	_, ok := f.ds.CachedResults("evaluation/eval_v2")
	assert.True(t, ok)
	_, ok = f.ds.CachedResults("evaluation/eval")
	assert.False(t, ok)

	reloaded, err := dataset.Load(ctx, f.ds.Database(), f.ds.Name())
	require.NoError(t, err)
	keys, err = reloaded.RunKeys("evaluations")
	require.NoError(t, err)
	assert.Equal(t, []string{"eval_v2", "taken"}, keys)
}

func TestDeleteRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.failHook = true
	m := f.manager(t, KindEvaluation)

	_, err := m.RegisterRun(ctx, f.ds.View(), "eval", &evalConfig{}, false, false)
	require.NoError(t, err)
	require.NoError(t, m.SaveRunResults(ctx, "eval", bson.M{"mAP": 0.5}, false, true))
	info, err := m.GetRunInfo(ctx, "eval")
	require.NoError(t, err)

	require.NoError(t, m.DeleteRun(ctx, "eval", true), "a failing cleanup does not block")
	assert.Equal(t, []string{"eval"}, f.cleaned)
	entries := f.logs.FilterMessage("run cleanup failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "eval", entries[0].ContextMap()["key"])

	has, err := m.HasRun(ctx, "eval")
	require.NoError(t, err)
	assert.False(t, has)
	exists, err := f.blobs.Exists(ctx, info.Results)
	require.NoError(t, err)
	assert.False(t, exists)
	_, ok := f.ds.CachedResults("evaluation/eval")
	assert.False(t, ok)

	assert.ErrorIs(t, m.DeleteRun(ctx, "eval", false), ErrRunNotFound)
}

func TestDeleteRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	brain := f.manager(t, KindBrain)
	eval := f.manager(t, KindEvaluation)

	for _, key := range []string{"a", "b"} {
		_, err := brain.RegisterRun(ctx, f.ds.View(), key, &uniquenessConfig{}, false, false)
		require.NoError(t, err)
	}
	_, err := eval.RegisterRun(ctx, f.ds.View(), "a", &evalConfig{}, false, false)
	require.NoError(t, err)

	require.NoError(t, brain.DeleteRuns(ctx, false))
	keys, err := brain.ListRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	keys, err = eval.ListRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)
}

func TestListRuns_SkipsDanglingReferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.manager(t, KindBrain)

	_, err := m.RegisterRun(ctx, f.ds.View(), "uniqueness", &uniquenessConfig{}, false, false)
	require.NoError(t, err)
	require.NoError(t, f.ds.SetRunRef(ctx, "brain_methods", "ghost", primitive.NewObjectID()))

	keys, err := m.ListRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"uniqueness"}, keys)

	entries := f.logs.FilterMessage("skipping run with a dangling reference").All()
	require.NotEmpty(t, entries)
	assert.Equal(t, "ghost", entries[0].ContextMap()["key"])
	assert.Equal(t, "PatchRuns", entries[0].ContextMap()["repair"])

	_, err = m.GetRunInfo(ctx, "ghost")
	require.ErrorIs(t, err, ErrRunNotFound)
	assert.Contains(t, err.Error(), "PatchRuns")

	patched, err := m.PatchRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, patched)

	refs, err := f.ds.RunKeys("brain_methods")
	require.NoError(t, err)
	assert.Equal(t, []string{"uniqueness"}, refs)
}

func TestUnregisteredConfigFallsBackToBaseConfig(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.manager(t, KindBrain).RegisterRun(ctx, f.ds.View(), "uniqueness", &uniquenessConfig{Model: "resnet"}, false, false)
	require.NoError(t, err)

	bare, err := NewManager(f.ds, KindBrain, Options{Registry: NewRegistry(), Logger: f.logger})
	require.NoError(t, err)
	info, err := bare.GetRunInfo(ctx, "uniqueness")
	require.NoError(t, err)

	base, ok := info.Config.(*BaseConfig)
	require.True(t, ok)
	assert.Equal(t, KindBrain, base.Kind())
	assert.Equal(t, "uniqueness", base.Method())
	assert.Equal(t, "curate.brain.UniquenessConfig", base.Cls())
	assert.Equal(t, "resnet", base.Params["model"])
	assert.Equal(t, 1, f.logs.FilterMessage("run config class is not registered; using the base config").Len())

	_, err = bare.RegisterRun(ctx, f.ds.View(), "uniqueness", &hardnessConfig{}, true, false)
	assert.ErrorIs(t, err, ErrConfigMismatch, "the recorded class still guards the key")
}

func TestFieldRenamePatchesRuns(t *testing.T) {
	ctx := context.Background()
	exec := hooks.NewExecutor(nil, nil)
	f := newFixture(t, dataset.WithHooks(exec))
	RegisterHooks(exec, f.ds.Database(), f.blobs, f.logger)
	f.addSamples(t,
		map[string]interface{}{"filepath": "/a.jpg", "pred": "cat"},
		map[string]interface{}{"filepath": "/b.jpg", "pred": "dog"},
	)
	m := f.manager(t, KindEvaluation)

	view := f.ds.View().Filter(bson.M{"pred": "cat"}).SortBy("pred", false)
	_, err := m.RegisterRun(ctx, view, "eval", &evalConfig{PredField: "pred", GTField: "gt"}, false, false)
	require.NoError(t, err)

	require.NoError(t, f.ds.RenameSampleField(ctx, "pred", "prediction"))

	info, err := m.GetRunInfo(ctx, "eval")
	require.NoError(t, err)
	cfg := info.Config.(*evalConfig)
	assert.Equal(t, "prediction", cfg.PredField)
	assert.Equal(t, "gt", cfg.GTField)

	replayed, err := m.LoadRunView(ctx, "eval", false)
	require.NoError(t, err)
	docs, err := replayed.All(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "/a.jpg", docs[0].MustGet("filepath"))

	stages, err := replayed.Wire()
	require.NoError(t, err)
	raw, err := json.Marshal(stages)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"pred"`)
}

func TestFieldDeleteWarnsAboutRuns(t *testing.T) {
	ctx := context.Background()
	exec := hooks.NewExecutor(nil, nil)
	f := newFixture(t, dataset.WithHooks(exec))
	RegisterHooks(exec, f.ds.Database(), f.blobs, f.logger)
	f.addSamples(t, map[string]interface{}{"filepath": "/a.jpg", "pred": "cat"})

	_, err := f.manager(t, KindEvaluation).RegisterRun(ctx, f.ds.View(), "eval", &evalConfig{PredField: "pred"}, false, false)
	require.NoError(t, err)

	require.NoError(t, f.ds.DeleteSampleField(ctx, "pred"))
	entries := f.logs.FilterMessage("run references a deleted field").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "eval", entries[0].ContextMap()["key"])
}

func TestDatasetDeleteRemovesResults(t *testing.T) {
	ctx := context.Background()
	exec := hooks.NewExecutor(nil, nil)
	f := newFixture(t, dataset.WithHooks(exec))
	RegisterHooks(exec, f.ds.Database(), f.blobs, f.logger)
	m := f.manager(t, KindBrain)

	_, err := m.RegisterRun(ctx, f.ds.View(), "uniqueness", &uniquenessConfig{}, false, false)
	require.NoError(t, err)
	require.NoError(t, m.SaveRunResults(ctx, "uniqueness", bson.M{"ok": true}, false, false))
	info, err := m.GetRunInfo(ctx, "uniqueness")
	require.NoError(t, err)

	require.NoError(t, f.ds.Delete(ctx))

	exists, err := f.blobs.Exists(ctx, info.Results)
	require.NoError(t, err)
	assert.False(t, exists)
	n, err := f.ds.Database().Collection(dataset.RunsCollection).CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunMetrics(t *testing.T) {
	ctx := context.Background()
	met := metrics.New(metrics.Config{})
	f := newFixture(t, dataset.WithMetrics(met))
	m := f.manager(t, KindBrain)

	_, err := m.RegisterRun(ctx, f.ds.View(), "uniqueness", &uniquenessConfig{}, false, false)
	require.NoError(t, err)
	require.NoError(t, m.DeleteRun(ctx, "uniqueness", false))

	n, err := testutil.GatherAndCount(met.Registry, "curate_run_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestConfigEncoding(t *testing.T) {
	raw, err := encodeConfig(&evalConfig{PredField: "pred", IOU: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "curate.evaluation.DetectionConfig", configClass(raw))

	var doc bson.D
	require.NoError(t, bson.Unmarshal(raw, &doc))
	assert.Equal(t, "cls", doc[0].Key)
	assert.Equal(t, "method", doc[1].Key)
	assert.Equal(t, "detection", doc[1].Value)
}

func TestRenameHelpers(t *testing.T) {
	stages := []bson.D{
		{{Key: "$match", Value: bson.D{
			{Key: "pred.label", Value: "cat"},
			{Key: "$or", Value: bson.A{bson.D{{Key: "pred", Value: bson.D{{Key: "$exists", Value: true}}}}, bson.D{{Key: "predictions", Value: 1}}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "pred.confidence", Value: int32(-1)}}}},
		{{Key: "$limit", Value: int64(3)}},
	}
	out, changed := renameInStages(stages, "pred", "p")
	require.True(t, changed)
	assert.Equal(t, "p.label", out[0][0].Value.(bson.D)[0].Key)
	or := out[0][0].Value.(bson.D)[1].Value.(bson.A)
	assert.Equal(t, "p", or[0].(bson.D)[0].Key)
	assert.Equal(t, "predictions", or[1].(bson.D)[0].Key)
	assert.Equal(t, "p.confidence", out[1][0].Value.(bson.D)[0].Key)
	assert.Equal(t, "pred.label", stages[0][0].Value.(bson.D)[0].Key, "input untouched")

	cfg := bson.D{
		{Key: "pred_field", Value: "pred"},
		{Key: "label_fields", Value: bson.A{"gt", "pred.label"}},
		{Key: "model", Value: "pred"},
	}
	renamed, changed := renameInConfig(cfg, "pred", "p")
	require.True(t, changed)
	assert.Equal(t, bson.D{
		{Key: "pred_field", Value: "p"},
		{Key: "label_fields", Value: bson.A{"gt", "p.label"}},
		{Key: "model", Value: "pred"},
	}, renamed)
	assert.True(t, referencesField(cfg, "pred"))
	assert.False(t, referencesField(cfg, "model"))
}

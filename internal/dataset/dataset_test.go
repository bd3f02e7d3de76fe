package dataset

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/curate-ml/curate/internal/document"
	"github.com/curate-ml/curate/internal/hooks"
	"github.com/curate-ml/curate/internal/metrics"
	"github.com/curate-ml/curate/internal/query"
	"github.com/curate-ml/curate/internal/schema"
	"github.com/curate-ml/curate/internal/store"
	"github.com/curate-ml/curate/internal/store/memstore"
)

func newTestDataset(t *testing.T, db store.Database, name string, opts ...Option) *Dataset {
	t.Helper()
	ds, err := Create(context.Background(), db, name, opts...)
	require.NoError(t, err)
	return ds
}

func addSamples(t *testing.T, ds *Dataset, fields ...map[string]interface{}) []*document.Document {
	t.Helper()
	samples := make([]*document.Document, len(fields))
	for i, f := range fields {
		s, err := ds.NewSample(f)
		require.NoError(t, err)
		samples[i] = s
	}
	_, err := ds.AddSamples(context.Background(), samples)
	require.NoError(t, err)
	return samples
}

func TestCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("curate")

	ds := newTestDataset(t, db, "quickstart")
	assert.Equal(t, "quickstart", ds.Name())
	assert.False(t, ds.Expanded())

	_, err := Create(ctx, db, "quickstart")
	assert.ErrorIs(t, err, ErrDatasetExists)

	_, err = Create(ctx, db, "  ")
	assert.ErrorIs(t, err, ErrInvalidName)

	ok, err := Exists(ctx, db, "quickstart")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = Load(ctx, db, "missing")
	assert.ErrorIs(t, err, ErrDatasetNotFound)

	loaded, err := Load(ctx, db, "quickstart")
	require.NoError(t, err)
	assert.Equal(t, ds.ID(), loaded.ID())
	assert.Equal(t, ds.FieldPaths(), loaded.FieldPaths())

	newTestDataset(t, db, "another")
	names, err := List(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{"another", "quickstart"}, names)
}

func TestLoadVirtualKeepsLastLoaded(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("curate")
	ds := newTestDataset(t, db, "virtual")
	created := ds.Definition().LastLoadedAt

	v, err := Load(ctx, db, "virtual", Virtual())
	require.NoError(t, err)
	assert.True(t, v.Definition().LastLoadedAt.Equal(created))

	var def Definition
	require.NoError(t, db.Collection(DefinitionsCollection).FindOne(ctx, bson.M{"name": "virtual"}, &def))
	assert.True(t, def.LastLoadedAt.Equal(created))
}

func TestAddSamplesAndGet(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, memstore.New("curate"), "samples")

	s, err := ds.NewSample(map[string]interface{}{"filepath": "/img/a.jpg", "weather": "sunny"})
	require.NoError(t, err)
	assert.True(t, ds.Expanded(), "dynamic field declared locally")

	id, err := ds.AddSample(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, id, s.ID())
	assert.False(t, ds.Expanded())
	assert.False(t, s.Changed())

	got, err := ds.GetSample(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "sunny", got.MustGet("weather"))
	assert.NotNil(t, got.MustGet("created_at"))

	require.NoError(t, got.Set("weather", "rainy"))
	require.NoError(t, ds.Save(ctx, got))

	again, err := ds.GetSample(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "rainy", again.MustGet("weather"))

	_, err = ds.GetSample(ctx, primitive.NewObjectID().Hex())
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = ds.GetSample(ctx, "nope")
	assert.ErrorIs(t, err, schema.ErrData)

	n, err := ds.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAddSamples_CopiesSamplesOfOtherDatasets(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("curate")
	src := newTestDataset(t, db, "src")
	dst := newTestDataset(t, db, "dst")

	samples := addSamples(t, src, map[string]interface{}{"filepath": "/a.jpg", "quality": 0.5})
	id, err := dst.AddSample(ctx, samples[0])
	require.NoError(t, err)
	assert.NotEqual(t, samples[0].ID(), id)
	assert.True(t, dst.SchemaRef().Schema().Has("quality"))

	n, err := dst.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAddSamples_StandaloneSample(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, memstore.New("curate"), "standalone")

	gt, err := document.NewClassification("cat", 0.9)
	require.NoError(t, err)
	s, err := document.NewOfKind(schema.KindSample, map[string]interface{}{"filepath": "/cat.jpg", "gt": gt})
	require.NoError(t, err)

	id, err := ds.AddSample(ctx, s)
	require.NoError(t, err)
	assert.True(t, ds.SchemaRef().Schema().Has("gt.label"))

	got, err := ds.GetSample(ctx, id)
	require.NoError(t, err)
	label := got.MustGet("gt").(*document.Document)
	assert.Equal(t, "cat", label.MustGet("label"))
}

// Adding a float field, populating it on 5 of 100 samples and deleting it
// removes it from every sample's schema
func TestDeleteSampleField_RemovesFromEverySample(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("curate")
	ds := newTestDataset(t, db, "scores")
	require.NoError(t, ds.AddSampleField(ctx, "score", schema.Float()))

	fields := make([]map[string]interface{}, 100)
	for i := range fields {
		fields[i] = map[string]interface{}{"filepath": fmt.Sprintf("/img/%03d.jpg", i)}
		if i%20 == 0 {
			fields[i]["score"] = float64(i) / 100
		}
	}
	samples := addSamples(t, ds, fields...)

	withScore := ds.View().Filter(bson.M{"score": bson.M{"$exists": true}})
	n, err := withScore.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	loaded, err := ds.View().All(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 100)

	require.NoError(t, ds.DeleteSampleField(ctx, "score"))

	for _, s := range append(samples, loaded...) {
		_, err := s.Get("score")
		assert.ErrorIs(t, err, schema.ErrFieldNotFound)
	}
	n, err = withScore.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	reloaded, err := Load(ctx, db, "scores")
	require.NoError(t, err)
	assert.NotContains(t, reloaded.FieldPaths(), "score")
}

func TestDeleteSampleField_Errors(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, memstore.New("curate"), "errors")

	err := ds.DeleteSampleField(ctx, "missing")
	assert.ErrorIs(t, err, schema.ErrData)
	assert.Contains(t, err.Error(), `"missing"`)

	assert.ErrorIs(t, ds.DeleteSampleField(ctx, "filepath"), schema.ErrSchemaConsistency)
	assert.ErrorIs(t, ds.DeleteSampleField(ctx, "created_at"), schema.ErrSchemaConsistency)
}

func TestDeleteSampleField_InsideListOfDocuments(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, memstore.New("curate"), "nested")

	det, err := document.NewDetection("dog", 0.8, [4]float64{0.1, 0.1, 0.5, 0.5})
	require.NoError(t, err)
	require.NoError(t, det.Set("iou", 0.75))
	dets, err := document.NewDetections(det)
	require.NoError(t, err)
	addSamples(t, ds, map[string]interface{}{"filepath": "/dog.jpg", "gt": dets})
	require.True(t, ds.SchemaRef().Schema().Has("gt.detections.iou"))

	require.NoError(t, ds.DeleteSampleField(ctx, "gt.detections.iou"))
	assert.False(t, ds.SchemaRef().Schema().Has("gt.detections.iou"))

	n, err := ds.View().Filter(bson.M{"gt.detections.iou": bson.M{"$exists": true}}).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = ds.View().Filter(bson.M{"gt.detections.label": "dog"}).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRenameSampleField(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("curate")

	var payloads []hooks.Payload
	exec := hooks.NewExecutor(nil, nil)
	exec.Register(hooks.FieldRenamed, &hooks.Hook{Name: "record", Fn: func(_ context.Context, p hooks.Payload) error {
		payloads = append(payloads, p)
		return nil
	}})

	ds := newTestDataset(t, db, "rename", WithHooks(exec))
	addSamples(t, ds,
		map[string]interface{}{"filepath": "/a.jpg", "pred": "cat"},
		map[string]interface{}{"filepath": "/b.jpg"},
	)
	require.NoError(t, ds.SetClasses(ctx, "pred", []string{"cat", "dog"}))

	assert.ErrorIs(t, ds.RenameSampleField(ctx, "pred", "filepath"), schema.ErrSchemaConsistency)
	assert.ErrorIs(t, ds.RenameSampleField(ctx, "tags", "labels"), schema.ErrSchemaConsistency)
	assert.ErrorIs(t, ds.RenameSampleField(ctx, "nope", "other"), schema.ErrFieldNotFound)

	require.NoError(t, ds.RenameSampleField(ctx, "pred", "prediction"))
	assert.False(t, ds.SchemaRef().Schema().Has("pred"))
	assert.True(t, ds.SchemaRef().Schema().Has("prediction"))
	assert.Equal(t, map[string][]string{"prediction": {"cat", "dog"}}, ds.Classes())

	first, err := ds.View().Filter(bson.M{"prediction": "cat"}).First(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/a.jpg", first.MustGet("filepath"))

	require.Len(t, payloads, 1)
	assert.Equal(t, hooks.Payload{Dataset: "rename", Paths: []string{"pred"}, NewPath: "prediction"}, payloads[0])

	reloaded, err := Load(ctx, db, "rename")
	require.NoError(t, err)
	assert.Contains(t, reloaded.FieldPaths(), "prediction")
	assert.Equal(t, []string{"cat", "dog"}, reloaded.Classes()["prediction"])
}

func TestCommit_MergesConcurrentExpansions(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("curate")
	newTestDataset(t, db, "shared")

	a, err := Load(ctx, db, "shared")
	require.NoError(t, err)
	b, err := Load(ctx, db, "shared")
	require.NoError(t, err)

	require.NoError(t, a.AddSampleField(ctx, "from_a", schema.Int()))
	require.NoError(t, b.AddSampleField(ctx, "from_b", schema.String()))

	assert.Contains(t, b.FieldPaths(), "from_a", "b picks up a's commit")
	assert.False(t, b.Expanded())

	fresh, err := Load(ctx, db, "shared")
	require.NoError(t, err)
	assert.Contains(t, fresh.FieldPaths(), "from_a")
	assert.Contains(t, fresh.FieldPaths(), "from_b")

	require.NoError(t, a.Reload(ctx))
	assert.Contains(t, a.FieldPaths(), "from_b")
}

func TestCommit_InstallsValidator(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, memstore.New("curate"), "validated")
	require.NoError(t, ds.AddSampleField(ctx, "score", schema.Float()))

	_, err := ds.SampleCollection().InsertOne(ctx, bson.D{{Key: "filepath", Value: "/x.jpg"}, {Key: "score", Value: "high"}})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = ds.SampleCollection().InsertOne(ctx, bson.D{{Key: "score", Value: 0.5}})
	assert.ErrorIs(t, err, store.ErrValidation, "filepath is required")
}

func TestAddSampleField_EmbeddedKind(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, memstore.New("curate"), "embedded")
	require.NoError(t, ds.AddSampleField(ctx, "ground_truth", schema.DocumentOf(schema.KindDetections)))

	paths := ds.FieldPaths()
	assert.Contains(t, paths, "ground_truth.detections")
	assert.Contains(t, paths, "ground_truth.detections.confidence")

	f, ok := ds.SchemaRef().Field("ground_truth.detections.confidence")
	require.True(t, ok)
	assert.NotNil(t, f.Validator)

	assert.ErrorIs(t, ds.AddSampleField(ctx, "ground_truth", schema.Int()), schema.ErrSchemaConsistency)
	assert.ErrorIs(t, ds.AddSampleField(ctx, "bad", schema.ListOf(schema.Int()), schema.Default([]interface{}{})), schema.ErrConfiguration)

	flat := ds.GetFieldSchema(true)
	nested := ds.GetFieldSchema(false)
	assert.Contains(t, flat, "ground_truth.detections")
	assert.NotContains(t, nested, "ground_truth.detections")
	assert.Contains(t, nested, "ground_truth")
}

func TestAddSampleField_RequiredOnNonEmptyDataset(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, memstore.New("curate"), "required")
	addSamples(t, ds, map[string]interface{}{"filepath": "/a.jpg"})

	err := ds.AddSampleField(ctx, "must", schema.String(), schema.Required())
	assert.ErrorIs(t, err, schema.ErrSchemaConsistency)
}

func TestMetadata(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("curate")
	ds := newTestDataset(t, db, "meta")
	require.NoError(t, ds.AddSampleField(ctx, "seg", schema.String()))
	require.NoError(t, ds.AddSampleField(ctx, "pose", schema.String()))

	require.NoError(t, ds.SetClasses(ctx, "seg", []string{"road", "car"}))
	require.NoError(t, ds.SetDefaultClasses(ctx, []string{"thing"}))
	require.NoError(t, ds.SetMaskTargets(ctx, "seg", map[int]string{0: "background", 255: "car"}))
	require.NoError(t, ds.SetSkeleton(ctx, "pose", Skeleton{Labels: []string{"head", "neck"}, Edges: [][]int{{0, 1}}}))
	require.NoError(t, ds.SetInfo(ctx, bson.M{"owner": "vision-team"}))

	assert.ErrorIs(t, ds.SetClasses(ctx, "missing", nil), schema.ErrFieldNotFound)
	assert.ErrorIs(t, ds.SetMaskTargets(ctx, "seg", map[int]string{-1: "x"}), schema.ErrData)
	assert.ErrorIs(t, ds.SetSkeleton(ctx, "pose", Skeleton{Labels: []string{"a"}, Edges: [][]int{{0, 3}}}), schema.ErrData)

	loaded, err := Load(ctx, db, "meta")
	require.NoError(t, err)
	assert.Equal(t, []string{"road", "car"}, loaded.Classes()["seg"])
	assert.Equal(t, []string{"thing"}, loaded.DefaultClasses())
	assert.Equal(t, map[int]string{0: "background", 255: "car"}, loaded.MaskTargets()["seg"])
	assert.Equal(t, [][]int{{0, 1}}, loaded.Skeletons()["pose"].Edges)
	assert.Equal(t, "vision-team", loaded.Info()["owner"])

	require.NoError(t, loaded.DeleteSampleField(ctx, "seg"))
	assert.NotContains(t, loaded.Classes(), "seg")
	assert.NotContains(t, loaded.MaskTargets(), "seg")
}

func TestRunRefsAndResultsCache(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("curate")
	ds := newTestDataset(t, db, "refs")

	id := primitive.NewObjectID()
	require.NoError(t, ds.SetRunRef(ctx, "brain_methods", "uniqueness", id))
	require.NoError(t, ds.RenameRunRef(ctx, "brain_methods", "uniqueness", "uniq"))

	keys, err := ds.RunKeys("brain_methods")
	require.NoError(t, err)
	assert.Equal(t, []string{"uniq"}, keys)

	loaded, err := Load(ctx, db, "refs")
	require.NoError(t, err)
	refs, err := loaded.RunRefs("brain_methods")
	require.NoError(t, err)
	assert.Equal(t, map[string]primitive.ObjectID{"uniq": id}, refs)

	_, err = ds.RunRefs("bogus")
	assert.Error(t, err)

	ds.CacheResults("brain/uniq", 42)
	ds.RenameCachedResults("brain/uniq", "brain/u")
	v, ok := ds.CachedResults("brain/u")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
	_, ok = loaded.CachedResults("brain/u")
	assert.False(t, ok, "cache is per handle")
	ds.UncacheResults("brain/u")
	_, ok = ds.CachedResults("brain/u")
	assert.False(t, ok)

	require.NoError(t, ds.DeleteRunRef(ctx, "brain_methods", "uniq"))
	keys, err = ds.RunKeys("brain_methods")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("curate")

	var fired []string
	exec := hooks.NewExecutor(nil, nil)
	exec.Register(hooks.DatasetDeleted, &hooks.Hook{Name: "record", Fn: func(_ context.Context, p hooks.Payload) error {
		fired = append(fired, p.Dataset)
		return nil
	}})

	ds := newTestDataset(t, db, "doomed", WithHooks(exec))
	addSamples(t, ds, map[string]interface{}{"filepath": "/a.jpg"})

	runID, err := db.Collection(RunsCollection).InsertOne(ctx, bson.M{"key": "eval"})
	require.NoError(t, err)
	require.NoError(t, ds.SetRunRef(ctx, "evaluations", "eval", runID.(primitive.ObjectID)))

	require.NoError(t, ds.Delete(ctx))
	assert.Equal(t, []string{"doomed"}, fired)
	assert.True(t, ds.Deleted())

	ok, err := Exists(ctx, db, "doomed")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := db.Collection(RunsCollection).CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.Zero(t, n)

	names, err := db.ListCollectionNames(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, ds.Definition().SampleCollection)

	_, err = ds.Count(ctx)
	assert.ErrorIs(t, err, ErrDatasetDeleted)
	assert.ErrorIs(t, ds.Commit(ctx), ErrDatasetDeleted)

	assert.ErrorIs(t, Delete(ctx, db, "doomed"), ErrDatasetNotFound)
}

func TestView(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(metrics.Config{})
	ds := newTestDataset(t, memstore.New("curate"), "view", WithMetrics(m))

	fields := []map[string]interface{}{
		{"filepath": "/a.jpg", "num_channels": 3, "size_bytes": 1500},
		{"filepath": "/b.jpg", "num_channels": 1, "size_bytes": 2500},
		{"filepath": "/c.jpg", "num_channels": 3, "size_bytes": 900},
		{"filepath": "/d.jpg", "num_channels": 1, "size_bytes": 100},
	}
	addSamples(t, ds, fields...)

	base := ds.View()
	view := base.Filter(map[string]interface{}{
		"num_channels": 3,
		"size_bytes":   map[string]interface{}{">": 1000},
	}).Sort("size_bytes", query.Ascending).Limit(1)
	require.NoError(t, view.Err())
	assert.Same(t, ds, view.Dataset())
	assert.Zero(t, base.Pipeline().Len())

	docs, err := view.All(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "/a.jpg", docs[0].MustGet("filepath"))

	it, err := ds.View().SortBy("size_bytes", true).Offset(1).Iter(ctx)
	require.NoError(t, err)
	defer it.Close(ctx)
	var indexes []int64
	for it.Next(ctx) {
		indexes = append(indexes, it.Index())
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []int64{1, 2, 3}, indexes)

	replayed := ds.ViewFrom(view.Pipeline())
	n, err := replayed.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	families, err := testutil.GatherAndCount(m.Registry, "curate_aggregations_total")
	require.NoError(t, err)
	assert.Equal(t, 3, families, "one series per operation")
}

func TestView_Export(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, memstore.New("curate"), "export")

	src := t.TempDir()
	var fields []map[string]interface{}
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		path := src + "/" + name
		require.NoError(t, writeFile(path, name))
		fields = append(fields, map[string]interface{}{"filepath": path, "rank": len(fields)})
	}
	addSamples(t, ds, fields...)

	out := t.TempDir()
	res, err := ds.View().Export(ctx, out, query.ExportOptions{PrettyPrint: true})
	require.NoError(t, err)
	assert.Len(t, res.Media, 3)
	assert.Len(t, res.Labels, 3)

	_, err = ds.View().Export(ctx, out, query.ExportOptions{})
	assert.ErrorIs(t, err, query.ErrExportDirNotEmpty)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

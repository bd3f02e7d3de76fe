package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/curate-ml/curate/internal/blob"
	"github.com/curate-ml/curate/internal/cli/config"
	"github.com/curate-ml/curate/internal/dataset"
	"github.com/curate-ml/curate/internal/metrics"
	"github.com/curate-ml/curate/internal/runs"
	"github.com/curate-ml/curate/internal/schema"
	"github.com/curate-ml/curate/internal/store/memstore"
	"github.com/curate-ml/curate/internal/version"
)

type harness struct {
	db    *memstore.Database
	blobs blob.Store
	env   *Env
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := memstore.New("curate")
	blobs := blob.NewMemory()
	cfg := &config.Config{Export: config.ExportConfig{Workers: 2}}
	return &harness{
		db:    db,
		blobs: blobs,
		env:   NewEnv(cfg, db, blobs, nil, metrics.New(metrics.Config{})),
	}
}

// exec runs the CLI against the harness database and returns the combined
// output
func (h *harness) exec(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(func(ctx context.Context, configDir string) (*Env, error) {
		return h.env, nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--no-color"}, args...))
	err := execute(cmd)
	return out.String(), err
}

// seed creates "quickstart" with four samples
func (h *harness) seed(t *testing.T) *dataset.Dataset {
	t.Helper()
	ctx := context.Background()
	ds, err := dataset.Create(ctx, h.db, "quickstart", h.env.DatasetOptions()...)
	require.NoError(t, err)

	dir := t.TempDir()
	for i, size := range []int{1500, 2500, 900, 100} {
		path := filepath.Join(dir, string(rune('a'+i))+".jpg")
		require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o644))
		s, err := ds.NewSample(map[string]interface{}{"filepath": path, "size_bytes": size})
		require.NoError(t, err)
		_, err = ds.AddSample(ctx, s)
		require.NoError(t, err)
	}
	return ds
}

func (h *harness) registerRun(t *testing.T, ds *dataset.Dataset, kind runs.Kind, key string, view dataset.View) *runs.Manager {
	t.Helper()
	m, err := runs.NewManager(ds, kind, h.env.RunOptions())
	require.NoError(t, err)
	cfg := &runs.BaseConfig{
		RunKind: kind,
		Name:    "test-method",
		Class:   "commands_test.Config",
		Params:  bson.M{"pred_field": "size_bytes"},
	}
	_, err = m.RegisterRun(context.Background(), view, key, cfg, false, false)
	require.NoError(t, err)
	return m
}

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "curate", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Long)

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"version", "datasets", "count", "export", "fields", "runs"} {
		assert.Contains(t, names, want)
	}
}

func TestVersionCommand(t *testing.T) {
	h := newHarness(t)
	out, err := h.exec(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Curate version: "+version.Version)
	assert.Contains(t, out, "Go version: "+version.Go())
}

func TestDatasetsList(t *testing.T) {
	h := newHarness(t)

	out, err := h.exec(t, "", "datasets", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No datasets found")

	h.seed(t)
	_, err = dataset.Create(context.Background(), h.db, "empty", h.env.DatasetOptions()...)
	require.NoError(t, err)

	out, err = h.exec(t, "", "datasets", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[2], "empty "), lines[2])
	assert.Contains(t, lines[2], " 0 ")
	assert.True(t, strings.HasPrefix(lines[3], "quickstart "), lines[3])
	assert.Contains(t, lines[3], " 4 ")
}

func TestDatasetsInfo(t *testing.T) {
	h := newHarness(t)
	ds := h.seed(t)
	require.NoError(t, ds.SetDefaultClasses(context.Background(), []string{"cat", "dog"}))
	h.registerRun(t, ds, runs.KindBrain, "similarity", ds.View())

	out, err := h.exec(t, "", "datasets", "info", "quickstart")
	require.NoError(t, err)
	assert.Contains(t, out, "Name:")
	assert.Contains(t, out, "quickstart")
	assert.Contains(t, out, "Samples:")
	assert.Contains(t, out, "Default classes: cat, dog")
	assert.Contains(t, out, "Fields")
	assert.Contains(t, out, "filepath")
	assert.Contains(t, out, "size_bytes")
	assert.Contains(t, out, "builtin")
	assert.Contains(t, out, "Runs")
	assert.Contains(t, out, "brain  similarity")
}

func TestUnknownDatasetSuggestsNames(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	out, err := h.exec(t, "", "count", "quickstrat")
	require.Error(t, err)
	assert.ErrorIs(t, err, dataset.ErrDatasetNotFound)
	assert.Contains(t, out, "DATASET NOT FOUND")
	assert.Contains(t, out, "Did you mean: quickstart?")
	assert.Contains(t, out, "curate datasets list")
}

func TestCount(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"all", nil, "4"},
		{"filter", []string{"--filter", `{"size_bytes": {"$gt": 1000}}`}, "2"},
		{"limit", []string{"--limit", "3"}, "3"},
		{"zero limit", []string{"--limit", "0"}, "0"},
		{"sort offset limit", []string{"--sort", "size_bytes", "--desc", "--offset", "3", "--limit", "5"}, "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := h.exec(t, "", append([]string{"count", "quickstart"}, tt.args...)...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, strings.TrimSpace(out))
		})
	}

	_, err := h.exec(t, "", "count", "quickstart", "--filter", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --filter")
}

func TestExport(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	dir := filepath.Join(t.TempDir(), "out")

	out, err := h.exec(t, "", "export", "quickstart", dir, "--filter", `{"size_bytes": {"$gte": 900}}`, "--pretty")
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 3 samples to "+dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 6, "one media file and one label file per sample")

	out, err = h.exec(t, "", "export", "quickstart", dir)
	require.Error(t, err)
	assert.Contains(t, out, "failed")
}

func TestFieldsRename_PatchesRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ds := h.seed(t)
	h.registerRun(t, ds, runs.KindEvaluation, "eval", ds.View().Filter(bson.M{"size_bytes": bson.M{"$gt": 1000}}))

	out, err := h.exec(t, "", "fields", "rename", "quickstart", "size_bytes", "bytes")
	require.NoError(t, err)
	assert.Contains(t, out, "Renamed field 'size_bytes' to 'bytes'")

	reloaded, err := dataset.Load(ctx, h.db, "quickstart", h.env.DatasetOptions()...)
	require.NoError(t, err)
	assert.Contains(t, reloaded.FieldPaths(), "bytes")
	assert.NotContains(t, reloaded.FieldPaths(), "size_bytes")

	m, err := runs.NewManager(reloaded, runs.KindEvaluation, h.env.RunOptions())
	require.NoError(t, err)
	view, err := m.LoadRunView(ctx, "eval", false)
	require.NoError(t, err)
	n, err := view.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	info, err := m.GetRunInfo(ctx, "eval")
	require.NoError(t, err)
	base := info.Config.(*runs.BaseConfig)
	assert.Equal(t, "bytes", base.Params["pred_field"])
}

func TestFieldsDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t)

	out, err := h.exec(t, "", "fields", "delete", "quickstart", "size_byte")
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrFieldNotFound)
	assert.Contains(t, out, "FIELD NOT FOUND")
	assert.Contains(t, out, "Did you mean: size_bytes?")

	out, err = h.exec(t, "", "fields", "delete", "quickstart", "size_bytes")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted field 'size_bytes'")

	reloaded, err := dataset.Load(ctx, h.db, "quickstart", dataset.Virtual())
	require.NoError(t, err)
	assert.NotContains(t, reloaded.FieldPaths(), "size_bytes")
	n, err := reloaded.SampleCollection().CountDocuments(ctx, bson.M{"size_bytes": bson.M{"$exists": true}})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.exec(t, "", "fields", "delete", "quickstart", "filepath")
	assert.ErrorIs(t, err, schema.ErrSchemaConsistency)
}

func TestRunsCommands(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ds := h.seed(t)

	out, err := h.exec(t, "", "runs", "list", "quickstart")
	require.NoError(t, err)
	assert.Contains(t, out, "Dataset 'quickstart' has no runs")

	eval := h.registerRun(t, ds, runs.KindEvaluation, "eval", ds.View())
	h.registerRun(t, ds, runs.KindBrain, "similarity", ds.View().Limit(2))
	require.NoError(t, eval.SaveRunResults(ctx, "eval", bson.M{"precision": 0.5}, false, false))
	info, err := eval.GetRunInfo(ctx, "eval")
	require.NoError(t, err)
	blobKey := info.Results

	out, err = h.exec(t, "", "runs", "list", "quickstart")
	require.NoError(t, err)
	assert.Contains(t, out, "evaluation  eval")
	assert.Contains(t, out, "brain       similarity")
	assert.Contains(t, out, "test-method")
	assert.Contains(t, out, version.Version)

	out, err = h.exec(t, "", "runs", "list", "quickstart", "--kind", "brain")
	require.NoError(t, err)
	assert.NotContains(t, out, "eval ")
	assert.Contains(t, out, "similarity")

	_, err = h.exec(t, "", "runs", "list", "quickstart", "--kind", "training")
	assert.Error(t, err)

	out, err = h.exec(t, "", "runs", "delete", "quickstart", "evl", "--kind", "evaluation")
	require.Error(t, err)
	assert.ErrorIs(t, err, runs.ErrRunNotFound)
	assert.Contains(t, out, "Did you mean: eval?")

	out, err = h.exec(t, "", "runs", "delete", "quickstart", "eval", "--kind", "evaluation")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted evaluation run 'eval'")
	exists, err := h.blobs.Exists(ctx, blobKey)
	require.NoError(t, err)
	assert.False(t, exists, "results blob is deleted with the run")

	_, err = h.db.Collection(dataset.RunsCollection).DeleteMany(ctx, bson.M{"key": "similarity"})
	require.NoError(t, err)

	out, err = h.exec(t, "", "runs", "patch", "quickstart")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed dangling brain run 'similarity'")

	out, err = h.exec(t, "", "runs", "patch", "quickstart")
	require.NoError(t, err)
	assert.Contains(t, out, "No dangling run references")
}

func TestDatasetsDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ds := h.seed(t)
	m := h.registerRun(t, ds, runs.KindEvaluation, "eval", ds.View())
	require.NoError(t, m.SaveRunResults(ctx, "eval", bson.M{"recall": 0.25}, false, false))
	info, err := m.GetRunInfo(ctx, "eval")
	require.NoError(t, err)

	out, err := h.exec(t, "n\n", "datasets", "delete", "quickstart")
	require.NoError(t, err)
	assert.Contains(t, out, "Aborted")
	exists, err := dataset.Exists(ctx, h.db, "quickstart")
	require.NoError(t, err)
	assert.True(t, exists)

	out, err = h.exec(t, "", "datasets", "delete", "quickstart", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted dataset 'quickstart'")

	exists, err = dataset.Exists(ctx, h.db, "quickstart")
	require.NoError(t, err)
	assert.False(t, exists)
	blobExists, err := h.blobs.Exists(ctx, info.Results)
	require.NoError(t, err)
	assert.False(t, blobExists)
	n, err := h.db.Collection(dataset.RunsCollection).CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatsFlag(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	out, err := h.exec(t, "", "--stats", "count", "quickstart")
	require.NoError(t, err)
	assert.Contains(t, out, `curate_aggregations_total{operation="count"}`)
}

func TestConfigErrorIsRendered(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "curate.yml"), []byte("results:\n  backend: s3\n"), 0o644))

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--no-color", "--config-dir", dir, "datasets", "list"})

	err := execute(cmd)
	require.Error(t, err)
	assert.Contains(t, out.String(), "CONFIGURATION ERROR")
	assert.Contains(t, out.String(), "results.backend")
}

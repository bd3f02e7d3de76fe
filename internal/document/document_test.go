package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/curate-ml/curate/internal/schema"
)

func sampleRef(t *testing.T) *SchemaRef {
	t.Helper()
	ref, err := RefForKind(schema.KindSample)
	require.NoError(t, err)
	return ref
}

func TestNew_RequiredAndDefaults(t *testing.T) {
	ref := sampleRef(t)

	_, err := New(ref, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrData)
	assert.Contains(t, err.Error(), "filepath")

	d, err := New(ref, map[string]interface{}{"filepath": "/data/a.jpg"})
	require.NoError(t, err)
	tags, err := d.Get("tags")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{}, tags)

	other, err := New(ref, map[string]interface{}{"filepath": "/data/b.jpg"})
	require.NoError(t, err)
	require.NoError(t, d.Set("tags", []string{"train"}))
	otherTags, _ := other.Get("tags")
	assert.Empty(t, otherTags, "defaults must not alias across documents")
}

func TestGetSetClear(t *testing.T) {
	ref := sampleRef(t)
	d, err := New(ref, map[string]interface{}{"filepath": "/data/a.jpg"})
	require.NoError(t, err)

	// reading a never-declared field is an error
	_, err = d.Get("score")
	assert.ErrorIs(t, err, schema.ErrFieldNotFound)

	// assigning declares it on a dynamic document
	require.NoError(t, d.Set("score", 0.5))
	v, err := d.Get("score")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)
	f, ok := ref.Schema().Get("score")
	require.True(t, ok)
	assert.Equal(t, schema.KindFloat, f.Type.Kind)

	// the declared type now governs writes
	err = d.Set("score", "high")
	assert.ErrorIs(t, err, schema.ErrData)

	// nil means unset, not null
	require.NoError(t, d.Set("score", nil))
	v, err = d.Get("score")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.NotContains(t, d.ToSerializable(false).Map(), "score")

	assert.ErrorIs(t, d.Clear("nope"), schema.ErrFieldNotFound)
}

func TestReadOnly(t *testing.T) {
	d, err := New(sampleRef(t), map[string]interface{}{"filepath": "/data/a.jpg"})
	require.NoError(t, err)

	err = d.Set("created_at", time.Now())
	assert.ErrorIs(t, err, schema.ErrReadOnly)
	err = d.Set("_id", primitive.NewObjectID())
	assert.ErrorIs(t, err, schema.ErrReadOnly)

	require.NoError(t, d.SetInternal("created_at", time.Now()))
	assert.ErrorIs(t, d.Clear("created_at"), schema.ErrReadOnly)
}

func TestLinkTransparency(t *testing.T) {
	oid := primitive.NewObjectID()
	d, err := FromSerialized(sampleRef(t), bson.D{
		{Key: "_id", Value: oid},
		{Key: "filepath", Value: "/data/a.jpg"},
	})
	require.NoError(t, err)

	viaLink, err := d.Get("id")
	require.NoError(t, err)
	direct, err := d.Get("_id")
	require.NoError(t, err)
	assert.Equal(t, direct, viaLink)
	assert.Equal(t, oid.Hex(), d.ID())

	det, err := NewDetection("cat", 0.9, [4]float64{0.1, 0.1, 0.5, 0.5})
	require.NoError(t, err)
	labelID, _ := det.Get("_id")
	linked, _ := det.Get("id")
	assert.Equal(t, labelID, linked)
}

func TestSetValidator(t *testing.T) {
	c, err := NewClassification("cat", 0.9)
	require.NoError(t, err)

	err = c.Set("confidence", 1.5)
	var ve *schema.ValidationErrors
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "confidence")

	_, err = NewDetection("cat", 0.9, [4]float64{0.1, 0.1, 2, 0.5})
	assert.ErrorIs(t, err, schema.ErrData)
}

func TestInheritMergesChildSchema(t *testing.T) {
	ref := sampleRef(t)
	sample, err := New(ref, map[string]interface{}{"filepath": "/data/a.jpg"})
	require.NoError(t, err)

	det, err := NewDetection("cat", 0.9, [4]float64{0.1, 0.1, 0.5, 0.5})
	require.NoError(t, err)
	require.NoError(t, det.Set("iscrowd", true))
	dets, err := NewDetections(det)
	require.NoError(t, err)

	require.NoError(t, sample.Set("ground_truth", dets))

	for _, p := range []string{
		"ground_truth",
		"ground_truth.detections",
		"ground_truth.detections.label",
		"ground_truth.detections.iscrowd",
	} {
		assert.True(t, ref.Schema().Has(p), p)
	}

	// the grandchild now resolves through the sample's handle
	assert.Same(t, ref, det.Ref())
	assert.Equal(t, "ground_truth.detections", det.Prefix())

	// a dynamic write on the grandchild lands in the sample schema
	require.NoError(t, det.Set("area", 0.25))
	assert.True(t, ref.Schema().Has("ground_truth.detections.area"))
}

func TestInheritConflictPanics(t *testing.T) {
	ref := sampleRef(t)
	sample, err := New(ref, map[string]interface{}{"filepath": "/data/a.jpg"})
	require.NoError(t, err)

	first, _ := NewClassification("cat", 0.9)
	require.NoError(t, first.Set("source", "model"))
	require.NoError(t, sample.Set("pred", first))

	second, _ := NewClassification("dog", 0.8)
	require.NoError(t, second.Set("source", 7))

	assert.Panics(t, func() { _ = sample.Set("pred", second) })
}

func TestNonDynamicKind(t *testing.T) {
	m, err := NewMetadata(1024, "image/jpeg", 640, 480, 3)
	require.NoError(t, err)

	err = m.Set("exif", "x")
	assert.ErrorIs(t, err, schema.ErrFieldNotFound)

	_, err = NewOfKind(schema.KindMetadata, map[string]interface{}{"size_bytes": -1})
	assert.ErrorIs(t, err, schema.ErrData)
}

func TestSerializationRoundTrip(t *testing.T) {
	ref := sampleRef(t)
	sample, err := New(ref, map[string]interface{}{
		"filepath": "/data/a.jpg",
		"tags":     []string{"train", "hard"},
		"weather":  map[string]interface{}{"rain": true, "temp": 21.5},
		"taken_at": time.Date(2024, 3, 1, 10, 30, 0, 987654321, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, sample.SetInternal("_id", primitive.NewObjectID()))

	meta, _ := NewMetadata(2048, "image/png", 32, 32, 3)
	require.NoError(t, sample.Set("metadata", meta))
	cls, _ := NewClassification("cat", 0.75)
	require.NoError(t, sample.Set("ground_truth", cls))

	first := sample.ToSerializable(false)
	again, err := FromSerialized(ref, first)
	require.NoError(t, err)
	second := again.ToSerializable(false)

	b1, err := bson.Marshal(first)
	require.NoError(t, err)
	b2, err := bson.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)

	keys := make([]string, len(first))
	for i, e := range first {
		keys[i] = e.Key
	}
	assert.IsIncreasing(t, keys)
	assert.NotContains(t, keys, "id")

	gt, err := again.Get("ground_truth")
	require.NoError(t, err)
	require.IsType(t, &Document{}, gt)
	assert.Equal(t, schema.KindClassification, gt.(*Document).DocumentKind())
}

func TestFromSerialized_StoreTypes(t *testing.T) {
	ref := sampleRef(t)

	// shapes produced by decoding a stored document
	raw := bson.D{
		{Key: "_id", Value: primitive.NewObjectID()},
		{Key: "filepath", Value: "/data/a.jpg"},
		{Key: "created_at", Value: primitive.NewDateTimeFromTime(time.Unix(1700000000, 0))},
		{Key: "count", Value: int32(4)},
		{Key: "metadata", Value: bson.D{{Key: "_cls", Value: "Metadata"}, {Key: "width", Value: int32(10)}}},
		{Key: "preds", Value: bson.D{
			{Key: "_cls", Value: "Detections"},
			{Key: "detections", Value: bson.A{
				bson.D{{Key: "_cls", Value: "Detection"}, {Key: "label", Value: "cat"}, {Key: "_id", Value: primitive.NewObjectID()}},
			}},
		}},
	}

	d, err := FromSerialized(ref, raw)
	require.NoError(t, err)
	assert.False(t, d.Changed())

	created, _ := d.Get("created_at")
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), created)
	count, _ := d.Get("count")
	assert.Equal(t, int64(4), count)

	preds, _ := d.Get("preds")
	dets, _ := preds.(*Document).Get("detections")
	require.Len(t, dets, 1)
	label, _ := dets.([]interface{})[0].(*Document).Get("label")
	assert.Equal(t, "cat", label)
	assert.True(t, ref.Schema().Has("preds.detections.label"))
}

func TestChangeTracking(t *testing.T) {
	ref := sampleRef(t)
	d, err := FromSerialized(ref, bson.D{
		{Key: "_id", Value: primitive.NewObjectID()},
		{Key: "filepath", Value: "/data/a.jpg"},
		{Key: "ground_truth", Value: bson.D{{Key: "_cls", Value: "Classification"}, {Key: "label", Value: "cat"}}},
	})
	require.NoError(t, err)
	assert.Empty(t, d.ChangedFields())

	// writing the same value is not a change
	require.NoError(t, d.Set("filepath", "/data/a.jpg"))
	assert.Empty(t, d.ChangedFields())

	gt, _ := d.Get("ground_truth")
	require.NoError(t, gt.(*Document).Set("label", "dog"))
	require.NoError(t, d.Set("filepath", "/data/b.jpg"))
	assert.Equal(t, []string{"filepath", "ground_truth"}, d.ChangedFields())

	change := d.Changes()["filepath"]
	require.NotNil(t, change)
	assert.Equal(t, "/data/a.jpg", change.OldValue)

	d.ResetChanges()
	assert.False(t, d.Changed())
}

func TestCopy(t *testing.T) {
	ref := sampleRef(t)
	d, err := New(ref, map[string]interface{}{"filepath": "/data/a.jpg", "tags": []string{"a"}})
	require.NoError(t, err)
	require.NoError(t, d.SetInternal("_id", primitive.NewObjectID()))

	c := d.Copy()
	assert.Empty(t, c.ID())
	require.NoError(t, c.Set("tags", []string{"b"}))
	tags, _ := d.Get("tags")
	assert.Equal(t, []interface{}{"a"}, tags)
}

package document

import (
	"fmt"

	"github.com/curate-ml/curate/internal/schema"
)

func init() {
	RegisterKind(schema.KindSample, KindSpec{Dynamic: true})

	RegisterKind(schema.KindMetadata, KindSpec{
		Fields: func() []*schema.Field {
			return []*schema.Field{
				schema.MustDeclare("size_bytes", schema.Int(), schema.WithValidator(&schema.MinValidator{Min: 0})),
				schema.MustDeclare("mime_type", schema.String()),
				schema.MustDeclare("width", schema.Int()),
				schema.MustDeclare("height", schema.Int()),
				schema.MustDeclare("num_channels", schema.Int()),
			}
		},
	})

	RegisterKind(schema.KindClassification, KindSpec{
		Dynamic: true,
		Fields: func() []*schema.Field {
			return []*schema.Field{
				schema.MustDeclare("label", schema.String()),
				schema.MustDeclare("confidence", schema.Float(), schema.WithValidator(confidenceRange)),
			}
		},
	})

	RegisterKind(schema.KindDetection, KindSpec{
		Dynamic: true,
		Fields: func() []*schema.Field {
			return []*schema.Field{
				schema.MustDeclare("label", schema.String()),
				schema.MustDeclare("confidence", schema.Float(), schema.WithValidator(confidenceRange)),
				schema.MustDeclare("bounding_box", schema.ListOf(schema.Float())),
			}
		},
		PostInit: checkBoundingBox,
	})

	RegisterKind(schema.KindDetections, KindSpec{
		Dynamic: true,
		Fields: func() []*schema.Field {
			return []*schema.Field{
				schema.MustDeclare("detections", schema.ListOf(schema.DocumentOf(schema.KindDetection)),
					schema.DefaultFactory(func() interface{} { return []interface{}{} })),
			}
		},
	})
}

var confidenceRange = schema.Chain(&schema.MinValidator{Min: 0}, &schema.MaxValidator{Max: 1})

// checkBoundingBox requires [x, y, w, h] in relative coordinates
func checkBoundingBox(d *Document) error {
	v, err := d.Get("bounding_box")
	if err != nil || v == nil {
		return err
	}
	box, _ := v.([]interface{})
	if len(box) != 4 {
		return fmt.Errorf("%w: bounding_box must have 4 elements, got %d", schema.ErrData, len(box))
	}
	for _, c := range box {
		if f, _ := schema.ToFloat64(c); f < 0 || f > 1 {
			return fmt.Errorf("%w: bounding_box coordinates must be in [0, 1]", schema.ErrData)
		}
	}
	return nil
}

// NewClassification returns a classification label
func NewClassification(label string, confidence float64) (*Document, error) {
	return NewOfKind(schema.KindClassification, map[string]interface{}{
		"label":      label,
		"confidence": confidence,
	})
}

// NewDetection returns a detection with a relative [x, y, w, h] box
func NewDetection(label string, confidence float64, box [4]float64) (*Document, error) {
	return NewOfKind(schema.KindDetection, map[string]interface{}{
		"label":        label,
		"confidence":   confidence,
		"bounding_box": box[:],
	})
}

// NewDetections groups detections into a single label
func NewDetections(dets ...*Document) (*Document, error) {
	items := make([]interface{}, len(dets))
	for i, d := range dets {
		items[i] = d
	}
	return NewOfKind(schema.KindDetections, map[string]interface{}{"detections": items})
}

// NewMetadata returns media metadata
func NewMetadata(sizeBytes int64, mimeType string, width, height, numChannels int) (*Document, error) {
	return NewOfKind(schema.KindMetadata, map[string]interface{}{
		"size_bytes":   sizeBytes,
		"mime_type":    mimeType,
		"width":        width,
		"height":       height,
		"num_channels": numChannels,
	})
}

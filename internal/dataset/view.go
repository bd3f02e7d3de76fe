package dataset

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/curate-ml/curate/internal/document"
	"github.com/curate-ml/curate/internal/query"
	"github.com/curate-ml/curate/internal/store"
)

// View is an immutable pipeline anchored to a dataset. Every stage method
// returns a new View.
type View struct {
	ds       *Dataset
	pipeline query.Pipeline
}

// View returns a fresh, empty view over every sample
func (d *Dataset) View() View {
	return View{ds: d, pipeline: query.New()}
}

// ViewFrom anchors an existing pipeline to the dataset
func (d *Dataset) ViewFrom(p query.Pipeline) View {
	return View{ds: d, pipeline: p}
}

// Dataset returns the root dataset the view is derived from
func (v View) Dataset() *Dataset { return v.ds }

// Pipeline returns the view's stage pipeline
func (v View) Pipeline() query.Pipeline { return v.pipeline }

// Err returns the first invalid stage error, if any
func (v View) Err() error { return v.pipeline.Err() }

// Wire returns the persisted form of the view's stages
func (v View) Wire() ([]bson.D, error) { return v.pipeline.Wire() }

func (v View) with(p query.Pipeline) View {
	return View{ds: v.ds, pipeline: p}
}

// Filter appends a $match stage
func (v View) Filter(pred interface{}) View { return v.with(v.pipeline.Filter(pred)) }

// Match appends a filter on a single condition
func (v View) Match(field string, op query.Operator, value interface{}) View {
	return v.with(v.pipeline.Match(field, op, value))
}

// Sort appends an order-by stage
func (v View) Sort(path string, dir query.Direction) View { return v.with(v.pipeline.Sort(path, dir)) }

// SortBy appends an order-by stage, descending when desc is set
func (v View) SortBy(path string, desc bool) View { return v.with(v.pipeline.SortBy(path, desc)) }

// Offset appends a skip stage
func (v View) Offset(n int64) View { return v.with(v.pipeline.Offset(n)) }

// Limit appends a limit stage
func (v View) Limit(n int64) View { return v.with(v.pipeline.Limit(n)) }

// Sample appends a random sample stage
func (v View) Sample(k int64) View { return v.with(v.pipeline.Sample(k)) }

// Select keeps only fields
func (v View) Select(fields ...string) View { return v.with(v.pipeline.Select(fields...)) }

// Exclude drops fields
func (v View) Exclude(fields ...string) View { return v.with(v.pipeline.Exclude(fields...)) }

// Count returns the number of samples in the view
func (v View) Count(ctx context.Context) (int64, error) {
	if err := v.ds.checkAlive(); err != nil {
		return 0, err
	}
	return v.pipeline.Count(ctx, v.ds.source("count"))
}

// Iter streams the view's samples
func (v View) Iter(ctx context.Context) (*query.Iterator, error) {
	if err := v.ds.checkAlive(); err != nil {
		return nil, err
	}
	return v.pipeline.Iter(ctx, v.ds.source("iter"))
}

// First returns the first sample of the view
func (v View) First(ctx context.Context) (*document.Document, error) {
	if err := v.ds.checkAlive(); err != nil {
		return nil, err
	}
	return v.pipeline.First(ctx, v.ds.source("first"))
}

// All loads every sample of the view
func (v View) All(ctx context.Context) ([]*document.Document, error) {
	if err := v.ds.checkAlive(); err != nil {
		return nil, err
	}
	return v.pipeline.All(ctx, v.ds.source("all"))
}

// Export copies the view's media and labels into dir
func (v View) Export(ctx context.Context, dir string, opts query.ExportOptions) (*query.ExportResult, error) {
	if err := v.ds.checkAlive(); err != nil {
		return nil, err
	}
	return v.pipeline.Export(ctx, v.ds.source("export"), dir, opts)
}

// String describes the view
func (v View) String() string {
	return v.ds.Name() + " " + v.pipeline.String()
}

// sampleSource executes pipelines against the sample collection and
// records each round trip
type sampleSource struct {
	ds        *Dataset
	operation string
}

func (d *Dataset) source(operation string) *sampleSource {
	return &sampleSource{ds: d, operation: operation}
}

func (s *sampleSource) Aggregate(ctx context.Context, stages []bson.D) (store.Cursor, error) {
	start := time.Now()
	cur, err := s.ds.samples.Aggregate(ctx, stages)
	s.ds.opts.metrics.ObserveAggregation(s.operation, start, err)
	if err != nil {
		s.ds.logger.Debug("aggregation failed", err, map[string]interface{}{"operation": s.operation})
	}
	return cur, err
}

func (s *sampleSource) NewDocument(raw bson.D) (*document.Document, error) {
	return document.FromSerialized(s.ds.ref, raw)
}

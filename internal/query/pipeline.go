// Package query implements immutable stage pipelines over a document
// collection. A Pipeline is a value: every stage method returns a new
// Pipeline and leaves the receiver untouched, so one base pipeline can be
// forked into many queries. Executing a pipeline compiles all stages into
// a single aggregation request.
package query

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/curate-ml/curate/internal/document"
	"github.com/curate-ml/curate/internal/schema"
	"github.com/curate-ml/curate/internal/store"
)

// Source is the collection a pipeline executes against
type Source interface {
	// Aggregate runs the compiled stages as one request
	Aggregate(ctx context.Context, stages []bson.D) (store.Cursor, error)

	// NewDocument builds a document from one raw result
	NewDocument(raw bson.D) (*document.Document, error)
}

// Pipeline is an append-only list of stages. The zero value is the empty
// pipeline.
type Pipeline struct {
	stages []Stage
	err    error
}

// New returns an empty pipeline
func New() Pipeline {
	return Pipeline{}
}

// FromWire rebuilds a pipeline from persisted stage documents
func FromWire(stages []bson.D) (Pipeline, error) {
	p := New()
	for i, raw := range stages {
		s, err := StageFromWire(raw)
		if err != nil {
			return Pipeline{}, fmt.Errorf("stage %d: %w", i, err)
		}
		p = p.with(s, nil)
	}
	return p, nil
}

// with returns a new pipeline with s appended. A pipeline that already
// failed keeps its first error.
func (p Pipeline) with(s Stage, err error) Pipeline {
	if p.err != nil {
		return p
	}
	if err != nil {
		return Pipeline{stages: p.stages, err: err}
	}
	stages := make([]Stage, len(p.stages), len(p.stages)+1)
	copy(stages, p.stages)
	return Pipeline{stages: append(stages, s)}
}

// Filter appends a $match stage. pred may be a *PredicateGroup, a bson.D,
// a bson.M or a map; symbolic operators such as ">" are accepted.
func (p Pipeline) Filter(pred interface{}) Pipeline {
	return p.with(newFilter(pred))
}

// Match appends a filter on a single condition
func (p Pipeline) Match(field string, op Operator, value interface{}) Pipeline {
	return p.Filter(Where(field, op, value))
}

// Sort appends an order-by stage
func (p Pipeline) Sort(path string, dir Direction) Pipeline {
	return p.with(newSort(path, dir))
}

// SortBy appends an ascending sort, or a descending one when desc is set
func (p Pipeline) SortBy(path string, desc bool) Pipeline {
	if desc {
		return p.Sort(path, Descending)
	}
	return p.Sort(path, Ascending)
}

// Offset appends a skip stage
func (p Pipeline) Offset(n int64) Pipeline {
	return p.with(newCount(StageOffset, n))
}

// Limit appends a limit stage. Limit(0) yields nothing.
func (p Pipeline) Limit(n int64) Pipeline {
	return p.with(newCount(StageLimit, n))
}

// Sample appends a random sample of k documents. No seed is fixed, so
// each execution may return a different subset.
func (p Pipeline) Sample(k int64) Pipeline {
	return p.with(newCount(StageSample, k))
}

// Select keeps only the given fields
func (p Pipeline) Select(fields ...string) Pipeline {
	return p.with(newProjection(StageSelect, fields))
}

// Exclude drops the given fields
func (p Pipeline) Exclude(fields ...string) Pipeline {
	return p.with(newProjection(StageExclude, fields))
}

// Concat appends every stage of other
func (p Pipeline) Concat(other Pipeline) Pipeline {
	if other.err != nil {
		return p.with(Stage{}, other.err)
	}
	out := p
	for _, s := range other.stages {
		out = out.with(s, nil)
	}
	return out
}

// Err returns the first invalid stage error
func (p Pipeline) Err() error { return p.err }

// Len returns the number of stages
func (p Pipeline) Len() int { return len(p.stages) }

// Stages returns a copy of the stage list in append order
func (p Pipeline) Stages() []Stage {
	return append([]Stage(nil), p.stages...)
}

// Wire returns the persisted form of every stage
func (p Pipeline) Wire() ([]bson.D, error) {
	if p.err != nil {
		return nil, p.err
	}
	out := make([]bson.D, len(p.stages))
	for i, s := range p.stages {
		out[i] = s.Wire()
	}
	return out, nil
}

// Compile returns the stages as sent to the store
func (p Pipeline) Compile() ([]bson.D, error) {
	if p.err != nil {
		return nil, p.err
	}
	out := make([]bson.D, len(p.stages))
	for i, s := range p.stages {
		out[i] = s.compile()
	}
	return out, nil
}

// Equal reports whether both pipelines have identical wire forms
func (p Pipeline) Equal(o Pipeline) bool {
	a, errA := p.Wire()
	b, errB := o.Wire()
	if errA != nil || errB != nil || len(a) != len(b) {
		return false
	}
	for i := range a {
		ra, err := bson.Marshal(a[i])
		if err != nil {
			return false
		}
		rb, err := bson.Marshal(b[i])
		if err != nil {
			return false
		}
		if string(ra) != string(rb) {
			return false
		}
	}
	return true
}

// HasSample reports whether any stage is a random sample
func (p Pipeline) HasSample() bool {
	for _, s := range p.stages {
		if s.kind == StageSample {
			return true
		}
	}
	return false
}

// StartIndex returns the argument of the last offset stage, or 0
func (p Pipeline) StartIndex() int64 {
	for i := len(p.stages) - 1; i >= 0; i-- {
		if p.stages[i].kind == StageOffset {
			return p.stages[i].n
		}
	}
	return 0
}

// String returns a short human readable form of the pipeline
func (p Pipeline) String() string {
	if p.err != nil {
		return fmt.Sprintf("invalid pipeline: %v", p.err)
	}
	out := "pipeline["
	for i, s := range p.stages {
		if i > 0 {
			out += " | "
		}
		out += s.String()
	}
	return out + "]"
}

// Count runs the pipeline with a terminal count stage
func (p Pipeline) Count(ctx context.Context, src Source) (int64, error) {
	stages, err := p.Compile()
	if err != nil {
		return 0, err
	}
	stages = append(stages, bson.D{{Key: "$count", Value: "count"}})

	cur, err := src.Aggregate(ctx, stages)
	if err != nil {
		return 0, err
	}
	docs, err := store.DecodeAll(ctx, cur)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	for _, e := range docs[0] {
		if e.Key == "count" {
			if n, ok := schema.ToInt64(e.Value); ok {
				return n, nil
			}
		}
	}
	return 0, fmt.Errorf("count stage returned %v", docs[0])
}

// Iter opens a streaming cursor over the pipeline's results. Each call
// executes the pipeline again.
func (p Pipeline) Iter(ctx context.Context, src Source) (*Iterator, error) {
	stages, err := p.Compile()
	if err != nil {
		return nil, err
	}
	cur, err := src.Aggregate(ctx, stages)
	if err != nil {
		return nil, err
	}
	return &Iterator{cur: cur, src: src, next: p.StartIndex(), index: -1}, nil
}

// First returns the first result, or store.ErrNotFound
func (p Pipeline) First(ctx context.Context, src Source) (*document.Document, error) {
	it, err := p.Limit(1).Iter(ctx, src)
	if err != nil {
		return nil, err
	}
	defer it.Close(ctx)
	if !it.Next(ctx) {
		if err := it.Err(); err != nil {
			return nil, err
		}
		return nil, store.ErrNotFound
	}
	return it.Document(), nil
}

// All drains the pipeline into a slice
func (p Pipeline) All(ctx context.Context, src Source) ([]*document.Document, error) {
	it, err := p.Iter(ctx, src)
	if err != nil {
		return nil, err
	}
	defer it.Close(ctx)

	var out []*document.Document
	for it.Next(ctx) {
		out = append(out, it.Document())
	}
	return out, it.Err()
}

// Iterator yields (index, document) pairs. Indexes start at the pipeline's
// last offset. An Iterator is not restartable.
type Iterator struct {
	cur   store.Cursor
	src   Source
	next  int64
	index int64
	doc   *document.Document
	err   error
}

// Next advances to the next document
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil || it.cur == nil {
		return false
	}
	if !it.cur.Next(ctx) {
		it.err = it.cur.Err()
		return false
	}

	var raw bson.D
	if err := it.cur.Decode(&raw); err != nil {
		it.err = fmt.Errorf("failed to decode result %d: %w", it.next, err)
		return false
	}
	doc, err := it.src.NewDocument(raw)
	if err != nil {
		it.err = fmt.Errorf("failed to load result %d: %w", it.next, err)
		return false
	}

	it.doc = doc
	it.index = it.next
	it.next++
	return true
}

// Index returns the position of the current document
func (it *Iterator) Index() int64 { return it.index }

// Document returns the current document
func (it *Iterator) Document() *document.Document { return it.doc }

// Err returns the error that stopped iteration
func (it *Iterator) Err() error { return it.err }

// Close releases the cursor
func (it *Iterator) Close(ctx context.Context) error {
	if it.cur == nil {
		return nil
	}
	err := it.cur.Close(ctx)
	it.cur = nil
	return err
}

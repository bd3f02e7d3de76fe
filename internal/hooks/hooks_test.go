package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/curate-ml/curate/internal/logging"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.HasHooks(FieldRenamed))

	r.Register(FieldRenamed, &Hook{Name: "a", Fn: func(context.Context, Payload) error { return nil }})
	assert.True(t, r.HasHooks(FieldRenamed))
	assert.False(t, r.HasHooks(FieldDeleted))

	hooks := r.GetHooks(FieldRenamed)
	require.Len(t, hooks, 1)
	assert.Equal(t, FieldRenamed, hooks[0].Event)
}

func TestExecutor_RunsInOrder(t *testing.T) {
	e := NewExecutor(nil, nil)
	var calls []string
	record := func(name string) HookFunc {
		return func(_ context.Context, p Payload) error {
			calls = append(calls, name+":"+p.Paths[0]+"->"+p.NewPath)
			return nil
		}
	}
	e.Register(FieldRenamed, &Hook{Name: "first", Fn: record("first")})
	e.Register(FieldRenamed, &Hook{Name: "second", Fn: record("second")})

	err := e.Execute(context.Background(), FieldRenamed, Payload{Dataset: "ds", Paths: []string{"gt"}, NewPath: "truth"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first:gt->truth", "second:gt->truth"}, calls)
}

func TestExecutor_FailurePolicy(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	e := NewExecutor(NewRegistry(), logging.FromZap(zap.New(core)))

	boom := errors.New("boom")
	ran := false
	e.Register(DatasetDeleted, &Hook{Name: "optional", BestEffort: true, Fn: func(context.Context, Payload) error { return boom }})
	e.Register(DatasetDeleted, &Hook{Name: "required", Fn: func(context.Context, Payload) error { return boom }})
	e.Register(DatasetDeleted, &Hook{Name: "never", Fn: func(context.Context, Payload) error { ran = true; return nil }})

	err := e.Execute(context.Background(), DatasetDeleted, Payload{Dataset: "ds"})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "required")
	assert.False(t, ran)

	entries := logs.FilterMessage("hook failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "optional", entries[0].ContextMap()["hook"])
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "field_renamed", FieldRenamed.String())
	assert.Equal(t, "field_deleted", FieldDeleted.String())
	assert.Equal(t, "dataset_deleted", DatasetDeleted.String())
	assert.Equal(t, "unknown", Event(42).String())
}

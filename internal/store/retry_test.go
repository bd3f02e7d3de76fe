package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/curate-ml/curate/internal/store"
	"github.com/curate-ml/curate/internal/store/memstore"
)

func fastRetry() store.RetryConfig {
	return store.RetryConfig{MaxRetries: 3, BaseBackoff: time.Millisecond}
}

func TestWithRetrySucceedsAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("test")
	coll := db.Collection("samples")

	attempts := 0
	err := store.WithRetry(ctx, db, fastRetry(), func(ctx context.Context) error {
		attempts++
		if _, err := coll.InsertOne(ctx, bson.D{{Key: "attempt", Value: attempts}}); err != nil {
			return err
		}
		if attempts < 2 {
			return &store.TransientError{Err: errors.New("write conflict")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	n, err := coll.CountDocuments(ctx, bson.D{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "the failed attempt is rolled back")
}

func TestWithRetryExhausted(t *testing.T) {
	db := memstore.New("test")
	attempts := 0
	err := store.WithRetry(context.Background(), db, fastRetry(), func(ctx context.Context) error {
		attempts++
		return &store.TransientError{Err: errors.New("busy")}
	})
	assert.ErrorIs(t, err, store.ErrRetriesExhausted)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	db := memstore.New("test")
	boom := errors.New("boom")
	attempts := 0
	err := store.WithRetry(context.Background(), db, fastRetry(), func(ctx context.Context) error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestWithRetryCancelled(t *testing.T) {
	db := memstore.New("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.WithRetry(ctx, db, fastRetry(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"marked", &store.TransientError{Err: errors.New("x")}, true},
		{"labeled", mongo.CommandError{Message: "x", Labels: []string{"TransientTransactionError"}}, true},
		{"write conflict text", errors.New("WriteConflict: Write conflict during plan execution"), true},
		{"other", errors.New("bad input"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, store.IsTransient(tt.err))
		})
	}
}

func TestConvertError(t *testing.T) {
	assert.Nil(t, store.ConvertError(nil))
	assert.True(t, store.IsNotFound(store.ConvertError(mongo.ErrNoDocuments)))

	dup := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}
	assert.True(t, store.IsDuplicateKey(store.ConvertError(dup)))

	invalid := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 121, Message: "Document failed validation"}}}
	assert.ErrorIs(t, store.ConvertError(invalid), store.ErrValidation)

	exists := mongo.CommandError{Code: 48, Message: "collection already exists"}
	assert.ErrorIs(t, store.ConvertError(exists), store.ErrNamespaceExists)

	other := errors.New("other")
	assert.Equal(t, other, store.ConvertError(other))
}

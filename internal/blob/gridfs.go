package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultGridFSBucket is the bucket name used when none is configured
const DefaultGridFSBucket = "results"

// GridFSConfig holds GridFS-specific configuration
type GridFSConfig struct {
	Bucket string
}

// GridFS stores blobs as GridFS files named by key, next to the dataset
// documents
type GridFS struct {
	bucket *gridfs.Bucket
}

// NewGridFS opens a bucket on db
func NewGridFS(db *mongo.Database, cfg GridFSConfig) (*GridFS, error) {
	name := cfg.Bucket
	if name == "" {
		name = DefaultGridFSBucket
	}
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open gridfs bucket %s: %w", name, err)
	}
	return &GridFS{bucket: bucket}, nil
}

// Put replaces any file named key with data
func (g *GridFS) Put(ctx context.Context, key string, data []byte) error {
	if err := g.Delete(ctx, key); err != nil {
		return err
	}
	if _, err := g.bucket.UploadFromStream(key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Get downloads the newest file named key
func (g *GridFS) Get(ctx context.Context, key string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := g.bucket.DownloadToStreamByName(key, &buf); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// Delete removes every revision of key
func (g *GridFS) Delete(ctx context.Context, key string) error {
	ids, err := g.fileIDs(ctx, key)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := g.bucket.Delete(id); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	return nil
}

// Exists checks if any revision of key exists
func (g *GridFS) Exists(ctx context.Context, key string) (bool, error) {
	ids, err := g.fileIDs(ctx, key)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

func (g *GridFS) fileIDs(ctx context.Context, key string) ([]interface{}, error) {
	cur, err := g.bucket.Find(bson.D{{Key: "filename", Value: key}})
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", key, err)
	}
	defer cur.Close(ctx)

	var ids []interface{}
	for cur.Next(ctx) {
		var file struct {
			ID interface{} `bson:"_id"`
		}
		if err := cur.Decode(&file); err != nil {
			return nil, err
		}
		ids = append(ids, file.ID)
	}
	return ids, cur.Err()
}

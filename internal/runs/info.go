package runs

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// RunInfo is the stored record of a run
type RunInfo struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Dataset   string             `bson:"dataset"`
	Kind      Kind               `bson:"kind"`
	Key       string             `bson:"key"`
	Version   string             `bson:"version"`
	Timestamp time.Time          `bson:"timestamp"`
	RawConfig bson.Raw           `bson:"config"`

	// ViewStages is the wire form of the view the run was computed on.
	// Empty when the run covered the whole dataset.
	ViewStages []bson.D `bson:"view_stages,omitempty"`

	// Results is the blob key of the results payload
	Results string `bson:"results,omitempty"`

	// Config is RawConfig decoded through the registry
	Config Config `bson:"-"`
}

// HasResults reports whether results were saved for the run
func (i *RunInfo) HasResults() bool { return i.Results != "" }

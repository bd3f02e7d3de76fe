package runs

import "errors"

var (
	// ErrInvalidKey is returned when a run key is not a valid identifier
	ErrInvalidKey = errors.New("invalid run key")

	// ErrRunExists is returned when a key is taken and overwriting was not requested
	ErrRunExists = errors.New("run already exists")

	// ErrConfigMismatch is returned when a run cannot replace the existing run
	// under the same key
	ErrConfigMismatch = errors.New("run config mismatch")

	// ErrRunNotFound is returned when no run has the key
	ErrRunNotFound = errors.New("run not found")

	// ErrVersionSkew is returned when results written by another version can
	// no longer be decoded
	ErrVersionSkew = errors.New("run written by a different version")

	// ErrResultsExist is returned when saving results over existing ones
	// without overwrite
	ErrResultsExist = errors.New("run results already exist")

	// ErrNoResults is returned when loading results of a run that has none
	ErrNoResults = errors.New("run has no results")
)

// Package hooks dispatches dataset lifecycle events to registered
// listeners. The runs framework listens here to keep run records in step
// with schema edits.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/curate-ml/curate/internal/logging"
)

// Event is a dataset lifecycle event
type Event int

const (
	// FieldRenamed fires after a sample field is renamed
	FieldRenamed Event = iota
	// FieldDeleted fires after sample fields are deleted
	FieldDeleted
	// DatasetDeleted fires before a dataset's collections are dropped
	DatasetDeleted
)

// String returns the string representation of the event
func (e Event) String() string {
	switch e {
	case FieldRenamed:
		return "field_renamed"
	case FieldDeleted:
		return "field_deleted"
	case DatasetDeleted:
		return "dataset_deleted"
	default:
		return "unknown"
	}
}

// Payload describes what changed
type Payload struct {
	Dataset string

	// Paths holds the affected field paths. For FieldRenamed it holds the
	// old path and NewPath holds the new one.
	Paths   []string
	NewPath string
}

// HookFunc handles one event
type HookFunc func(ctx context.Context, p Payload) error

// Hook is a registered listener
type Hook struct {
	Name  string
	Event Event
	Fn    HookFunc

	// BestEffort hooks log their failure instead of failing the operation
	BestEffort bool
}

// Registry manages registered hooks
type Registry struct {
	mu    sync.RWMutex
	hooks map[Event][]*Hook
}

// NewRegistry creates a new hook registry
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[Event][]*Hook)}
}

// Register adds a hook for event
func (r *Registry) Register(event Event, hook *Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hook.Event = event
	r.hooks[event] = append(r.hooks[event], hook)
}

// GetHooks returns the hooks for event in registration order
func (r *Registry) GetHooks(event Event) []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Hook(nil), r.hooks[event]...)
}

// HasHooks returns true if any hook listens for event
func (r *Registry) HasHooks(event Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[event]) > 0
}

// Executor runs hooks
type Executor struct {
	registry *Registry
	logger   *logging.Logger
}

// NewExecutor creates an executor over registry
func NewExecutor(registry *Registry, logger *logging.Logger) *Executor {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{registry: registry, logger: logger}
}

// Registry returns the executor's registry
func (e *Executor) Registry() *Registry { return e.registry }

// Register adds a hook
func (e *Executor) Register(event Event, hook *Hook) {
	e.registry.Register(event, hook)
}

// Execute runs every hook for event in order. The first failing hook that
// is not best-effort stops execution.
func (e *Executor) Execute(ctx context.Context, event Event, p Payload) error {
	for _, hook := range e.registry.GetHooks(event) {
		err := hook.Fn(ctx, p)
		if err == nil {
			continue
		}
		if hook.BestEffort {
			e.logger.Warn("hook failed", err, map[string]interface{}{
				"hook":    hook.Name,
				"event":   event.String(),
				"dataset": p.Dataset,
			})
			continue
		}
		return fmt.Errorf("hook %s for %s failed: %w", hook.Name, event, err)
	}
	return nil
}

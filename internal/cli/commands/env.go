package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/curate-ml/curate/internal/blob"
	"github.com/curate-ml/curate/internal/cli/config"
	"github.com/curate-ml/curate/internal/cli/ui"
	"github.com/curate-ml/curate/internal/dataset"
	"github.com/curate-ml/curate/internal/hooks"
	"github.com/curate-ml/curate/internal/logging"
	"github.com/curate-ml/curate/internal/metrics"
	"github.com/curate-ml/curate/internal/runs"
	"github.com/curate-ml/curate/internal/store"
	"github.com/curate-ml/curate/internal/store/mongostore"
)

// Env holds the connections a command works against
type Env struct {
	Config  *config.Config
	DB      store.Database
	Blobs   blob.Store
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Hooks   *hooks.Executor
}

// EnvOpener builds the Env for one command invocation
type EnvOpener func(ctx context.Context, configDir string) (*Env, error)

// NewEnv wires the run hooks into a fresh hook executor. blobs may be nil.
func NewEnv(cfg *config.Config, db store.Database, blobs blob.Store, logger *logging.Logger, m *metrics.Metrics) *Env {
	if logger == nil {
		logger = logging.Nop()
	}
	exec := hooks.NewExecutor(nil, logger)
	runs.RegisterHooks(exec, db, blobs, logger)
	return &Env{
		Config:  cfg,
		DB:      db,
		Blobs:   blobs,
		Logger:  logger,
		Metrics: m,
		Hooks:   exec,
	}
}

// OpenEnv loads the configuration and connects to MongoDB and the results
// backend
func OpenEnv(ctx context.Context, configDir string) (*Env, error) {
	if configDir == "" {
		dir, err := config.FindConfigDir()
		if err != nil {
			return nil, err
		}
		configDir = dir
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, &displayError{err: err, render: func(noColor bool) string {
			return ui.ConfigError(err.Error(), noColor)
		}}
	}

	logger, err := logging.New(cfg.LoggerConfig())
	if err != nil {
		return nil, err
	}
	logger = logger.Named("curate")

	db, err := mongostore.Connect(ctx, mongostore.Config{
		URI:          cfg.Database.URI,
		Name:         cfg.Database.Name,
		Transactions: cfg.Database.Transactions,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	blobs, err := blob.Open(ctx, cfg.BlobConfig(), db.Mongo(), logger)
	if err != nil {
		_ = db.Close(ctx)
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(metrics.Config{})
	}
	return NewEnv(cfg, db, blobs, logger, m), nil
}

// DatasetOptions returns the options every dataset handle is opened with
func (e *Env) DatasetOptions(extra ...dataset.Option) []dataset.Option {
	opts := []dataset.Option{
		dataset.WithLogger(e.Logger),
		dataset.WithMetrics(e.Metrics),
		dataset.WithHooks(e.Hooks),
	}
	return append(opts, extra...)
}

// RunOptions returns the options run managers are created with
func (e *Env) RunOptions() runs.Options {
	return runs.Options{Blobs: e.Blobs, Logger: e.Logger, Metrics: e.Metrics}
}

// Close releases the connections
func (e *Env) Close(ctx context.Context) error {
	var errs []error
	if c, ok := e.Blobs.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if e.DB != nil {
		errs = append(errs, e.DB.Close(ctx))
	}
	_ = e.Logger.Sync()
	return errors.Join(errs...)
}

// WriteMetrics prints the recorded counters, one line per series
func (e *Env) WriteMetrics(w io.Writer) error {
	if e.Metrics == nil {
		return nil
	}
	families, err := e.Metrics.Registry.Gather()
	if err != nil {
		return err
	}

	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			series := mf.GetName()
			if len(labels) > 0 {
				series += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				lines = append(lines, fmt.Sprintf("%s %g", series, m.GetCounter().GetValue()))
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				lines = append(lines, fmt.Sprintf("%s count=%d sum=%gs", series, h.GetSampleCount(), h.GetSampleSum()))
			}
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

// displayError carries a pre-rendered message for Execute to print in
// place of the bare error text
type displayError struct {
	err    error
	render func(noColor bool) string
}

func (e *displayError) Error() string { return e.err.Error() }
func (e *displayError) Unwrap() error { return e.err }

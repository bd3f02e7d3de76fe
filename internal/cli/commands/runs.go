package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/curate-ml/curate/internal/cli/ui"
	"github.com/curate-ml/curate/internal/runs"
)

func (a *app) newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List, delete and repair the runs of a dataset",
		Example: `  # List every run
  curate runs list quickstart

  # Delete an evaluation and its results
  curate runs delete quickstart eval --kind evaluation

  # Drop references whose run record no longer exists
  curate runs patch quickstart`,
	}

	var listKind string
	list := &cobra.Command{
		Use:   "list NAME",
		Short: "List runs",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, env *Env, args []string) error {
			ctx := cmd.Context()
			ds, err := a.loadDataset(ctx, env, args[0])
			if err != nil {
				return err
			}
			kinds, err := parseKinds(listKind)
			if err != nil {
				return err
			}

			table := ui.NewTable(cmd.OutOrStdout(), []string{"KIND", "KEY", "METHOD", "VERSION", "TIMESTAMP", "RESULTS"}, &ui.TableOptions{NoColor: a.noColor})
			for _, kind := range kinds {
				m, err := runs.NewManager(ds, kind, env.RunOptions())
				if err != nil {
					return err
				}
				keys, err := m.ListRuns(ctx)
				if err != nil {
					return err
				}
				for _, key := range keys {
					info, err := m.GetRunInfo(ctx, key)
					if err != nil {
						return err
					}
					results := "no"
					if info.HasResults() {
						results = "yes"
					}
					table.AddRow(string(kind), key, info.Config.Method(), info.Version, formatTime(info.Timestamp), results)
				}
			}
			if table.Len() == 0 {
				fmt.Fprint(cmd.OutOrStdout(), ui.Warning(fmt.Sprintf("Dataset '%s' has no runs", ds.Name()), nil, a.noColor))
				return nil
			}
			table.Render()
			return nil
		}),
	}
	list.Flags().StringVar(&listKind, "kind", "", "Only list runs of this kind (annotation, brain, evaluation, generic)")
	cmd.AddCommand(list)

	var (
		deleteKind string
		cleanup    bool
	)
	del := &cobra.Command{
		Use:   "delete NAME KEY",
		Short: "Delete a run, its record and its results",
		Args:  cobra.ExactArgs(2),
		RunE: a.run(func(cmd *cobra.Command, env *Env, args []string) error {
			ctx := cmd.Context()
			ds, err := a.loadDataset(ctx, env, args[0])
			if err != nil {
				return err
			}
			key := args[1]
			kind, err := runs.ParseKind(deleteKind)
			if err != nil {
				return err
			}
			m, err := runs.NewManager(ds, kind, env.RunOptions())
			if err != nil {
				return err
			}
			if err := m.DeleteRun(ctx, key, cleanup); err != nil {
				return a.runError(ctx, m, key, err)
			}
			ui.WriteSuccess(cmd.OutOrStdout(), fmt.Sprintf("Deleted %s run '%s'", kind, key), a.noColor)
			return nil
		}),
	}
	del.Flags().StringVar(&deleteKind, "kind", string(runs.KindGeneric), "Kind of the run (annotation, brain, evaluation, generic)")
	del.Flags().BoolVar(&cleanup, "cleanup", true, "Let the run's method remove what it wrote to the samples")
	cmd.AddCommand(del)

	var patchKind string
	patch := &cobra.Command{
		Use:   "patch NAME",
		Short: "Remove run references whose record is missing",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, env *Env, args []string) error {
			ctx := cmd.Context()
			ds, err := a.loadDataset(ctx, env, args[0])
			if err != nil {
				return err
			}
			kinds, err := parseKinds(patchKind)
			if err != nil {
				return err
			}

			total := 0
			for _, kind := range kinds {
				m, err := runs.NewManager(ds, kind, env.RunOptions())
				if err != nil {
					return err
				}
				removed, err := m.PatchRuns(ctx)
				if err != nil {
					return err
				}
				for _, key := range removed {
					ui.WriteSuccess(cmd.OutOrStdout(), fmt.Sprintf("Removed dangling %s run '%s'", kind, key), a.noColor)
				}
				total += len(removed)
			}
			if total == 0 {
				fmt.Fprint(cmd.OutOrStdout(), ui.FormatError(ui.ErrorOptions{
					Level:   ui.ErrorLevelInfo,
					Problem: "No dangling run references",
					NoColor: a.noColor,
				}))
			}
			return nil
		}),
	}
	patch.Flags().StringVar(&patchKind, "kind", "", "Only patch runs of this kind")
	cmd.AddCommand(patch)

	return cmd
}

// parseKinds returns every kind for "" and the named kind otherwise
func parseKinds(s string) ([]runs.Kind, error) {
	if s == "" {
		return runs.Kinds(), nil
	}
	k, err := runs.ParseKind(s)
	if err != nil {
		return nil, err
	}
	return []runs.Kind{k}, nil
}

// runError attaches suggestions to unknown run keys
func (a *app) runError(ctx context.Context, m *runs.Manager, key string, err error) error {
	if !errors.Is(err, runs.ErrRunNotFound) {
		return err
	}
	name := m.Dataset().Name()
	keys, listErr := m.ListRuns(ctx)
	if listErr != nil {
		return err
	}
	suggestions := ui.FindSimilar(key, keys, nil)
	return &displayError{err: err, render: func(noColor bool) string {
		return ui.RunNotFoundError(name, key, suggestions, noColor)
	}}
}

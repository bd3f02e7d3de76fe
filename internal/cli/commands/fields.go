package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/curate-ml/curate/internal/cli/ui"
	"github.com/curate-ml/curate/internal/dataset"
	"github.com/curate-ml/curate/internal/schema"
)

func (a *app) newFieldsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fields",
		Short: "Delete or rename sample fields",
		Example: `  # Drop a field from the schema and from every sample
  curate fields delete quickstart uniqueness

  # Rename a field; run records referencing it are patched
  curate fields rename quickstart predictions model_predictions`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "delete NAME PATH...",
		Short: "Delete sample fields and their nested fields",
		Args:  cobra.MinimumNArgs(2),
		RunE: a.run(func(cmd *cobra.Command, env *Env, args []string) error {
			ctx := cmd.Context()
			ds, err := a.loadDataset(ctx, env, args[0])
			if err != nil {
				return err
			}
			paths := args[1:]
			if err := ds.DeleteSampleFields(ctx, paths...); err != nil {
				return a.fieldError(ds, paths, err)
			}
			for _, p := range paths {
				ui.WriteSuccess(cmd.OutOrStdout(), fmt.Sprintf("Deleted field '%s'", p), a.noColor)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rename NAME OLD NEW",
		Short: "Rename a sample field",
		Args:  cobra.ExactArgs(3),
		RunE: a.run(func(cmd *cobra.Command, env *Env, args []string) error {
			ctx := cmd.Context()
			ds, err := a.loadDataset(ctx, env, args[0])
			if err != nil {
				return err
			}
			oldPath, newPath := args[1], args[2]
			if err := ds.RenameSampleField(ctx, oldPath, newPath); err != nil {
				return a.fieldError(ds, []string{oldPath}, err)
			}
			ui.WriteSuccess(cmd.OutOrStdout(), fmt.Sprintf("Renamed field '%s' to '%s'", oldPath, newPath), a.noColor)
			return nil
		}),
	})

	return cmd
}

// fieldError attaches suggestions to unknown field paths
func (a *app) fieldError(ds *dataset.Dataset, paths []string, err error) error {
	if !errors.Is(err, schema.ErrFieldNotFound) {
		return err
	}
	known := ds.FieldPaths()
	missing := paths[0]
	for _, p := range paths {
		if !contains(known, p) {
			missing = p
			break
		}
	}
	suggestions := ui.SuggestFields(missing, known)
	name := ds.Name()
	return &displayError{err: err, render: func(noColor bool) string {
		return ui.FieldNotFoundError(name, missing, suggestions, noColor)
	}}
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}

package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/curate-ml/curate/internal/cli/ui"
	"github.com/curate-ml/curate/internal/dataset"
	"github.com/curate-ml/curate/internal/runs"
)

func (a *app) newDatasetsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "datasets",
		Aliases: []string{"ds"},
		Short:   "List, inspect and delete datasets",
		Example: `  # List every dataset with its sample count
  curate datasets list

  # Show the schema, metadata and runs of a dataset
  curate datasets info quickstart

  # Delete a dataset without confirmation
  curate datasets delete quickstart --yes`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List datasets",
		Args:  cobra.NoArgs,
		RunE:  a.run(a.runDatasetsList),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "info NAME",
		Short: "Show the schema, metadata and runs of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE:  a.run(a.runDatasetsInfo),
	})

	deleteCmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a dataset, its samples, its runs and their results",
		Long: `Delete a dataset. The sample collection is dropped, run records
are removed, and the results blobs of the runs are deleted from the
configured results backend. This cannot be undone.`,
		Args: cobra.ExactArgs(1),
		RunE: a.run(a.runDatasetsDelete),
	}
	deleteCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	cmd.AddCommand(deleteCmd)

	return cmd
}

// loadDataset opens name without touching last_loaded_at. Unknown names
// are reported with the closest existing ones.
func (a *app) loadDataset(ctx context.Context, env *Env, name string) (*dataset.Dataset, error) {
	ds, err := dataset.Load(ctx, env.DB, name, env.DatasetOptions(dataset.Virtual())...)
	if err == nil {
		return ds, nil
	}
	if !errors.Is(err, dataset.ErrDatasetNotFound) {
		return nil, err
	}

	names, listErr := dataset.List(ctx, env.DB)
	if listErr != nil {
		return nil, err
	}
	suggestions := ui.FindSimilar(name, names, nil)
	return nil, &displayError{err: err, render: func(noColor bool) string {
		return ui.DatasetNotFoundError(name, suggestions, noColor)
	}}
}

func (a *app) runDatasetsList(cmd *cobra.Command, env *Env, args []string) error {
	ctx := cmd.Context()
	names, err := dataset.List(ctx, env.DB)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprint(cmd.OutOrStdout(), ui.Warning("No datasets found", nil, a.noColor))
		return nil
	}

	table := ui.NewTable(cmd.OutOrStdout(), []string{"NAME", "SAMPLES", "CREATED", "LAST LOADED"}, &ui.TableOptions{NoColor: a.noColor})
	for _, name := range names {
		ds, err := a.loadDataset(ctx, env, name)
		if err != nil {
			return err
		}
		n, err := ds.Count(ctx)
		if err != nil {
			return err
		}
		def := ds.Definition()
		table.AddRow(name, strconv.FormatInt(n, 10), formatTime(def.CreatedAt), formatTime(def.LastLoadedAt))
	}
	table.Render()
	return nil
}

func (a *app) runDatasetsInfo(cmd *cobra.Command, env *Env, args []string) error {
	ctx := cmd.Context()
	ds, err := a.loadDataset(ctx, env, args[0])
	if err != nil {
		return err
	}
	n, err := ds.Count(ctx)
	if err != nil {
		return err
	}
	def := ds.Definition()
	out := cmd.OutOrStdout()

	kv := ui.NewKeyValueTable(out, a.noColor)
	kv.AddRow("Name", def.Name)
	kv.AddRow("ID", def.ID.Hex())
	kv.AddRow("Version", def.Version)
	kv.AddRow("Samples", strconv.FormatInt(n, 10))
	kv.AddRow("Created", formatTime(def.CreatedAt))
	kv.AddRow("Last loaded", formatTime(def.LastLoadedAt))
	if classes := ds.DefaultClasses(); len(classes) > 0 {
		kv.AddRow("Default classes", strings.Join(classes, ", "))
	}
	classes := ds.Classes()
	for _, field := range sortedKeys(classes) {
		kv.AddRow("Classes of "+field, strings.Join(classes[field], ", "))
	}
	kv.Render()
	fmt.Fprintln(out)

	ui.Header(out, "Fields", a.noColor)
	flat := ds.GetFieldSchema(true)
	fields := ui.NewTable(out, []string{"PATH", "TYPE", "FLAGS"}, &ui.TableOptions{NoColor: a.noColor})
	for _, path := range ds.FieldPaths() {
		f := flat[path]
		if f == nil {
			continue
		}
		fields.AddRow(path, f.Type.String(), strings.Join(fieldFlags(f.Builtin, f.Required, f.ReadOnly, f.Link), ", "))
	}
	fields.Render()

	var rows [][]string
	for _, kind := range runs.Kinds() {
		keys, err := ds.RunKeys(kind.RefField())
		if err != nil {
			return err
		}
		for _, k := range keys {
			rows = append(rows, []string{string(kind), k})
		}
	}
	if len(rows) > 0 {
		fmt.Fprintln(out)
		ui.Header(out, "Runs", a.noColor)
		t := ui.NewTable(out, []string{"KIND", "KEY"}, &ui.TableOptions{NoColor: a.noColor})
		for _, r := range rows {
			t.AddRow(r...)
		}
		t.Render()
	}
	return nil
}

func (a *app) runDatasetsDelete(cmd *cobra.Command, env *Env, args []string) error {
	ctx := cmd.Context()
	name := args[0]
	ds, err := a.loadDataset(ctx, env, name)
	if err != nil {
		return err
	}

	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		fmt.Fprintf(cmd.OutOrStdout(), "Delete dataset '%s' and all of its samples and runs? (y/N): ", name)
		answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if ans := strings.ToLower(strings.TrimSpace(answer)); ans != "y" && ans != "yes" {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
			return nil
		}
	}
	if env.Blobs == nil {
		cmd.PrintErr(ui.Warning("no results backend is configured; results blobs of the dataset's runs are kept", nil, a.noColor))
	}

	return ui.WithSpinner(cmd.OutOrStdout(), fmt.Sprintf("Deleting dataset '%s'", name), a.noColor, func() (string, error) {
		if err := ds.Delete(ctx); err != nil {
			return "", err
		}
		return fmt.Sprintf("Deleted dataset '%s'", name), nil
	})
}

func fieldFlags(builtin, required, readOnly bool, link string) []string {
	var flags []string
	if builtin {
		flags = append(flags, "builtin")
	}
	if required {
		flags = append(flags, "required")
	}
	if readOnly {
		flags = append(flags, "read-only")
	}
	if link != "" {
		flags = append(flags, "link="+link)
	}
	return flags
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

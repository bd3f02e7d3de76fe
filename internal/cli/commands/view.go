package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/curate-ml/curate/internal/cli/ui"
	"github.com/curate-ml/curate/internal/dataset"
	"github.com/curate-ml/curate/internal/query"
)

// viewFlags builds a view from the command line
type viewFlags struct {
	filter string
	sort   string
	desc   bool
	offset int64
	limit  int64
}

func (f *viewFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.filter, "filter", "", `Match expression as extended JSON, e.g. '{"label": "cat"}'`)
	cmd.Flags().StringVar(&f.sort, "sort", "", "Field path to sort by")
	cmd.Flags().BoolVar(&f.desc, "desc", false, "Sort in descending order")
	cmd.Flags().Int64Var(&f.offset, "offset", 0, "Number of samples to skip")
	cmd.Flags().Int64Var(&f.limit, "limit", -1, "Maximum number of samples (negative for no limit)")
}

// apply appends the stages in the order filter, sort, offset, limit
func (f *viewFlags) apply(v dataset.View) (dataset.View, error) {
	if f.filter != "" {
		var pred bson.D
		if err := bson.UnmarshalExtJSON([]byte(f.filter), false, &pred); err != nil {
			return v, fmt.Errorf("invalid --filter: %w", err)
		}
		v = v.Filter(pred)
	}
	if f.sort != "" {
		v = v.SortBy(f.sort, f.desc)
	}
	if f.offset > 0 {
		v = v.Offset(f.offset)
	}
	if f.limit >= 0 {
		v = v.Limit(f.limit)
	}
	return v, v.Err()
}

func (a *app) newCountCommand() *cobra.Command {
	var vf viewFlags
	cmd := &cobra.Command{
		Use:   "count NAME",
		Short: "Count the samples of a dataset view",
		Example: `  # Count every sample
  curate count quickstart

  # Count the ten largest images with a cat label
  curate count quickstart --filter '{"ground_truth.label": "cat"}' --sort size_bytes --desc --limit 10`,
		Args: cobra.ExactArgs(1),
	}
	vf.register(cmd)
	cmd.RunE = a.run(func(cmd *cobra.Command, env *Env, args []string) error {
		ctx := cmd.Context()
		ds, err := a.loadDataset(ctx, env, args[0])
		if err != nil {
			return err
		}
		view, err := vf.apply(ds.View())
		if err != nil {
			return err
		}
		n, err := view.Count(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	})
	return cmd
}

func (a *app) newExportCommand() *cobra.Command {
	var (
		vf      viewFlags
		pretty  bool
		workers int
		media   string
	)
	cmd := &cobra.Command{
		Use:   "export NAME DIR",
		Short: "Copy the media of a view into DIR with a JSON label file per sample",
		Long: `Export copies the media file of every sample of the view into DIR and
writes the sample's labels to a JSON file next to it. DIR must be empty
or absent.`,
		Example: `  curate export quickstart ./out --filter '{"uniqueness": {"$gt": 0.5}}' --pretty`,
		Args:    cobra.ExactArgs(2),
	}
	vf.register(cmd)
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent label files")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent media copies (default: export.workers)")
	cmd.Flags().StringVar(&media, "media-field", "filepath", "Field holding the media path")

	cmd.RunE = a.run(func(cmd *cobra.Command, env *Env, args []string) error {
		ctx := cmd.Context()
		ds, err := a.loadDataset(ctx, env, args[0])
		if err != nil {
			return err
		}
		view, err := vf.apply(ds.View())
		if err != nil {
			return err
		}

		opts := query.ExportOptions{PrettyPrint: pretty, Workers: workers, MediaField: media}
		if opts.Workers <= 0 && env.Config != nil {
			opts.Workers = env.Config.Export.Workers
		}

		dir := args[1]
		return ui.WithSpinner(cmd.OutOrStdout(), fmt.Sprintf("Exporting '%s' to %s", ds.Name(), dir), a.noColor, func() (string, error) {
			res, err := view.Export(ctx, dir, opts)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Exported %d samples to %s", len(res.Media), dir), nil
		})
	})
	return cmd
}

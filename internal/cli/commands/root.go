package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/curate-ml/curate/internal/version"
)

// app carries the global flags and the Env opener shared by subcommands
type app struct {
	open      EnvOpener
	configDir string
	noColor   bool
	stats     bool
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	return newRootCommand(OpenEnv)
}

func newRootCommand(open EnvOpener) *cobra.Command {
	a := &app{open: open}

	rootCmd := &cobra.Command{
		Use:   "curate",
		Short: "Inspect and maintain curated datasets",
		Long: color.CyanString(`Curate - dataset curation toolkit

Curate stores labeled samples in MongoDB behind a typed schema and
records the runs (annotations, brain methods, evaluations) computed on
views of them.

Configuration is read from curate.yml and CURATE_* environment variables.`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configDir, "config-dir", "", "Directory holding curate.yml (default: nearest parent with one)")
	flags.BoolVar(&a.noColor, "no-color", false, "Disable colored output")
	flags.BoolVar(&a.stats, "stats", false, "Print recorded metrics after the command (requires metrics.enabled)")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if a.noColor {
			color.NoColor = true
		}
	}

	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.AddCommand(a.newDatasetsCommand())
	rootCmd.AddCommand(a.newCountCommand())
	rootCmd.AddCommand(a.newExportCommand())
	rootCmd.AddCommand(a.newFieldsCommand())
	rootCmd.AddCommand(a.newRunsCommand())

	return rootCmd
}

// run opens the Env around fn and closes it afterwards
func (a *app) run(fn func(cmd *cobra.Command, env *Env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
			cmd.SetContext(ctx)
		}

		env, err := a.open(ctx, a.configDir)
		if err != nil {
			return err
		}
		defer env.Close(ctx)

		if err := fn(cmd, env, args); err != nil {
			return err
		}
		if a.stats {
			return env.WriteMetrics(cmd.ErrOrStderr())
		}
		return nil
	}
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the curate version, Git commit, build date, and Go version",
		Run: func(cmd *cobra.Command, args []string) {
			titleColor := color.New(color.FgCyan, color.Bold)
			out := cmd.OutOrStdout()

			titleColor.Fprint(out, "Curate version: ")
			fmt.Fprintln(out, version.Version)

			titleColor.Fprint(out, "Git commit: ")
			fmt.Fprintln(out, version.GitCommit)

			titleColor.Fprint(out, "Build date: ")
			fmt.Fprintln(out, version.BuildDate)

			titleColor.Fprint(out, "Go version: ")
			fmt.Fprintln(out, version.Go())
		},
	}
}

// Execute runs the root command
func Execute() error {
	return execute(NewRootCommand())
}

func execute(rootCmd *cobra.Command) error {
	if err := rootCmd.Execute(); err != nil {
		var de *displayError
		if errors.As(err, &de) {
			noColor, _ := rootCmd.PersistentFlags().GetBool("no-color")
			rootCmd.PrintErr(de.render(noColor))
			return err
		}
		errorColor := color.New(color.FgRed, color.Bold)
		errorColor.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
		return err
	}
	return nil
}

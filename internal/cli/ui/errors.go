package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// ErrorLevel is the severity of a message
type ErrorLevel int

const (
	ErrorLevelError ErrorLevel = iota
	ErrorLevelWarning
	ErrorLevelInfo
)

// ErrorOptions configures FormatError
type ErrorOptions struct {
	Level        ErrorLevel
	Context      string
	Problem      string
	Consequence  string
	Suggestions  []string
	HelpCommands []string
	NoColor      bool
}

// FormatError renders a message with suggestions and follow-up commands:
//
//	❌ DATASET NOT FOUND: quickstrat
//	   Cannot find dataset 'quickstrat'.
//
//	   Did you mean: quickstart?
//
//	   → See all datasets: curate datasets list
func FormatError(opts ErrorOptions) string {
	var b strings.Builder

	var header, body *color.Color
	var symbol string
	switch opts.Level {
	case ErrorLevelWarning:
		header, body, symbol = color.New(color.FgYellow, color.Bold), color.New(color.FgYellow), "⚠️"
	case ErrorLevelInfo:
		header, body, symbol = color.New(color.FgCyan, color.Bold), color.New(color.FgCyan), "ℹ️"
	default:
		header, body, symbol = color.New(color.FgRed, color.Bold), color.New(color.FgRed), "❌"
	}
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	if opts.NoColor {
		for _, c := range []*color.Color{header, body, yellow, cyan} {
			c.DisableColor()
		}
	}

	if opts.Context != "" {
		header.Fprintf(&b, "%s %s: %s\n", symbol, strings.ToUpper(opts.Context), opts.Problem)
		body.Fprintf(&b, "   %s\n", opts.Problem)
	} else {
		header.Fprintf(&b, "%s %s\n", symbol, opts.Problem)
	}

	if opts.Consequence != "" {
		b.WriteString("\n")
		body.Fprintf(&b, "   %s\n", opts.Consequence)
	}
	if len(opts.Suggestions) > 0 {
		b.WriteString("\n")
		yellow.Fprintf(&b, "   Did you mean: %s?\n", strings.Join(opts.Suggestions, ", "))
	}
	if len(opts.HelpCommands) > 0 {
		b.WriteString("\n")
		for _, cmd := range opts.HelpCommands {
			cyan.Fprintf(&b, "   → %s\n", cmd)
		}
	}
	return b.String()
}

// WriteError writes a formatted message to w
func WriteError(w io.Writer, opts ErrorOptions) {
	fmt.Fprint(w, FormatError(opts))
}

// FormatSuccess renders a success line
func FormatSuccess(message string, noColor bool) string {
	green := color.New(color.FgGreen, color.Bold)
	if noColor {
		green.DisableColor()
	}
	return green.Sprintf("✓ %s", message)
}

// WriteSuccess writes a success line to w
func WriteSuccess(w io.Writer, message string, noColor bool) {
	fmt.Fprintln(w, FormatSuccess(message, noColor))
}

// DatasetNotFoundError reports an unknown dataset name
func DatasetNotFoundError(name string, suggestions []string, noColor bool) string {
	return FormatError(ErrorOptions{
		Context:     "DATASET NOT FOUND",
		Problem:     fmt.Sprintf("Cannot find dataset '%s'.", name),
		Suggestions: suggestions,
		HelpCommands: []string{
			"See all datasets: curate datasets list",
		},
		NoColor: noColor,
	})
}

// FieldNotFoundError reports an unknown field path of a dataset
func FieldNotFoundError(dataset, path string, suggestions []string, noColor bool) string {
	return FormatError(ErrorOptions{
		Context:     "FIELD NOT FOUND",
		Problem:     fmt.Sprintf("Dataset '%s' has no field '%s'.", dataset, path),
		Suggestions: suggestions,
		HelpCommands: []string{
			fmt.Sprintf("See the schema: curate datasets info %s", dataset),
		},
		NoColor: noColor,
	})
}

// RunNotFoundError reports an unknown run key
func RunNotFoundError(dataset, key string, suggestions []string, noColor bool) string {
	return FormatError(ErrorOptions{
		Context:     "RUN NOT FOUND",
		Problem:     fmt.Sprintf("Dataset '%s' has no run '%s'.", dataset, key),
		Suggestions: suggestions,
		HelpCommands: []string{
			fmt.Sprintf("See all runs: curate runs list %s", dataset),
			fmt.Sprintf("Repair dangling references: curate runs patch %s", dataset),
		},
		NoColor: noColor,
	})
}

// ConfigError reports an invalid or unreadable configuration
func ConfigError(message string, noColor bool) string {
	return FormatError(ErrorOptions{
		Context: "CONFIGURATION ERROR",
		Problem: message,
		HelpCommands: []string{
			"View config: cat curate.yml",
			"Override with environment variables: CURATE_DATABASE_URI, CURATE_RESULTS_BACKEND",
		},
		NoColor: noColor,
	})
}

// Warning renders a warning
func Warning(message string, suggestions []string, noColor bool) string {
	return FormatError(ErrorOptions{
		Level:       ErrorLevelWarning,
		Problem:     message,
		Suggestions: suggestions,
		NoColor:     noColor,
	})
}

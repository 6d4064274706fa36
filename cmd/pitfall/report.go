package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/discochess/pitfall"
	"github.com/discochess/pitfall/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report [mistakes.json]",
	Short: "Summarize detected mistakes",
	Long: `Group the mistakes written by 'pitfall analyze' by move sequence,
opening, move number, color and time class.

Examples:
  pitfall report mistakes.json
  pitfall report mistakes.json --format markdown --top 20 > REPORT.md
  pitfall report mistakes.json --repeated --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

var (
	reportFormat string
	reportTop    int
	repeatedOnly bool
)

func init() {
	reportCmd.Flags().StringVarP(&reportFormat, "format", "f", "text", "output format: text, markdown or json")
	reportCmd.Flags().IntVarP(&reportTop, "top", "n", 10, "number of groups listed per section")
	reportCmd.Flags().BoolVar(&repeatedOnly, "repeated", false, "only list sequences seen more than once")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading mistakes: %w", err)
	}
	var mistakes []pitfall.Mistake
	if err := json.Unmarshal(data, &mistakes); err != nil {
		return fmt.Errorf("decoding %s: %w", args[0], err)
	}

	r := report.Build(mistakes)
	if repeatedOnly {
		r.BySequence = r.Repeated()
	}

	switch strings.ToLower(reportFormat) {
	case "text":
		report.WriteText(os.Stdout, r, reportTop)
	case "markdown", "md":
		title := "Opening mistakes: " + strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		report.NewMarkdown(os.Stdout).Write(title, r, reportTop)
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	default:
		return fmt.Errorf("unknown format %q", reportFormat)
	}
	return nil
}

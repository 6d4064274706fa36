package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/discochess/pitfall"
	"github.com/discochess/pitfall/fx/pitfallfx"
	"github.com/discochess/pitfall/internal/pgnload"
	"github.com/discochess/pitfall/internal/report"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [PGN file (supports .zst)]",
	Short: "Find opening mistakes in a PGN export",
	Long: `Analyze every game of a PGN export from the given player's side and
write the detected mistakes as JSON.

Games already in the analysis cache are not analyzed again. Batches run on
the configured invoker; the default runs them in this process.

Examples:
  # Blitz and rapid games only, with a summary on stderr
  pitfall analyze games.pgn -u alice --time-class blitz --time-class rapid --report

  # Deeper search, stricter threshold
  pitfall analyze games.pgn -u alice --depth 20 --threshold 150 -o mistakes.json`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

var (
	username    string
	timeClasses []string
	outputFile  string
	printReport bool
	pollEvery   time.Duration
)

func init() {
	f := analyzeCmd.Flags()
	f.StringVarP(&username, "username", "u", "", "player whose mistakes are analyzed (required)")
	f.StringSliceVar(&timeClasses, "time-class", nil, "only analyze these time classes (bullet, blitz, rapid, daily)")
	f.StringVarP(&outputFile, "output", "o", "", "write mistakes JSON to this file instead of stdout")
	f.BoolVar(&printReport, "report", false, "print grouped statistics to stderr")
	f.DurationVar(&pollEvery, "poll", time.Second, "progress polling interval")
	f.Int("threshold", 100, "minimum evaluation loss in centipawns")
	f.Int("window", 14, "number of half-moves examined")
	f.Int("batch-size", 20, "preferred games per batch")
	_ = analyzeCmd.MarkFlagRequired("username")
	bindFlags(f, map[string]string{
		"analysis.threshold":  "threshold",
		"analysis.window":     "window",
		"dispatch.batch_size": "batch-size",
	})
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	games, err := loadGames(args[0])
	if err != nil {
		return err
	}
	if len(games) == 0 {
		return fmt.Errorf("no games for %q in %s", username, args[0])
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	// Stopping cancels batches still running in process; their progress
	// is already part of the snapshot written below.
	var client *pitfall.Client
	app := fx.New(
		fx.Supply(cfg, log),
		fxLogger(),
		pitfallfx.Module,
		fx.Populate(&client),
	)
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}
	defer stopApp(app, stop)

	sub, err := client.Submit(ctx, games)
	if err != nil {
		return fmt.Errorf("submitting games: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Job %s: %d games, %d cached, %d batches\n",
		sub.JobID, sub.TotalGames, sub.CachedGames, sub.TotalBatches)

	snap, err := client.Wait(ctx, sub.JobID, pollEvery, func(s *pitfall.Snapshot) {
		fmt.Fprintf(os.Stderr, "\rAnalyzed %d/%d games, %d mistakes", s.GamesProcessed, s.TotalGames, s.MistakesFound)
	})
	fmt.Fprintln(os.Stderr)
	switch {
	case errors.Is(err, context.Canceled) && snap != nil:
		fmt.Fprintln(os.Stderr, "Interrupted; writing partial results.")
	case err != nil:
		return fmt.Errorf("waiting for job %s: %w", sub.JobID, err)
	case snap.Status == pitfall.StatusError:
		return fmt.Errorf("job %s failed: %s", sub.JobID, snap.Error)
	case snap.Stalled():
		fmt.Fprintf(os.Stderr, "%d batches failed; writing partial results.\n", snap.ErroredBatches)
	}

	if err := writeMistakes(snap.Mistakes); err != nil {
		return err
	}
	if printReport {
		report.WriteText(os.Stderr, report.Build(snap.Mistakes), 10)
	}
	return nil
}

func loadGames(path string) ([]pitfall.Game, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PGN: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	// Handle zstd compression.
	if strings.HasSuffix(path, ".zst") {
		decoder, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer decoder.Close()
		r = decoder
	}

	games, st, err := pgnload.Load(r, pgnload.Options{Username: username, TimeClasses: timeClasses})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	log.Info("games loaded",
		zap.Int("games", st.Games),
		zap.Int("loaded", st.Loaded),
		zap.Int("notPlayer", st.NotPlayer),
		zap.Int("variant", st.Variant),
		zap.Int("timeClass", st.TimeClass),
		zap.Int("unparseable", st.Unparseable),
	)
	return games, nil
}

func writeMistakes(mistakes []pitfall.Mistake) error {
	var w io.Writer = os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(mistakes); err != nil {
		return fmt.Errorf("writing mistakes: %w", err)
	}
	if outputFile != "" {
		fmt.Fprintf(os.Stderr, "Wrote %d mistakes to %s\n", len(mistakes), outputFile)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/discochess/pitfall/internal/config"
)

var (
	// Global flags.
	configFile string
	verbose    bool

	v   = viper.New()
	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pitfall",
	Short: "Find the opening mistakes you keep repeating",
	Long: `Pitfall replays the opening of each of your games with a UCI engine,
flags the moves that lost significant evaluation, and groups them so the
mistakes you make again and again stand out.

Settings come from flags, PITFALL_* environment variables and an optional
config file, in that order of precedence.

Examples:
  # Analyze a PGN export for one player
  pitfall analyze games.pgn --username alice --output mistakes.json

  # Summarize the result
  pitfall report mistakes.json

  # Run the HTTP API with workers on NATS
  PITFALL_DISPATCH_INVOKER=nats pitfall serve
  pitfall worker`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v, configFile)
		if err != nil {
			return err
		}
		log, err = newLogger(verbose)
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().String("engine", "stockfish", "path to the UCI engine binary")
	rootCmd.PersistentFlags().Int("depth", 15, "engine search depth")
	bindFlags(rootCmd.PersistentFlags(), map[string]string{
		"engine.path":  "engine",
		"engine.depth": "depth",
	})
}

// bindFlags binds config keys to flags. An unset flag leaves the key to
// the environment, the config file and the defaults.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", name, err))
		}
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return zcfg.Build()
}

// fxLogger routes fx's own events to the CLI logger at debug level.
func fxLogger() fx.Option {
	return fx.WithLogger(func() fxevent.Logger {
		l := &fxevent.ZapLogger{Logger: log.Named("fx")}
		l.UseLogLevel(zap.DebugLevel)
		return l
	})
}

// stopTimeout bounds how long a command waits for its fx app to stop.
const stopTimeout = 15 * time.Second

// stopApp restores default signal handling, so another interrupt kills the
// process, then stops app within stopTimeout.
func stopApp(app *fx.App, restoreSignals context.CancelFunc) {
	restoreSignals()
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		log.Warn("stopping pipeline", zap.Error(err))
	}
}

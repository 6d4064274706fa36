// Package worker runs one batch of games through the analyzer and reports
// progress to the tracker.
//
// A worker invocation is stateless: everything it learns is written to the
// analysis cache and the job store before it returns.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/discochess/pitfall/internal/analysis"
	"github.com/discochess/pitfall/internal/cache"
	"github.com/discochess/pitfall/internal/dispatch"
	"github.com/discochess/pitfall/internal/game"
	"github.com/discochess/pitfall/internal/stats"
	"github.com/discochess/pitfall/internal/uci"
)

// ErrEngineStart is returned when no engine could be started for a batch.
var ErrEngineStart = errors.New("worker: engine failed to start")

// Engine is a started evaluator process.
type Engine interface {
	analysis.Evaluator
	Depth() int
	Terminate()
}

var _ Engine = (*uci.Engine)(nil)

// EngineFactory starts an engine.
type EngineFactory func(ctx context.Context) (Engine, error)

// UCIFactory returns a factory that starts the UCI engine at path.
func UCIFactory(path string, opts ...uci.Option) EngineFactory {
	return func(ctx context.Context) (Engine, error) {
		e := uci.New(path, opts...)
		if err := e.Initialize(ctx); err != nil {
			return nil, err
		}
		return e, nil
	}
}

// Progress is the part of the tracker a worker reports to.
type Progress interface {
	BatchPending(ctx context.Context, jobID string, index int) (bool, error)
	RecordGame(ctx context.Context, jobID string, index, mistakesFound int) error
	CompleteBatch(ctx context.Context, jobID string, index int, mistakes []game.Mistake) (bool, error)
	FailBatch(ctx context.Context, jobID string, index int, cause error) error
}

var _ dispatch.Handler = (*Worker)(nil)

// Option configures a Worker.
type Option func(*Worker)

// WithCache sets the analysis cache. Without one every game is analyzed.
func WithCache(c *cache.Cache) Option {
	return func(w *Worker) { w.cache = c }
}

// WithStats sets the stats collector.
func WithStats(c stats.Collector) Option {
	return func(w *Worker) { w.stats = c }
}

// WithLogger sets the logger. If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// Worker processes batch commands.
type Worker struct {
	progress  Progress
	analyzer  *analysis.Analyzer
	newEngine EngineFactory
	cache     *cache.Cache
	stats     stats.Collector
	logger    *zap.Logger
}

// New creates a worker.
func New(progress Progress, analyzer *analysis.Analyzer, newEngine EngineFactory, opts ...Option) *Worker {
	w := &Worker{
		progress:  progress,
		analyzer:  analyzer,
		newEngine: newEngine,
		stats:     stats.NewNoop(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("worker")
	return w
}

// Run analyzes the command's games in order and completes the batch.
//
// Games that cannot be analyzed count as processed with no mistakes. An
// engine that cannot be started, a canceled context, or a job store
// failure fails the batch. A command whose batch already finished is a
// redelivery and is dropped.
func (w *Worker) Run(ctx context.Context, cmd dispatch.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	logger := w.logger.With(zap.String("jobID", cmd.JobID), zap.Int("batch", cmd.BatchIndex))

	pending, err := w.progress.BatchPending(ctx, cmd.JobID, cmd.BatchIndex)
	switch {
	case err != nil:
		logger.Warn("reading batch status", zap.Error(err))
	case !pending:
		logger.Info("batch already finished, dropping command")
		return nil
	}
	logger.Info("batch started", zap.Int("games", len(cmd.Games)))

	b := &batchRun{Worker: w, cmd: cmd, logger: logger}
	defer b.stopEngine()

	mistakes, err := b.run(ctx)
	if err != nil {
		w.failBatch(ctx, cmd, err, logger)
		return fmt.Errorf("batch %s/%d: %w", cmd.JobID, cmd.BatchIndex, err)
	}

	aggregated, err := w.progress.CompleteBatch(ctx, cmd.JobID, cmd.BatchIndex, mistakes)
	if err != nil {
		w.failBatch(ctx, cmd, err, logger)
		return fmt.Errorf("completing batch %s/%d: %w", cmd.JobID, cmd.BatchIndex, err)
	}
	logger.Info("batch completed",
		zap.Int("mistakes", len(mistakes)),
		zap.Int64("evaluations", b.evaluations),
		zap.Bool("aggregated", aggregated),
	)
	return nil
}

// failBatch records cause against the batch even when ctx is already done.
func (w *Worker) failBatch(ctx context.Context, cmd dispatch.Command, cause error, logger *zap.Logger) {
	if err := w.progress.FailBatch(context.WithoutCancel(ctx), cmd.JobID, cmd.BatchIndex, cause); err != nil {
		logger.Error("recording batch failure", zap.Error(err))
	}
}

// batchRun is the state of one Run call.
type batchRun struct {
	*Worker
	cmd         dispatch.Command
	logger      *zap.Logger
	engine      Engine
	evaluations int64
}

func (b *batchRun) run(ctx context.Context) ([]game.Mistake, error) {
	all := make([]game.Mistake, 0)
	for _, g := range b.cmd.Games {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := b.game(ctx, g)
		if err != nil {
			return nil, err
		}
		if err := b.progress.RecordGame(ctx, b.cmd.JobID, b.cmd.BatchIndex, len(found)); err != nil {
			return nil, err
		}
		all = append(all, found...)
	}
	return all, nil
}

// game returns the mistakes of one game. Only engine start failures are
// returned as errors; everything else about a single game is absorbed.
func (b *batchRun) game(ctx context.Context, g game.Game) ([]game.Mistake, error) {
	if b.cache != nil {
		if m, ok := b.cache.Get(ctx, g.ID, g.Color); ok {
			return m, nil
		}
	}

	engine, err := b.startEngine(ctx)
	if err != nil {
		return nil, err
	}

	counted := analysis.NewCounting(engine)
	found, err := b.analyzer.Analyze(ctx, g, counted)
	b.evaluations += counted.Calls()
	switch {
	case errors.Is(err, analysis.ErrTooShort), errors.Is(err, analysis.ErrUnparseable):
		b.logger.Debug("game skipped", zap.String("game", g.ID), zap.Error(err))
		return nil, nil
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.stats.IncCounter(stats.MetricGamesSkipped, 1)
		b.logger.Warn("game analysis failed", zap.String("game", g.ID), zap.Error(err))
		if errors.Is(err, uci.ErrEngineExited) || errors.Is(err, uci.ErrClosed) {
			b.stopEngine()
		}
		return nil, nil
	}

	if b.cache != nil {
		b.cache.Put(ctx, g.ID, g.Color, found, cache.Meta{
			Depth:     engine.Depth(),
			Window:    b.analyzer.Window(),
			Threshold: b.analyzer.Threshold(),
		})
	}
	return found, nil
}

// startEngine starts the batch's engine on first use. A batch whose games
// are all cached never starts one.
func (b *batchRun) startEngine(ctx context.Context) (Engine, error) {
	if b.engine != nil {
		return b.engine, nil
	}
	e, err := b.newEngine(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineStart, err)
	}
	b.engine = e
	return e, nil
}

func (b *batchRun) stopEngine() {
	if b.engine != nil {
		b.engine.Terminate()
		b.engine = nil
	}
}

// Package analysis finds opening mistakes in a single game.
//
// The analyzer replays the first moves of a game, asks an Evaluator for the
// score of every resulting position, and flags the analyzed player's moves
// that lose at least a threshold amount of evaluation.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/pitfall/internal/game"
	"github.com/discochess/pitfall/internal/notation"
	"github.com/discochess/pitfall/internal/stats"
	"github.com/discochess/pitfall/internal/uci"
)

// Defaults.
const (
	DefaultWindow    = 14
	DefaultThreshold = 100
)

var (
	// ErrTooShort indicates the game has fewer half-moves than the window.
	ErrTooShort = errors.New("analysis: game shorter than analysis window")

	// ErrUnparseable indicates the game's moves could not be replayed.
	ErrUnparseable = notation.ErrUnparseable
)

// Evaluator scores positions. Scores are from White's point of view.
type Evaluator interface {
	Evaluate(ctx context.Context, fen string) (uci.Eval, error)
}

var _ Evaluator = (*uci.Engine)(nil)

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithWindow sets the number of half-moves examined. Default is 14.
func WithWindow(n int) Option {
	return func(a *Analyzer) { a.window = n }
}

// WithThreshold sets the minimum evaluation loss, in centipawns, that counts
// as a mistake. Default is 100.
func WithThreshold(cp int) Option {
	return func(a *Analyzer) { a.threshold = cp }
}

// WithStats sets the stats collector.
func WithStats(c stats.Collector) Option {
	return func(a *Analyzer) { a.stats = c }
}

// WithLogger sets the logger. If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// Analyzer detects opening mistakes. It holds no per-game state and is safe
// for concurrent use as long as each goroutine passes its own Evaluator.
type Analyzer struct {
	window    int
	threshold int
	stats     stats.Collector
	logger    *zap.Logger
}

// New creates an analyzer.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		window:    DefaultWindow,
		threshold: DefaultThreshold,
		stats:     stats.NewNoop(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("analysis")
	return a
}

// Window returns the configured window in half-moves.
func (a *Analyzer) Window() int { return a.window }

// Threshold returns the configured threshold in centipawns.
func (a *Analyzer) Threshold() int { return a.threshold }

// Analyze returns the mistakes the player made in the opening of g.
//
// It returns nil with ErrUnparseable or ErrTooShort when the game cannot be
// analyzed. A game without mistakes yields an empty, non-nil slice.
func (a *Analyzer) Analyze(ctx context.Context, g game.Game, ev Evaluator) ([]game.Mistake, error) {
	line, err := notation.Replay(g)
	if err != nil {
		a.stats.IncCounter(stats.MetricGamesSkipped, 1)
		return nil, err
	}
	if line.Len() < a.window {
		a.stats.IncCounter(stats.MetricGamesSkipped, 1)
		return nil, fmt.Errorf("%w: %d half-moves", ErrTooShort, line.Len())
	}

	start := time.Now()
	mistakes := make([]game.Mistake, 0)
	sign := g.Color.Sign()
	playerParity := 0
	if !g.Color.MovesFirst() {
		playerParity = 1
	}
	result := game.PlayerResult(g.Outcome(), g.Color)

	prev, err := a.evaluate(ctx, ev, line.FEN(0))
	if err != nil {
		return nil, err
	}

	plies := min(a.window, line.Len())
	for i := 0; i < plies; i++ {
		isPlayer := i%2 == playerParity

		var bestMove string
		if isPlayer {
			before, err := a.evaluate(ctx, ev, line.FEN(i))
			if err != nil {
				return nil, err
			}
			if before.BestMove != "" {
				bestMove = notation.ToSAN(line.Positions[i], before.BestMove)
			}
		}

		curr, err := a.evaluate(ctx, ev, line.FEN(i+1))
		if err != nil {
			return nil, err
		}

		if isPlayer && prev.HasScore() && curr.HasScore() {
			delta := (*curr.Score - *prev.Score) * sign
			if delta <= -a.threshold {
				mistakes = append(mistakes, game.Mistake{
					MoveNumber:   i/2 + 1,
					Move:         line.SAN[i],
					BestMove:     bestMove,
					MoveSequence: line.Prefix(i),
					EvalBefore:   *prev.Score * sign,
					EvalAfter:    *curr.Score * sign,
					EvalDrop:     delta,
					Opening:      g.Opening,
					ECO:          g.ECO,
					PlayerColor:  g.Color,
					GameURL:      g.ID,
					TimeClass:    g.TimeClass,
					TimeControl:  g.TimeControl,
					EndTime:      g.EndTime,
					FEN:          line.FEN(i + 1),
					Result:       result,
					White:        g.White,
					Black:        g.Black,
				})
			}
		}
		prev = curr
	}

	a.stats.IncCounter(stats.MetricGamesAnalyzed, 1)
	a.stats.IncCounter(stats.MetricMistakesFound, int64(len(mistakes)))
	a.stats.ObserveHistogram(stats.MetricAnalyzeDuration, time.Since(start).Seconds())
	a.logger.Debug("game analyzed",
		zap.String("game", g.ID),
		zap.String("color", string(g.Color)),
		zap.Int("plies", plies),
		zap.Int("mistakes", len(mistakes)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return mistakes, nil
}

func (a *Analyzer) evaluate(ctx context.Context, ev Evaluator, fen string) (uci.Eval, error) {
	a.stats.IncCounter(stats.MetricEvaluations, 1)
	e, err := ev.Evaluate(ctx, fen)
	if err != nil {
		return uci.Eval{}, fmt.Errorf("evaluating %s: %w", fen, err)
	}
	return e, nil
}

// Counting wraps an Evaluator and counts the calls made through it.
type Counting struct {
	Evaluator
	calls atomic.Int64
}

var _ Evaluator = (*Counting)(nil)

// NewCounting wraps ev.
func NewCounting(ev Evaluator) *Counting {
	return &Counting{Evaluator: ev}
}

// Evaluate forwards to the wrapped Evaluator.
func (c *Counting) Evaluate(ctx context.Context, fen string) (uci.Eval, error) {
	c.calls.Add(1)
	return c.Evaluator.Evaluate(ctx, fen)
}

// Calls returns the number of Evaluate calls so far.
func (c *Counting) Calls() int64 {
	return c.calls.Load()
}

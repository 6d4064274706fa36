// Package dispatch splits a job's games into batches and issues one
// fire-and-forget worker command per batch.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/discochess/pitfall/internal/game"
	"github.com/discochess/pitfall/internal/stats"
)

// Defaults.
const (
	DefaultBatchSize   = 20
	DefaultMaxParallel = 50
	DefaultConcurrency = 16
)

// ErrInvalidCommand is returned when a command cannot be decoded or is
// missing required fields.
var ErrInvalidCommand = errors.New("dispatch: invalid command")

// Partition splits games into order-preserving batches of at most
// batchSize games. When that yields more than maxParallel batches, the
// games are re-split into batches of ceil(n/maxParallel).
func Partition(games []game.Game, batchSize, maxParallel int) [][]game.Game {
	if len(games) == 0 {
		return nil
	}
	batchSize = max(batchSize, 1)
	maxParallel = max(maxParallel, 1)

	if ceilDiv(len(games), batchSize) > maxParallel {
		batchSize = ceilDiv(len(games), maxParallel)
	}

	batches := make([][]game.Game, 0, ceilDiv(len(games), batchSize))
	for start := 0; start < len(games); start += batchSize {
		end := min(start+batchSize, len(games))
		batches = append(batches, games[start:end:end])
	}
	return batches
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Command is the message a worker receives for one batch.
type Command struct {
	JobID      string      `json:"job_id"`
	BatchIndex int         `json:"batch_index"`
	Games      []game.Game `json:"games"`
}

// Validate checks that the command names a job and carries games.
func (c *Command) Validate() error {
	if c.JobID == "" {
		return fmt.Errorf("%w: missing job id", ErrInvalidCommand)
	}
	if c.BatchIndex < 0 {
		return fmt.Errorf("%w: negative batch index %d", ErrInvalidCommand, c.BatchIndex)
	}
	if len(c.Games) == 0 {
		return fmt.Errorf("%w: batch %s/%d has no games", ErrInvalidCommand, c.JobID, c.BatchIndex)
	}
	return nil
}

// Encode returns the JSON form of c.
func (c *Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommand parses and validates a JSON command.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// Invoker delivers a command to a worker. Invoke returns once the command
// is accepted for delivery, not when the batch finishes.
type Invoker interface {
	Invoke(ctx context.Context, cmd Command) error
}

// Handler processes one batch command.
type Handler interface {
	Run(ctx context.Context, cmd Command) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd Command) error

func (f HandlerFunc) Run(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

// BatchRecorder records batch creation and failure.
type BatchRecorder interface {
	CreateBatch(ctx context.Context, jobID string, index, totalGames int) error
	FailBatch(ctx context.Context, jobID string, index int, cause error) error
}

// Result summarizes one Dispatch call.
type Result struct {
	Issued int
	Failed int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency bounds the number of in-flight issue calls.
// Default is 16.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) { d.concurrency = n }
}

// WithStats sets the stats collector.
func WithStats(c stats.Collector) Option {
	return func(d *Dispatcher) { d.stats = c }
}

// WithLogger sets the logger. If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher records and issues batches.
type Dispatcher struct {
	recorder    BatchRecorder
	invoker     Invoker
	concurrency int
	stats       stats.Collector
	logger      *zap.Logger
}

// New creates a dispatcher.
func New(recorder BatchRecorder, invoker Invoker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		recorder:    recorder,
		invoker:     invoker,
		concurrency: DefaultConcurrency,
		stats:       stats.NewNoop(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.concurrency = max(d.concurrency, 1)
	d.logger = d.logger.Named("dispatch")
	return d
}

// Dispatch records every batch as processing and issues its command.
// Issues run concurrently; Dispatch returns once every issue call has
// returned. A batch whose command could not be issued is marked failed.
// The returned error reports record store faults only.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string, batches [][]game.Game) (Result, error) {
	var (
		g      errgroup.Group
		issued = make([]bool, len(batches))
	)
	g.SetLimit(d.concurrency)

	for i, games := range batches {
		g.Go(func() error {
			if err := d.recorder.CreateBatch(ctx, jobID, i, len(games)); err != nil {
				return err
			}
			err := d.invoker.Invoke(ctx, Command{JobID: jobID, BatchIndex: i, Games: games})
			if err == nil {
				issued[i] = true
				d.stats.IncCounter(stats.MetricBatchesIssued, 1)
				return nil
			}

			d.stats.IncCounter(stats.MetricDispatchFailure, 1)
			d.logger.Warn("issuing batch failed",
				zap.String("jobID", jobID),
				zap.Int("batch", i),
				zap.Error(err),
			)
			// The caller's context may be what failed the issue.
			return d.recorder.FailBatch(context.WithoutCancel(ctx), jobID, i, fmt.Errorf("issuing batch: %w", err))
		})
	}
	err := g.Wait()

	var res Result
	for _, ok := range issued {
		if ok {
			res.Issued++
		}
	}
	res.Failed = len(batches) - res.Issued
	d.logger.Debug("batches dispatched",
		zap.String("jobID", jobID),
		zap.Int("issued", res.Issued),
		zap.Int("failed", res.Failed),
	)
	if err != nil {
		return res, fmt.Errorf("dispatching job %s: %w", jobID, err)
	}
	return res, nil
}

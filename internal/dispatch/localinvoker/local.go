// Package localinvoker runs batch commands on goroutines in the current
// process. It stands in for remote workers in the CLI and in tests.
package localinvoker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/discochess/pitfall/internal/dispatch"
)

var _ dispatch.Invoker = (*Invoker)(nil)

// Option configures an Invoker.
type Option func(*Invoker)

// WithLogger sets the logger. If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return func(iv *Invoker) { iv.logger = l }
}

// WithConcurrency bounds how many commands run at once. Zero means no
// bound. Each running command holds its own engine process.
func WithConcurrency(n int) Option {
	return func(iv *Invoker) { iv.concurrency = n }
}

// Invoker hands each command to a Handler on its own goroutine.
type Invoker struct {
	handler     dispatch.Handler
	concurrency int
	logger      *zap.Logger
	sem         chan struct{}
	wg          sync.WaitGroup
	base        context.Context
	cancel      context.CancelFunc
}

// New creates an invoker that runs h.
func New(h dispatch.Handler, opts ...Option) *Invoker {
	iv := &Invoker{
		handler: h,
		logger:  zap.NewNop(),
	}
	iv.base, iv.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(iv)
	}
	if iv.concurrency > 0 {
		iv.sem = make(chan struct{}, iv.concurrency)
	}
	iv.logger = iv.logger.Named("localinvoker")
	return iv
}

// Invoke starts the command and returns immediately. The command keeps
// running after ctx is canceled, like a remote invocation would; only Stop
// cancels it.
func (iv *Invoker) Invoke(ctx context.Context, cmd dispatch.Command) error {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unlink := context.AfterFunc(iv.base, cancel)
	iv.wg.Add(1)
	go func() {
		defer iv.wg.Done()
		defer unlink()
		defer cancel()
		if iv.sem != nil {
			iv.sem <- struct{}{}
			defer func() { <-iv.sem }()
		}
		if err := iv.handler.Run(ctx, cmd); err != nil {
			iv.logger.Warn("batch failed",
				zap.String("jobID", cmd.JobID),
				zap.Int("batch", cmd.BatchIndex),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Wait blocks until every started command has returned.
func (iv *Invoker) Wait() {
	iv.wg.Wait()
}

// Stop cancels every running and queued command and waits for them to
// return. Handlers see a canceled context.
func (iv *Invoker) Stop() {
	iv.cancel()
	iv.wg.Wait()
}

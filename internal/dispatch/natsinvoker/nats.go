// Package natsinvoker carries batch commands over NATS. Orchestrators
// publish to a subject; workers share it through a queue group so each
// command reaches exactly one of them.
package natsinvoker

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/discochess/pitfall/internal/dispatch"
)

// DefaultSubject is the subject batch commands are published on.
const DefaultSubject = "pitfall.batches"

// DefaultQueue is the queue group workers join.
const DefaultQueue = "pitfall-workers"

var _ dispatch.Invoker = (*Invoker)(nil)

// Publisher is the subset of *nats.Conn used to publish commands.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// Subscriber is the subset of *nats.Conn used by workers.
type Subscriber interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

var (
	_ Publisher  = (*nats.Conn)(nil)
	_ Subscriber = (*nats.Conn)(nil)
)

// Invoker publishes commands on one subject.
type Invoker struct {
	conn    Publisher
	subject string
}

// New creates an invoker. An empty subject means DefaultSubject.
func New(conn Publisher, subject string) *Invoker {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Invoker{conn: conn, subject: subject}
}

// Invoke publishes the command and waits for the server to acknowledge
// the flush. It does not wait for a worker.
func (iv *Invoker) Invoke(ctx context.Context, cmd dispatch.Command) error {
	data, err := cmd.Encode()
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}
	if err := iv.conn.Publish(iv.subject, data); err != nil {
		return fmt.Errorf("publishing batch %s/%d: %w", cmd.JobID, cmd.BatchIndex, err)
	}
	if err := iv.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flushing batch %s/%d: %w", cmd.JobID, cmd.BatchIndex, err)
	}
	return nil
}

// Serve runs h for every command received on subject in queue group
// queue until ctx is done. Messages are handled one at a time; commands
// already delivered when ctx ends still run to completion.
func Serve(ctx context.Context, conn Subscriber, subject, queue string, h dispatch.Handler, logger *zap.Logger) error {
	if subject == "" {
		subject = DefaultSubject
	}
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("natsinvoker")

	runCtx := context.WithoutCancel(ctx)
	sub, err := conn.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		handle(runCtx, m.Data, h, logger)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	logger.Info("listening", zap.String("subject", subject), zap.String("queue", queue))

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("draining %s: %w", subject, err)
	}
	return nil
}

// handle decodes and runs one command. Failures are logged; the worker
// has already recorded them in the job store.
func handle(ctx context.Context, data []byte, h dispatch.Handler, logger *zap.Logger) {
	cmd, err := dispatch.DecodeCommand(data)
	if err != nil {
		logger.Error("dropping undecodable command", zap.Error(err))
		return
	}
	if err := h.Run(ctx, cmd); err != nil {
		logger.Error("batch failed",
			zap.String("jobID", cmd.JobID),
			zap.Int("batch", cmd.BatchIndex),
			zap.Error(err),
		)
	}
}

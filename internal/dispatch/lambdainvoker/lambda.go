// Package lambdainvoker issues batch commands as asynchronous AWS Lambda
// invocations.
package lambdainvoker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"go.uber.org/zap"

	"github.com/discochess/pitfall/internal/dispatch"
)

var _ dispatch.Invoker = (*Invoker)(nil)

// ErrRejected is returned when Lambda does not accept an event invocation.
var ErrRejected = errors.New("lambdainvoker: invocation rejected")

// API is the subset of the Lambda client used by Invoker.
type API interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, opts ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

var _ API = (*lambda.Client)(nil)

// Option configures an Invoker.
type Option func(*Invoker)

// WithRetryAttempts sets how many times an invocation is tried.
// Default is 3.
func WithRetryAttempts(n uint) Option {
	return func(iv *Invoker) { iv.attempts = n }
}

// WithRetryDelay sets the base backoff delay. Default is 200ms.
func WithRetryDelay(d time.Duration) Option {
	return func(iv *Invoker) { iv.delay = d }
}

// WithLogger sets the logger. If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return func(iv *Invoker) { iv.logger = l }
}

// Invoker sends each command as an Event invocation of one function.
type Invoker struct {
	client   API
	function string
	attempts uint
	delay    time.Duration
	logger   *zap.Logger
}

// New creates an invoker for the named function.
func New(client API, function string, opts ...Option) *Invoker {
	iv := &Invoker{
		client:   client,
		function: function,
		attempts: 3,
		delay:    200 * time.Millisecond,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(iv)
	}
	iv.logger = iv.logger.Named("lambdainvoker")
	return iv
}

// Open loads the default AWS configuration and creates an invoker.
func Open(ctx context.Context, function, region string, opts ...Option) (*Invoker, error) {
	var loadOpts []func(*config.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return New(lambda.NewFromConfig(cfg), function, opts...), nil
}

// Invoke queues the command. It returns once Lambda accepted the event;
// the worker runs later and reports through the job store.
func (iv *Invoker) Invoke(ctx context.Context, cmd dispatch.Command) error {
	payload, err := cmd.Encode()
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}
	in := &lambda.InvokeInput{
		FunctionName:   aws.String(iv.function),
		InvocationType: types.InvocationTypeEvent,
		Payload:        payload,
	}

	return retry.Do(
		func() error {
			out, err := iv.client.Invoke(ctx, in)
			if err != nil {
				return err
			}
			if out.StatusCode != http.StatusAccepted {
				return fmt.Errorf("%w: status %d", ErrRejected, out.StatusCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(iv.attempts),
		retry.Delay(iv.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			iv.logger.Warn("invocation failed, retrying",
				zap.String("jobID", cmd.JobID),
				zap.Int("batch", cmd.BatchIndex),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
}

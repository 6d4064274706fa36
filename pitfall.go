// Package pitfall finds recurring opening mistakes in a player's games.
//
// A Client accepts a list of games, answers what it can from the analysis
// cache, and splits the rest into batches that workers analyze with a UCI
// engine. Progress and results live in a job store; callers poll Status
// or Wait until the job is done.
//
// Example usage:
//
//	client, err := pitfall.New(
//	    pitfall.WithJobStore(memjobstore.New()),
//	    pitfall.WithInvoker(invoker),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	sub, err := client.Submit(ctx, games)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	snap, err := client.Wait(ctx, sub.JobID, time.Second, nil)
package pitfall

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/pitfall/internal/cache"
	"github.com/discochess/pitfall/internal/dispatch"
	"github.com/discochess/pitfall/internal/game"
	"github.com/discochess/pitfall/internal/jobstore"
	"github.com/discochess/pitfall/internal/stats"
	"github.com/discochess/pitfall/internal/tracker"
)

// Sentinel errors for well-defined error conditions.
var (
	// ErrNoGames indicates a submission without games.
	ErrNoGames = errors.New("pitfall: no games provided")

	// ErrInvalidGame indicates a submitted game is malformed.
	ErrInvalidGame = errors.New("pitfall: invalid game")

	// ErrJobNotFound indicates the job is unknown or expired.
	ErrJobNotFound = errors.New("pitfall: job not found")

	// ErrDispatch indicates no batch of a job could be issued.
	ErrDispatch = errors.New("pitfall: no batch could be dispatched")

	// ErrClosed indicates the client has been closed.
	ErrClosed = errors.New("pitfall: client closed")

	// ErrNoJobStore indicates neither a job store nor a tracker was provided.
	ErrNoJobStore = errors.New("pitfall: no job store provided")

	// ErrNoInvoker indicates no invoker was provided.
	ErrNoInvoker = errors.New("pitfall: no invoker provided")
)

// Public names for the records exchanged with callers.
type (
	Game     = game.Game
	Player   = game.Player
	Color    = game.Color
	Mistake  = game.Mistake
	Status   = jobstore.Status
	Snapshot = tracker.Snapshot
)

const (
	White = game.White
	Black = game.Black

	StatusProcessing = jobstore.StatusProcessing
	StatusCompleted  = jobstore.StatusCompleted
	StatusError      = jobstore.StatusError
)

// Submission is the immediate answer to Submit.
type Submission struct {
	JobID        string `json:"job_id"`
	Status       Status `json:"status"`
	TotalGames   int    `json:"total_games"`
	CachedGames  int    `json:"cached_games"`
	TotalBatches int    `json:"total_batches"`
}

// Client submits analysis jobs and reports their progress.
// A Client is safe for concurrent use by multiple goroutines.
type Client struct {
	jobStore    jobstore.Store
	tracker     *tracker.Tracker
	cache       *cache.Cache
	dispatcher  *dispatch.Dispatcher
	batchSize   int
	maxParallel int
	stats       stats.Collector
	logger      *zap.Logger
	newID       func() string
	closed      atomic.Bool
}

// New creates a new Client with the given options.
// A job store (or tracker) and an invoker are required.
func New(opts ...Option) (*Client, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	if cfg.tracker == nil && cfg.jobStore == nil {
		return nil, ErrNoJobStore
	}
	if cfg.invoker == nil {
		return nil, ErrNoInvoker
	}

	tr := cfg.tracker
	if tr == nil {
		tr = tracker.New(cfg.jobStore, tracker.WithStats(cfg.stats), tracker.WithLogger(cfg.logger))
	}

	c := &Client{
		jobStore:    cfg.jobStore,
		tracker:     tr,
		cache:       cfg.cache,
		batchSize:   cfg.batchSize,
		maxParallel: cfg.maxParallel,
		stats:       cfg.stats,
		logger:      cfg.logger.Named("pitfall"),
		newID:       cfg.newID,
	}
	c.dispatcher = dispatch.New(tr, cfg.invoker,
		dispatch.WithConcurrency(cfg.dispatchConcurrency),
		dispatch.WithStats(cfg.stats),
		dispatch.WithLogger(cfg.logger),
	)

	c.logger.Debug("client initialized",
		zap.Int("batchSize", c.batchSize),
		zap.Int("maxParallel", c.maxParallel),
		zap.Bool("cache", c.cache != nil),
	)
	return c, nil
}

// Submit validates games and starts a job. When every game is already in
// the cache the job is completed before Submit returns; otherwise the
// remaining games are dispatched and the job is processing.
func (c *Client) Submit(ctx context.Context, games []Game) (*Submission, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if len(games) == 0 {
		return nil, ErrNoGames
	}
	for i := range games {
		if err := games[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: game %d: %w", ErrInvalidGame, i, err)
		}
	}

	c.stats.IncCounter(stats.MetricSubmissions, 1)
	c.stats.IncCounter(stats.MetricGamesSubmitted, int64(len(games)))

	jobID := c.newID()
	logger := c.logger.With(zap.String("jobID", jobID))

	cached, missing := []Mistake{}, games
	if c.cache != nil {
		cached, missing = c.cache.Lookup(ctx, games)
	}
	sub := &Submission{
		JobID:       jobID,
		TotalGames:  len(games),
		CachedGames: len(games) - len(missing),
	}

	if len(missing) == 0 {
		if err := c.tracker.CreateCompletedJob(ctx, jobID, len(games), cached); err != nil {
			return nil, err
		}
		c.stats.IncCounter(stats.MetricFastPathJobs, 1)
		logger.Info("job answered from cache", zap.Int("games", len(games)), zap.Int("mistakes", len(cached)))
		sub.Status = StatusCompleted
		return sub, nil
	}

	batches := dispatch.Partition(missing, c.batchSize, c.maxParallel)
	sub.TotalBatches = len(batches)
	err := c.tracker.CreateJob(ctx, tracker.JobParams{
		ID:             jobID,
		TotalGames:     len(games),
		TotalBatches:   len(batches),
		CachedGames:    sub.CachedGames,
		CachedMistakes: cached,
	})
	if err != nil {
		return nil, err
	}

	res, err := c.dispatcher.Dispatch(ctx, jobID, batches)
	if err == nil && res.Issued == 0 {
		err = ErrDispatch
	}
	if err != nil {
		if ferr := c.tracker.FailJob(context.WithoutCancel(ctx), jobID, err); ferr != nil {
			logger.Error("recording job failure", zap.Error(ferr))
		}
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}

	logger.Info("job dispatched",
		zap.Int("games", len(games)),
		zap.Int("cached", sub.CachedGames),
		zap.Int("batches", len(batches)),
		zap.Int("failed", res.Failed),
	)
	sub.Status = StatusProcessing
	return sub, nil
}

// Status returns the job's progress. Processing jobs carry the mistakes of
// batches that already finished.
func (c *Client) Status(ctx context.Context, jobID string) (*Snapshot, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	snap, err := c.tracker.Status(ctx, jobID)
	if errors.Is(err, tracker.ErrJobNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return snap, err
}

// Wait polls Status every interval until the job is terminal or stalled,
// calling onUpdate with each snapshot when it is non-nil. When ctx ends
// first, Wait returns the last snapshot with the context's error.
func (c *Client) Wait(ctx context.Context, jobID string, interval time.Duration, onUpdate func(*Snapshot)) (*Snapshot, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *Snapshot
	for {
		snap, err := c.Status(ctx, jobID)
		switch {
		case err == nil:
			last = snap
			if onUpdate != nil {
				onUpdate(snap)
			}
			if snap.Done() || snap.Stalled() {
				return snap, nil
			}
		case ctx.Err() == nil:
			return last, err
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the cache and job store. After Close, the client should
// not be used.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	var errs []error
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing cache: %w", err))
		}
	}
	if c.jobStore != nil {
		if err := c.jobStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing job store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Package tracker records job and batch progress in a jobstore.Store and
// assembles the final result once every batch has reported.
//
// Workers and the orchestrator share no memory; the store is the only
// channel between them. The batch whose completion brings the completed
// counter to the batch total aggregates the job. A batch completes at most
// once and a finished job is never rewritten, so redelivered worker
// commands are harmless.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/discochess/pitfall/internal/game"
	"github.com/discochess/pitfall/internal/jobstore"
	"github.com/discochess/pitfall/internal/stats"
)

// ErrJobNotFound is returned for unknown or expired jobs.
var ErrJobNotFound = errors.New("tracker: job not found")

// JobParams describes a job at creation time.
type JobParams struct {
	ID           string
	TotalGames   int
	TotalBatches int

	// CachedGames is the number of games answered from the analysis cache.
	// They count as processed from the start.
	CachedGames    int
	CachedMistakes []game.Mistake
}

// Snapshot is the externally visible state of a job.
type Snapshot struct {
	JobID            string          `json:"job_id"`
	Status           jobstore.Status `json:"status"`
	TotalGames       int             `json:"total_games"`
	GamesProcessed   int             `json:"games_processed"`
	TotalBatches     int             `json:"total_batches"`
	CompletedBatches int             `json:"completed_batches"`
	ErroredBatches   int             `json:"errored_batches,omitempty"`
	MistakesFound    int             `json:"total_mistakes"`
	Mistakes         []game.Mistake  `json:"mistakes"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Done reports whether the job reached a terminal status.
func (s *Snapshot) Done() bool {
	return s.Status.Terminal()
}

// Stalled reports whether the job can no longer complete because a batch
// failed.
func (s *Snapshot) Stalled() bool {
	return s.Status == jobstore.StatusProcessing && s.ErroredBatches > 0
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTTL sets how long records are kept. Default is jobstore.DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) { t.ttl = d }
}

// WithStats sets the stats collector.
func WithStats(c stats.Collector) Option {
	return func(t *Tracker) { t.stats = c }
}

// WithLogger sets the logger. If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker reads and writes job progress.
type Tracker struct {
	store  jobstore.Store
	ttl    time.Duration
	stats  stats.Collector
	logger *zap.Logger
	now    func() time.Time
}

// New creates a tracker on s.
func New(s jobstore.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:  s,
		ttl:    jobstore.DefaultTTL,
		stats:  stats.NewNoop(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("tracker")
	return t
}

// CreateJob records a new processing job.
func (t *Tracker) CreateJob(ctx context.Context, p JobParams) error {
	now := t.now().UTC()
	cached := p.CachedMistakes
	if cached == nil {
		cached = []game.Mistake{}
	}
	job := &jobstore.Job{
		ID:             p.ID,
		Status:         jobstore.StatusProcessing,
		TotalGames:     p.TotalGames,
		GamesProcessed: p.CachedGames,
		MistakesFound:  len(cached),
		TotalBatches:   p.TotalBatches,
		CachedMistakes: cached,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      jobstore.ExpiresAt(now, t.ttl),
	}
	if err := t.store.PutJob(ctx, job); err != nil {
		return fmt.Errorf("creating job %s: %w", p.ID, err)
	}
	return nil
}

// CreateCompletedJob records a job whose every game was answered from the
// cache. It has no batches and is terminal from the start.
func (t *Tracker) CreateCompletedJob(ctx context.Context, jobID string, totalGames int, mistakes []game.Mistake) error {
	now := t.now().UTC()
	if mistakes == nil {
		mistakes = []game.Mistake{}
	}
	job := &jobstore.Job{
		ID:             jobID,
		Status:         jobstore.StatusCompleted,
		TotalGames:     totalGames,
		GamesProcessed: totalGames,
		MistakesFound:  len(mistakes),
		CachedMistakes: mistakes,
		Mistakes:       mistakes,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      jobstore.ExpiresAt(now, t.ttl),
	}
	if err := t.store.PutJob(ctx, job); err != nil {
		return fmt.Errorf("creating completed job %s: %w", jobID, err)
	}
	return nil
}

// CreateBatch records a processing batch with zero progress.
func (t *Tracker) CreateBatch(ctx context.Context, jobID string, index, totalGames int) error {
	now := t.now().UTC()
	b := &jobstore.Batch{
		JobID:      jobID,
		Index:      index,
		Status:     jobstore.StatusProcessing,
		TotalGames: totalGames,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  jobstore.ExpiresAt(now, t.ttl),
	}
	if err := t.store.PutBatch(ctx, b); err != nil {
		return fmt.Errorf("creating batch %s/%d: %w", jobID, index, err)
	}
	return nil
}

// RecordGame adds one processed game and its mistake count to the batch
// and job counters.
func (t *Tracker) RecordGame(ctx context.Context, jobID string, index, mistakesFound int) error {
	if err := t.store.UpdateBatchProgress(ctx, jobID, index, 1, mistakesFound); err != nil {
		return fmt.Errorf("recording batch progress %s/%d: %w", jobID, index, err)
	}
	if err := t.store.UpdateJobProgress(ctx, jobID, 1, mistakesFound); err != nil {
		return fmt.Errorf("recording job progress %s: %w", jobID, err)
	}
	return nil
}

// BatchPending reports whether a batch is still waiting for its worker.
// A redelivered command finds its batch already completed or failed.
func (t *Tracker) BatchPending(ctx context.Context, jobID string, index int) (bool, error) {
	got, err := t.store.GetBatches(ctx, jobID, []int{index})
	if err != nil {
		return false, fmt.Errorf("reading batch %s/%d: %w", jobID, index, err)
	}
	if len(got) == 0 {
		return false, fmt.Errorf("batch %s/%d: %w", jobID, index, jobstore.ErrNotFound)
	}
	return got[0].Status == jobstore.StatusProcessing, nil
}

// CompleteBatch stores the batch's mistakes and bumps the job's completed
// counter. The call that brings the counter to the batch total aggregates
// the job and reports true. Completing a batch that already left
// processing changes nothing.
func (t *Tracker) CompleteBatch(ctx context.Context, jobID string, index int, mistakes []game.Mistake) (bool, error) {
	if err := t.store.FinishBatch(ctx, jobID, index, mistakes); err != nil {
		if errors.Is(err, jobstore.ErrBatchFinished) {
			t.logger.Info("ignoring repeated batch completion",
				zap.String("jobID", jobID),
				zap.Int("batch", index),
			)
			return false, nil
		}
		return false, fmt.Errorf("finishing batch %s/%d: %w", jobID, index, err)
	}
	completed, err := t.store.IncrCompletedBatches(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("counting batch %s/%d: %w", jobID, index, err)
	}
	t.stats.IncCounter(stats.MetricBatchesCompleted, 1)

	job, err := t.getJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	t.logger.Debug("batch completed",
		zap.String("jobID", jobID),
		zap.Int("batch", index),
		zap.Int("completed", completed),
		zap.Int("total", job.TotalBatches),
	)
	if completed != job.TotalBatches {
		return false, nil
	}
	return t.aggregate(ctx, job)
}

// FailBatch marks a batch as failed. The completed counter is left alone,
// so the job stays processing and Status reports it as stalled.
func (t *Tracker) FailBatch(ctx context.Context, jobID string, index int, cause error) error {
	reason := reasonOf(cause)
	t.logger.Warn("batch failed",
		zap.String("jobID", jobID),
		zap.Int("batch", index),
		zap.String("reason", reason),
	)
	if err := t.store.FailBatch(ctx, jobID, index, reason); err != nil {
		return fmt.Errorf("failing batch %s/%d: %w", jobID, index, err)
	}
	t.stats.IncCounter(stats.MetricBatchesFailed, 1)
	return nil
}

// FailJob marks a whole job as failed.
func (t *Tracker) FailJob(ctx context.Context, jobID string, cause error) error {
	if err := t.store.FailJob(ctx, jobID, reasonOf(cause)); err != nil {
		return fmt.Errorf("failing job %s: %w", jobID, err)
	}
	return nil
}

// Aggregate collects every batch's mistakes, orders them by batch index
// after the cached mistakes, and marks the job completed. A job that
// already left processing is left as it is.
func (t *Tracker) Aggregate(ctx context.Context, jobID string) error {
	job, err := t.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	_, err = t.aggregate(ctx, job)
	return err
}

// aggregate reports whether this call finalized the job.
func (t *Tracker) aggregate(ctx context.Context, job *jobstore.Job) (bool, error) {
	if job.Status != jobstore.StatusProcessing {
		return false, nil
	}
	batches, err := t.batches(ctx, job)
	if err != nil {
		return false, err
	}

	mistakes := make([]game.Mistake, 0, len(job.CachedMistakes))
	mistakes = append(mistakes, job.CachedMistakes...)
	for _, b := range batches {
		mistakes = append(mistakes, b.Mistakes...)
	}

	if err := t.store.FinalizeJob(ctx, job.ID, mistakes, job.TotalGames); err != nil {
		if errors.Is(err, jobstore.ErrJobFinished) {
			return false, nil
		}
		return false, fmt.Errorf("finalizing job %s: %w", job.ID, err)
	}
	t.stats.IncCounter(stats.MetricAggregations, 1)
	t.logger.Info("job aggregated",
		zap.String("jobID", job.ID),
		zap.Int("batches", len(batches)),
		zap.Int("mistakes", len(mistakes)),
	)
	return true, nil
}

// Status returns the job's current snapshot. Processing jobs include the
// mistakes of batches that already finished.
func (t *Tracker) Status(ctx context.Context, jobID string) (*Snapshot, error) {
	job, err := t.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		JobID:            job.ID,
		Status:           job.Status,
		TotalGames:       job.TotalGames,
		GamesProcessed:   job.GamesProcessed,
		TotalBatches:     job.TotalBatches,
		CompletedBatches: job.CompletedBatches,
		MistakesFound:    job.MistakesFound,
		Error:            job.Error,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}
	if job.Status.Terminal() {
		snap.Mistakes = job.Mistakes
		if snap.Mistakes == nil {
			snap.Mistakes = []game.Mistake{}
		}
		snap.MistakesFound = len(snap.Mistakes)
		return snap, nil
	}

	batches, err := t.batches(ctx, job)
	if err != nil {
		return nil, err
	}
	snap.Mistakes = append([]game.Mistake{}, job.CachedMistakes...)
	for _, b := range batches {
		switch b.Status {
		case jobstore.StatusCompleted:
			snap.Mistakes = append(snap.Mistakes, b.Mistakes...)
		case jobstore.StatusError:
			snap.ErroredBatches++
		}
	}
	return snap, nil
}

// batches reads all of a job's batches in chunks the store accepts,
// sorted by index.
func (t *Tracker) batches(ctx context.Context, job *jobstore.Job) ([]*jobstore.Batch, error) {
	var out []*jobstore.Batch
	for _, chunk := range lo.Chunk(lo.Range(job.TotalBatches), jobstore.MaxKeysPerRead) {
		got, err := t.store.GetBatches(ctx, job.ID, chunk)
		if err != nil {
			return nil, fmt.Errorf("reading batches of %s: %w", job.ID, err)
		}
		out = append(out, got...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (t *Tracker) getJob(ctx context.Context, jobID string) (*jobstore.Job, error) {
	job, err := t.store.GetJob(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading job %s: %w", jobID, err)
	}
	return job, nil
}

func reasonOf(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

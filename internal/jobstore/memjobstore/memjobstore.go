// Package memjobstore provides an in-memory jobstore.Store.
package memjobstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/discochess/pitfall/internal/game"
	"github.com/discochess/pitfall/internal/jobstore"
)

var _ jobstore.Store = (*Store)(nil)

type batchKey struct {
	jobID string
	index int
}

// Store keeps records in maps guarded by a single mutex. Records are copied
// in and out so callers cannot alias stored state.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]*jobstore.Job
	batches map[batchKey]*jobstore.Batch
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs:    make(map[string]*jobstore.Job),
		batches: make(map[batchKey]*jobstore.Batch),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) PutJob(ctx context.Context, job *jobstore.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*jobstore.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(jobID)
	if err != nil {
		return nil, err
	}
	return copyJob(j), nil
}

func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, games, mistakes int) error {
	return s.updateJob(ctx, jobID, func(j *jobstore.Job) {
		j.GamesProcessed += games
		j.MistakesFound += mistakes
	})
}

func (s *Store) IncrCompletedBatches(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.updateJob(ctx, jobID, func(j *jobstore.Job) {
		j.CompletedBatches++
		n = j.CompletedBatches
	})
	return n, err
}

func (s *Store) FinalizeJob(ctx context.Context, jobID string, mistakes []game.Mistake, gamesProcessed int) error {
	return s.finishJob(ctx, jobID, func(j *jobstore.Job) {
		j.Status = jobstore.StatusCompleted
		j.Mistakes = slices.Clone(mistakes)
		j.MistakesFound = len(mistakes)
		j.GamesProcessed = gamesProcessed
		j.Error = ""
	})
}

func (s *Store) FailJob(ctx context.Context, jobID, reason string) error {
	return s.finishJob(ctx, jobID, func(j *jobstore.Job) {
		j.Status = jobstore.StatusError
		j.Error = reason
	})
}

func (s *Store) PutBatch(ctx context.Context, batch *jobstore.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batchKey{batch.JobID, batch.Index}] = copyBatch(batch)
	return nil
}

func (s *Store) UpdateBatchProgress(ctx context.Context, jobID string, index, games, mistakes int) error {
	return s.updateBatch(ctx, jobID, index, func(b *jobstore.Batch) {
		b.GamesProcessed += games
		b.MistakesFound += mistakes
	})
}

func (s *Store) FinishBatch(ctx context.Context, jobID string, index int, mistakes []game.Mistake) error {
	return s.finishBatch(ctx, jobID, index, func(b *jobstore.Batch) {
		b.Status = jobstore.StatusCompleted
		b.Mistakes = slices.Clone(mistakes)
		b.MistakesFound = len(mistakes)
	})
}

func (s *Store) FailBatch(ctx context.Context, jobID string, index int, reason string) error {
	return s.finishBatch(ctx, jobID, index, func(b *jobstore.Batch) {
		b.Status = jobstore.StatusError
		b.Error = reason
	})
}

func (s *Store) GetBatches(ctx context.Context, jobID string, indexes []int) ([]*jobstore.Batch, error) {
	if len(indexes) > jobstore.MaxKeysPerRead {
		return nil, fmt.Errorf("%w: %d", jobstore.ErrTooManyKeys, len(indexes))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]*jobstore.Batch, 0, len(indexes))
	for _, idx := range indexes {
		b, ok := s.batches[batchKey{jobID, idx}]
		if !ok || jobstore.Expired(b.ExpiresAt, now) {
			continue
		}
		out = append(out, copyBatch(b))
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// job returns the live record. Callers hold mu.
func (s *Store) job(jobID string) (*jobstore.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok || jobstore.Expired(j.ExpiresAt, s.now()) {
		return nil, fmt.Errorf("job %s: %w", jobID, jobstore.ErrNotFound)
	}
	return j, nil
}

func (s *Store) updateJob(ctx context.Context, jobID string, fn func(*jobstore.Job)) error {
	return s.changeJob(ctx, jobID, false, fn)
}

// finishJob applies fn only while the job is processing.
func (s *Store) finishJob(ctx context.Context, jobID string, fn func(*jobstore.Job)) error {
	return s.changeJob(ctx, jobID, true, fn)
}

func (s *Store) changeJob(ctx context.Context, jobID string, processingOnly bool, fn func(*jobstore.Job)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.job(jobID)
	if err != nil {
		return err
	}
	if processingOnly && j.Status != jobstore.StatusProcessing {
		return fmt.Errorf("job %s is %s: %w", jobID, j.Status, jobstore.ErrJobFinished)
	}
	fn(j)
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) updateBatch(ctx context.Context, jobID string, index int, fn func(*jobstore.Batch)) error {
	return s.changeBatch(ctx, jobID, index, false, fn)
}

// finishBatch applies fn only while the batch is processing.
func (s *Store) finishBatch(ctx context.Context, jobID string, index int, fn func(*jobstore.Batch)) error {
	return s.changeBatch(ctx, jobID, index, true, fn)
}

func (s *Store) changeBatch(ctx context.Context, jobID string, index int, processingOnly bool, fn func(*jobstore.Batch)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchKey{jobID, index}]
	if !ok || jobstore.Expired(b.ExpiresAt, s.now()) {
		return fmt.Errorf("batch %s/%d: %w", jobID, index, jobstore.ErrNotFound)
	}
	if processingOnly && b.Status != jobstore.StatusProcessing {
		return fmt.Errorf("batch %s/%d is %s: %w", jobID, index, b.Status, jobstore.ErrBatchFinished)
	}
	fn(b)
	b.UpdatedAt = s.now()
	return nil
}

func copyJob(j *jobstore.Job) *jobstore.Job {
	c := *j
	c.CachedMistakes = slices.Clone(j.CachedMistakes)
	c.Mistakes = slices.Clone(j.Mistakes)
	return &c
}

func copyBatch(b *jobstore.Batch) *jobstore.Batch {
	c := *b
	c.Mistakes = slices.Clone(b.Mistakes)
	return &c
}

// Package jobstore defines the external key-value contract shared by the
// orchestrator and the batch workers.
//
// Workers never talk to the orchestrator directly; everything they report
// goes through a Store. Implementations must make counter updates
// field-scoped so that concurrent writers never overwrite each other's
// progress, and IncrCompletedBatches must be a single atomic operation.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/discochess/pitfall/internal/game"
)

// Status is the lifecycle state of a job or batch.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether no further updates are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// MaxKeysPerRead is the largest number of batches GetBatches accepts.
const MaxKeysPerRead = 100

// DefaultTTL is how long job and batch records are kept.
const DefaultTTL = 7 * 24 * time.Hour

var (
	// ErrNotFound is returned for unknown or expired records.
	ErrNotFound = errors.New("jobstore: not found")

	// ErrTooManyKeys is returned when a multi-get exceeds MaxKeysPerRead.
	ErrTooManyKeys = errors.New("jobstore: too many keys in one read")

	// ErrJobFinished is returned when finalizing or failing a job that is
	// no longer processing.
	ErrJobFinished = errors.New("jobstore: job already finished")

	// ErrBatchFinished is returned when finishing or failing a batch that
	// is no longer processing.
	ErrBatchFinished = errors.New("jobstore: batch already finished")
)

// Job is the record of one analysis request.
type Job struct {
	ID               string         `json:"job_id" dynamodbav:"jobId"`
	Status           Status         `json:"status" dynamodbav:"status"`
	TotalGames       int            `json:"total_games" dynamodbav:"totalGames"`
	GamesProcessed   int            `json:"games_processed" dynamodbav:"gamesProcessed"`
	MistakesFound    int            `json:"mistakes_found" dynamodbav:"mistakesFound"`
	TotalBatches     int            `json:"total_batches" dynamodbav:"totalBatches"`
	CompletedBatches int            `json:"completed_batches" dynamodbav:"completedBatches"`
	CachedMistakes   []game.Mistake `json:"cached_mistakes,omitempty" dynamodbav:"cachedMistakes,omitempty"`
	Mistakes         []game.Mistake `json:"mistakes,omitempty" dynamodbav:"mistakes,omitempty"`
	Error            string         `json:"error,omitempty" dynamodbav:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at" dynamodbav:"createdAt"`
	UpdatedAt        time.Time      `json:"updated_at" dynamodbav:"updatedAt"`
	ExpiresAt        int64          `json:"expires_at" dynamodbav:"expiresAt"`
}

// Batch is the record of one worker invocation's slice of a job.
type Batch struct {
	JobID          string         `json:"job_id" dynamodbav:"jobId"`
	Index          int            `json:"batch_index" dynamodbav:"batchIndex"`
	Status         Status         `json:"status" dynamodbav:"status"`
	TotalGames     int            `json:"total_games" dynamodbav:"totalGames"`
	GamesProcessed int            `json:"games_processed" dynamodbav:"gamesProcessed"`
	MistakesFound  int            `json:"mistakes_found" dynamodbav:"mistakesFound"`
	Mistakes       []game.Mistake `json:"mistakes,omitempty" dynamodbav:"mistakes,omitempty"`
	Error          string         `json:"error,omitempty" dynamodbav:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at" dynamodbav:"createdAt"`
	UpdatedAt      time.Time      `json:"updated_at" dynamodbav:"updatedAt"`
	ExpiresAt      int64          `json:"expires_at" dynamodbav:"expiresAt"`
}

// Store is the job and batch record store.
type Store interface {
	// PutJob writes a new job record, replacing any previous one.
	PutJob(ctx context.Context, job *Job) error

	// GetJob reads a job. Returns ErrNotFound for unknown or expired jobs.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// UpdateJobProgress adds to the job's processed and mistake counters.
	UpdateJobProgress(ctx context.Context, jobID string, games, mistakes int) error

	// IncrCompletedBatches atomically adds one to the completed batch
	// counter and returns the new value.
	IncrCompletedBatches(ctx context.Context, jobID string) (int, error)

	// FinalizeJob marks a processing job completed with its aggregated
	// result. Returns ErrJobFinished if the job already left processing.
	FinalizeJob(ctx context.Context, jobID string, mistakes []game.Mistake, gamesProcessed int) error

	// FailJob marks a processing job as failed. Returns ErrJobFinished if
	// the job already left processing.
	FailJob(ctx context.Context, jobID, reason string) error

	// PutBatch writes a new batch record.
	PutBatch(ctx context.Context, batch *Batch) error

	// UpdateBatchProgress adds to the batch's processed and mistake counters.
	UpdateBatchProgress(ctx context.Context, jobID string, index, games, mistakes int) error

	// FinishBatch marks a processing batch completed and stores its
	// mistakes. Returns ErrBatchFinished if the batch already left
	// processing, so a redelivered command cannot complete it twice.
	FinishBatch(ctx context.Context, jobID string, index int, mistakes []game.Mistake) error

	// FailBatch marks a processing batch as failed. Returns
	// ErrBatchFinished if the batch already left processing.
	FailBatch(ctx context.Context, jobID string, index int, reason string) error

	// GetBatches reads up to MaxKeysPerRead batches. Missing batches are
	// omitted; order of the result is unspecified.
	GetBatches(ctx context.Context, jobID string, indexes []int) ([]*Batch, error)

	// Close releases resources held by the store.
	Close() error
}

// ExpiresAt returns the unix expiry for a record written at now.
func ExpiresAt(now time.Time, ttl time.Duration) int64 {
	return now.Add(ttl).Unix()
}

// Expired reports whether a record with the given expiry is gone at now.
// Zero means the record never expires.
func Expired(expiresAt int64, now time.Time) bool {
	return expiresAt != 0 && now.Unix() >= expiresAt
}

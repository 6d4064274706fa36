// Package jobstoretest provides a conformance suite for jobstore.Store
// implementations.
package jobstoretest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/discochess/pitfall/internal/game"
	"github.com/discochess/pitfall/internal/jobstore"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) jobstore.Store

// Run exercises every Store operation against stores from newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s jobstore.Store)
	}{
		{"JobRoundTrip", testJobRoundTrip},
		{"JobNotFound", testJobNotFound},
		{"JobProgress", testJobProgress},
		{"IncrCompletedBatches", testIncrCompletedBatches},
		{"FinalizeJob", testFinalizeJob},
		{"FailJob", testFailJob},
		{"BatchLifecycle", testBatchLifecycle},
		{"FailBatch", testFailBatch},
		{"FinishBatchOnce", testFinishBatchOnce},
		{"FinishedJobIsFinal", testFinishedJobIsFinal},
		{"GetBatches", testGetBatches},
		{"GetBatchesTooManyKeys", testGetBatchesTooManyKeys},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// NewJob returns a processing job record with a one-day expiry.
func NewJob(id string, totalGames, totalBatches int) *jobstore.Job {
	now := time.Now().UTC().Truncate(time.Second)
	return &jobstore.Job{
		ID:           id,
		Status:       jobstore.StatusProcessing,
		TotalGames:   totalGames,
		TotalBatches: totalBatches,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    jobstore.ExpiresAt(now, 24*time.Hour),
	}
}

// NewBatch returns a processing batch record with a one-day expiry.
func NewBatch(jobID string, index, totalGames int) *jobstore.Batch {
	now := time.Now().UTC().Truncate(time.Second)
	return &jobstore.Batch{
		JobID:      jobID,
		Index:      index,
		Status:     jobstore.StatusProcessing,
		TotalGames: totalGames,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  jobstore.ExpiresAt(now, 24*time.Hour),
	}
}

func mistake(move string) game.Mistake {
	return game.Mistake{Move: move, MoveNumber: 3, EvalDrop: -120, MoveSequence: []string{"e4", "e5", move}, PlayerColor: game.White}
}

func testJobRoundTrip(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	job := NewJob("job-1", 45, 3)
	job.CachedMistakes = []game.Mistake{mistake("Qh5")}

	if err := s.PutJob(ctx, job); err != nil {
		t.Fatalf("PutJob() error = %v", err)
	}
	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.ID != "job-1" || got.Status != jobstore.StatusProcessing || got.TotalGames != 45 || got.TotalBatches != 3 {
		t.Errorf("GetJob() = %+v", got)
	}
	if len(got.CachedMistakes) != 1 || got.CachedMistakes[0].Move != "Qh5" {
		t.Errorf("CachedMistakes = %+v", got.CachedMistakes)
	}
	if got.ExpiresAt != job.ExpiresAt {
		t.Errorf("ExpiresAt = %d, want %d", got.ExpiresAt, job.ExpiresAt)
	}
}

func testJobNotFound(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	if _, err := s.GetJob(ctx, "nope"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Errorf("GetJob() error = %v, want ErrNotFound", err)
	}

	expired := NewJob("old", 1, 1)
	expired.ExpiresAt = time.Now().Add(-time.Hour).Unix()
	if err := s.PutJob(ctx, expired); err != nil {
		t.Fatalf("PutJob() error = %v", err)
	}
	if _, err := s.GetJob(ctx, "old"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Errorf("GetJob(expired) error = %v, want ErrNotFound", err)
	}
}

func testJobProgress(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	if err := s.PutJob(ctx, NewJob("job-p", 100, 5)); err != nil {
		t.Fatalf("PutJob() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.UpdateJobProgress(ctx, "job-p", 1, 2); err != nil {
				t.Errorf("UpdateJobProgress() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetJob(ctx, "job-p")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.GamesProcessed != 20 || got.MistakesFound != 40 {
		t.Errorf("progress = %d games, %d mistakes, want 20, 40", got.GamesProcessed, got.MistakesFound)
	}
	if got.TotalGames != 100 {
		t.Errorf("TotalGames = %d, progress updates must be field-scoped", got.TotalGames)
	}
}

func testIncrCompletedBatches(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	const n = 10
	if err := s.PutJob(ctx, NewJob("job-c", n, n)); err != nil {
		t.Fatalf("PutJob() error = %v", err)
	}

	results := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.IncrCompletedBatches(ctx, "job-c")
			if err != nil {
				t.Errorf("IncrCompletedBatches() error = %v", err)
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	sort.Ints(results)
	for i, v := range results {
		if v != i+1 {
			t.Fatalf("increment results = %v, want each of 1..%d exactly once", results, n)
		}
	}

	if _, err := s.IncrCompletedBatches(ctx, "missing"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Errorf("IncrCompletedBatches(missing) error = %v, want ErrNotFound", err)
	}
}

func testFinalizeJob(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	if err := s.PutJob(ctx, NewJob("job-f", 3, 1)); err != nil {
		t.Fatalf("PutJob() error = %v", err)
	}
	mistakes := []game.Mistake{mistake("Nf3"), mistake("Bc4")}
	if err := s.FinalizeJob(ctx, "job-f", mistakes, 3); err != nil {
		t.Fatalf("FinalizeJob() error = %v", err)
	}
	if err := s.FinalizeJob(ctx, "job-f", []game.Mistake{mistake("h4")}, 3); !errors.Is(err, jobstore.ErrJobFinished) {
		t.Fatalf("FinalizeJob() second call error = %v, want ErrJobFinished", err)
	}

	got, err := s.GetJob(ctx, "job-f")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != jobstore.StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if len(got.Mistakes) != 2 || got.Mistakes[0].Move != "Nf3" || got.Mistakes[1].Move != "Bc4" {
		t.Errorf("Mistakes = %+v", got.Mistakes)
	}
	if got.MistakesFound != 2 || got.GamesProcessed != 3 {
		t.Errorf("counters = %d mistakes, %d games", got.MistakesFound, got.GamesProcessed)
	}
}

func testFailJob(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	if err := s.PutJob(ctx, NewJob("job-e", 3, 1)); err != nil {
		t.Fatalf("PutJob() error = %v", err)
	}
	if err := s.FailJob(ctx, "job-e", "dispatch failed"); err != nil {
		t.Fatalf("FailJob() error = %v", err)
	}
	got, err := s.GetJob(ctx, "job-e")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != jobstore.StatusError || got.Error != "dispatch failed" {
		t.Errorf("job = %s %q", got.Status, got.Error)
	}
}

func testBatchLifecycle(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	if err := s.PutBatch(ctx, NewBatch("job-b", 0, 3)); err != nil {
		t.Fatalf("PutBatch() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.UpdateBatchProgress(ctx, "job-b", 0, 1, i); err != nil {
			t.Fatalf("UpdateBatchProgress() error = %v", err)
		}
	}
	if err := s.FinishBatch(ctx, "job-b", 0, []game.Mistake{mistake("f3"), mistake("g4"), mistake("Ke2")}); err != nil {
		t.Fatalf("FinishBatch() error = %v", err)
	}

	got, err := s.GetBatches(ctx, "job-b", []int{0})
	if err != nil {
		t.Fatalf("GetBatches() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("GetBatches() returned %d batches, want 1", len(got))
	}
	b := got[0]
	if b.Status != jobstore.StatusCompleted || b.GamesProcessed != 3 || b.TotalGames != 3 {
		t.Errorf("batch = %+v", b)
	}
	if len(b.Mistakes) != 3 || b.Mistakes[2].Move != "Ke2" || b.MistakesFound != 3 {
		t.Errorf("batch mistakes = %+v (%d)", b.Mistakes, b.MistakesFound)
	}

	if err := s.UpdateBatchProgress(ctx, "job-b", 9, 1, 0); !errors.Is(err, jobstore.ErrNotFound) {
		t.Errorf("UpdateBatchProgress(missing) error = %v, want ErrNotFound", err)
	}
}

func testFailBatch(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	if err := s.PutBatch(ctx, NewBatch("job-x", 1, 20)); err != nil {
		t.Fatalf("PutBatch() error = %v", err)
	}
	if err := s.FailBatch(ctx, "job-x", 1, "engine failed to start"); err != nil {
		t.Fatalf("FailBatch() error = %v", err)
	}
	got, err := s.GetBatches(ctx, "job-x", []int{1})
	if err != nil || len(got) != 1 {
		t.Fatalf("GetBatches() = %v, %v", got, err)
	}
	if got[0].Status != jobstore.StatusError || got[0].Error != "engine failed to start" {
		t.Errorf("batch = %s %q", got[0].Status, got[0].Error)
	}
}

func testFinishBatchOnce(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	if err := s.PutBatch(ctx, NewBatch("job-o", 0, 2)); err != nil {
		t.Fatalf("PutBatch() error = %v", err)
	}
	if err := s.FinishBatch(ctx, "job-o", 0, []game.Mistake{mistake("f3")}); err != nil {
		t.Fatalf("FinishBatch() error = %v", err)
	}
	if err := s.FinishBatch(ctx, "job-o", 0, []game.Mistake{mistake("g4"), mistake("Ke2")}); !errors.Is(err, jobstore.ErrBatchFinished) {
		t.Errorf("FinishBatch() redelivered error = %v, want ErrBatchFinished", err)
	}
	if err := s.FailBatch(ctx, "job-o", 0, "late failure"); !errors.Is(err, jobstore.ErrBatchFinished) {
		t.Errorf("FailBatch(completed) error = %v, want ErrBatchFinished", err)
	}

	got, err := s.GetBatches(ctx, "job-o", []int{0})
	if err != nil || len(got) != 1 {
		t.Fatalf("GetBatches() = %v, %v", got, err)
	}
	if got[0].Status != jobstore.StatusCompleted || len(got[0].Mistakes) != 1 || got[0].Mistakes[0].Move != "f3" {
		t.Errorf("batch = %s %+v, want the first completion kept", got[0].Status, got[0].Mistakes)
	}

	if err := s.PutBatch(ctx, NewBatch("job-o", 1, 2)); err != nil {
		t.Fatalf("PutBatch() error = %v", err)
	}
	if err := s.FailBatch(ctx, "job-o", 1, "engine failed to start"); err != nil {
		t.Fatalf("FailBatch() error = %v", err)
	}
	if err := s.FinishBatch(ctx, "job-o", 1, nil); !errors.Is(err, jobstore.ErrBatchFinished) {
		t.Errorf("FinishBatch(failed) error = %v, want ErrBatchFinished", err)
	}
	if err := s.FinishBatch(ctx, "job-o", 9, nil); !errors.Is(err, jobstore.ErrNotFound) {
		t.Errorf("FinishBatch(missing) error = %v, want ErrNotFound", err)
	}
}

func testFinishedJobIsFinal(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	if err := s.PutJob(ctx, NewJob("job-d", 3, 1)); err != nil {
		t.Fatalf("PutJob() error = %v", err)
	}
	if err := s.FinalizeJob(ctx, "job-d", []game.Mistake{mistake("Nf3")}, 3); err != nil {
		t.Fatalf("FinalizeJob() error = %v", err)
	}
	if err := s.FailJob(ctx, "job-d", "late failure"); !errors.Is(err, jobstore.ErrJobFinished) {
		t.Errorf("FailJob(completed) error = %v, want ErrJobFinished", err)
	}

	if err := s.PutJob(ctx, NewJob("job-e2", 3, 1)); err != nil {
		t.Fatalf("PutJob() error = %v", err)
	}
	if err := s.FailJob(ctx, "job-e2", "dispatch failed"); err != nil {
		t.Fatalf("FailJob() error = %v", err)
	}
	if err := s.FinalizeJob(ctx, "job-e2", nil, 3); !errors.Is(err, jobstore.ErrJobFinished) {
		t.Errorf("FinalizeJob(failed) error = %v, want ErrJobFinished", err)
	}

	got, err := s.GetJob(ctx, "job-d")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != jobstore.StatusCompleted || got.Error != "" || len(got.Mistakes) != 1 {
		t.Errorf("job = %s %q %+v, want unchanged completed record", got.Status, got.Error, got.Mistakes)
	}
	if err := s.FailJob(ctx, "missing", "x"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Errorf("FailJob(missing) error = %v, want ErrNotFound", err)
	}
}

func testGetBatches(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.PutBatch(ctx, NewBatch("job-g", i, 20)); err != nil {
			t.Fatalf("PutBatch() error = %v", err)
		}
	}
	if err := s.PutBatch(ctx, NewBatch("other", 0, 20)); err != nil {
		t.Fatalf("PutBatch() error = %v", err)
	}

	got, err := s.GetBatches(ctx, "job-g", []int{4, 0, 2, 7})
	if err != nil {
		t.Fatalf("GetBatches() error = %v", err)
	}
	var idx []int
	for _, b := range got {
		if b.JobID != "job-g" {
			t.Errorf("batch from job %s leaked into read", b.JobID)
		}
		idx = append(idx, b.Index)
	}
	sort.Ints(idx)
	if fmt.Sprint(idx) != "[0 2 4]" {
		t.Errorf("indexes = %v, want [0 2 4]", idx)
	}

	if got, err := s.GetBatches(ctx, "job-g", nil); err != nil || len(got) != 0 {
		t.Errorf("GetBatches(nil) = %v, %v", got, err)
	}
}

func testGetBatchesTooManyKeys(t *testing.T, s jobstore.Store) {
	indexes := make([]int, jobstore.MaxKeysPerRead+1)
	for i := range indexes {
		indexes[i] = i
	}
	if _, err := s.GetBatches(context.Background(), "job", indexes); !errors.Is(err, jobstore.ErrTooManyKeys) {
		t.Errorf("GetBatches(101 keys) error = %v, want ErrTooManyKeys", err)
	}
	if _, err := s.GetBatches(context.Background(), "job", indexes[:jobstore.MaxKeysPerRead]); err != nil {
		t.Errorf("GetBatches(100 keys) error = %v", err)
	}
}

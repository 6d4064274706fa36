package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/discochess/pitfall/internal/game"
	"github.com/discochess/pitfall/internal/jobstore"
	"github.com/discochess/pitfall/internal/jobstore/memjobstore"
	"github.com/discochess/pitfall/internal/stats/logger"
)

// chunkingStore records the largest multi-get it was asked for.
type chunkingStore struct {
	jobstore.Store
	mu      sync.Mutex
	maxKeys int
	reads   int
}

func (s *chunkingStore) GetBatches(ctx context.Context, jobID string, indexes []int) ([]*jobstore.Batch, error) {
	s.mu.Lock()
	s.reads++
	if len(indexes) > s.maxKeys {
		s.maxKeys = len(indexes)
	}
	s.mu.Unlock()
	return s.Store.GetBatches(ctx, jobID, indexes)
}

func mistake(move string) game.Mistake {
	return game.Mistake{Move: move, MoveNumber: 2, EvalDrop: -150, MoveSequence: []string{"e4", move}, PlayerColor: game.White}
}

func newTracker(t *testing.T) (*Tracker, *memjobstore.Store) {
	t.Helper()
	s := memjobstore.New()
	return New(s, WithLogger(zaptest.NewLogger(t))), s
}

func moves(ms []game.Mistake) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Move
	}
	return out
}

func TestTracker_StatusUnknownJob(t *testing.T) {
	tr, _ := newTracker(t)
	if _, err := tr.Status(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Status() error = %v, want ErrJobNotFound", err)
	}
}

func TestTracker_CreateCompletedJob(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t)

	if err := tr.CreateCompletedJob(ctx, "fast", 4, []game.Mistake{mistake("Qh5")}); err != nil {
		t.Fatalf("CreateCompletedJob() error = %v", err)
	}
	snap, err := tr.Status(ctx, "fast")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if snap.Status != jobstore.StatusCompleted || !snap.Done() {
		t.Errorf("Status = %s, want completed", snap.Status)
	}
	if snap.TotalBatches != 0 || snap.GamesProcessed != 4 || snap.MistakesFound != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestTracker_ProgressAndPartialResults(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t)

	err := tr.CreateJob(ctx, JobParams{
		ID:             "j",
		TotalGames:     5,
		TotalBatches:   2,
		CachedGames:    1,
		CachedMistakes: []game.Mistake{mistake("f3")},
	})
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := tr.CreateBatch(ctx, "j", i, 2); err != nil {
			t.Fatalf("CreateBatch(%d) error = %v", i, err)
		}
	}

	if err := tr.RecordGame(ctx, "j", 0, 1); err != nil {
		t.Fatalf("RecordGame() error = %v", err)
	}
	if err := tr.RecordGame(ctx, "j", 0, 0); err != nil {
		t.Fatalf("RecordGame() error = %v", err)
	}
	triggered, err := tr.CompleteBatch(ctx, "j", 0, []game.Mistake{mistake("Qh5")})
	if err != nil {
		t.Fatalf("CompleteBatch() error = %v", err)
	}
	if triggered {
		t.Error("first of two batches should not trigger aggregation")
	}

	snap, err := tr.Status(ctx, "j")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if snap.Status != jobstore.StatusProcessing {
		t.Errorf("Status = %s, want processing", snap.Status)
	}
	if snap.GamesProcessed != 3 {
		t.Errorf("GamesProcessed = %d, want 3 (1 cached + 2 analyzed)", snap.GamesProcessed)
	}
	if snap.MistakesFound != 2 {
		t.Errorf("MistakesFound = %d, want 2", snap.MistakesFound)
	}
	if got := moves(snap.Mistakes); len(got) != 2 || got[0] != "f3" || got[1] != "Qh5" {
		t.Errorf("partial mistakes = %v, want [f3 Qh5]", got)
	}
}

func TestTracker_CompleteBatchTriggersOnce(t *testing.T) {
	ctx := context.Background()
	collector := logger.New(zaptest.NewLogger(t))
	s := memjobstore.New()
	tr := New(s, WithStats(collector))

	const batches = 8
	if err := tr.CreateJob(ctx, JobParams{
		ID:             "j",
		TotalGames:     batches + 1,
		TotalBatches:   batches,
		CachedGames:    1,
		CachedMistakes: []game.Mistake{mistake("cached")},
	}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	for i := 0; i < batches; i++ {
		if err := tr.CreateBatch(ctx, "j", i, 1); err != nil {
			t.Fatalf("CreateBatch() error = %v", err)
		}
	}

	var triggers atomic.Int32
	var wg sync.WaitGroup
	for i := batches - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := tr.CompleteBatch(ctx, "j", i, []game.Mistake{mistake(fmt.Sprintf("b%d", i))})
			if err != nil {
				t.Errorf("CompleteBatch(%d) error = %v", i, err)
			}
			if ok {
				triggers.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := triggers.Load(); got != 1 {
		t.Fatalf("aggregation triggered %d times, want 1", got)
	}
	if got := collector.Counter("pitfall_aggregations_total"); got != 1 {
		t.Errorf("aggregations counter = %d, want 1", got)
	}

	snap, err := tr.Status(ctx, "j")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if snap.Status != jobstore.StatusCompleted {
		t.Fatalf("Status = %s, want completed", snap.Status)
	}
	want := []string{"cached", "b0", "b1", "b2", "b3", "b4", "b5", "b6", "b7"}
	got := moves(snap.Mistakes)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("mistakes = %v, want %v", got, want)
	}
	if snap.GamesProcessed != batches+1 {
		t.Errorf("GamesProcessed = %d, want %d", snap.GamesProcessed, batches+1)
	}
}

func TestTracker_AggregateReadsInChunks(t *testing.T) {
	ctx := context.Background()
	s := &chunkingStore{Store: memjobstore.New()}
	tr := New(s)

	const batches = 250
	if err := tr.CreateJob(ctx, JobParams{ID: "big", TotalGames: batches, TotalBatches: batches}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	for i := 0; i < batches; i++ {
		if err := tr.CreateBatch(ctx, "big", i, 1); err != nil {
			t.Fatalf("CreateBatch() error = %v", err)
		}
		if err := s.FinishBatch(ctx, "big", i, []game.Mistake{mistake(fmt.Sprint(i))}); err != nil {
			t.Fatalf("FinishBatch() error = %v", err)
		}
	}

	if err := tr.Aggregate(ctx, "big"); err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if s.maxKeys > jobstore.MaxKeysPerRead {
		t.Errorf("largest read = %d keys, limit %d", s.maxKeys, jobstore.MaxKeysPerRead)
	}
	if s.reads != 3 {
		t.Errorf("reads = %d, want 3", s.reads)
	}

	// Aggregating a completed job leaves it as it is.
	if err := tr.Aggregate(ctx, "big"); err != nil {
		t.Fatalf("second Aggregate() error = %v", err)
	}
	snap, err := tr.Status(ctx, "big")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(snap.Mistakes) != batches {
		t.Fatalf("mistakes = %d, want %d", len(snap.Mistakes), batches)
	}
	for i, m := range snap.Mistakes {
		if m.Move != fmt.Sprint(i) {
			t.Fatalf("mistake %d = %s, want batch order", i, m.Move)
		}
	}
}

func TestTracker_RepeatedCompletionCountsOnce(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t)

	if err := tr.CreateJob(ctx, JobParams{ID: "j", TotalGames: 2, TotalBatches: 2}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := tr.CreateBatch(ctx, "j", i, 1); err != nil {
			t.Fatalf("CreateBatch() error = %v", err)
		}
	}

	for delivery := 1; delivery <= 2; delivery++ {
		aggregated, err := tr.CompleteBatch(ctx, "j", 0, []game.Mistake{mistake("f3")})
		if err != nil {
			t.Fatalf("CompleteBatch() delivery %d error = %v", delivery, err)
		}
		if aggregated {
			t.Errorf("delivery %d of batch 0 aggregated the job", delivery)
		}
	}
	snap, err := tr.Status(ctx, "j")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if snap.Status != jobstore.StatusProcessing || snap.CompletedBatches != 1 {
		t.Errorf("after redelivery: status = %s, completed = %d/2", snap.Status, snap.CompletedBatches)
	}

	aggregated, err := tr.CompleteBatch(ctx, "j", 1, []game.Mistake{mistake("g4")})
	if err != nil {
		t.Fatalf("CompleteBatch() error = %v", err)
	}
	if !aggregated {
		t.Error("last batch should aggregate the job")
	}
	if aggregated, err := tr.CompleteBatch(ctx, "j", 1, []game.Mistake{mistake("Ke2")}); err != nil || aggregated {
		t.Errorf("late redelivery = %v, %v, want false, nil", aggregated, err)
	}

	job, err := s.GetJob(ctx, "j")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Status != jobstore.StatusCompleted || job.CompletedBatches != 2 {
		t.Errorf("job = %s, completed = %d/2", job.Status, job.CompletedBatches)
	}
	if got := moves(job.Mistakes); len(got) != 2 || got[0] != "f3" || got[1] != "g4" {
		t.Errorf("mistakes = %v, want [f3 g4]", got)
	}
}

func TestTracker_BatchPending(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t)

	if err := tr.CreateJob(ctx, JobParams{ID: "j", TotalGames: 3, TotalBatches: 3}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := tr.CreateBatch(ctx, "j", i, 1); err != nil {
			t.Fatalf("CreateBatch() error = %v", err)
		}
	}
	if _, err := tr.CompleteBatch(ctx, "j", 1, nil); err != nil {
		t.Fatalf("CompleteBatch() error = %v", err)
	}
	if err := tr.FailBatch(ctx, "j", 2, errors.New("engine failed to start")); err != nil {
		t.Fatalf("FailBatch() error = %v", err)
	}

	for index, want := range []bool{true, false, false} {
		got, err := tr.BatchPending(ctx, "j", index)
		if err != nil {
			t.Fatalf("BatchPending(%d) error = %v", index, err)
		}
		if got != want {
			t.Errorf("BatchPending(%d) = %v, want %v", index, got, want)
		}
	}
	if _, err := tr.BatchPending(ctx, "j", 7); !errors.Is(err, jobstore.ErrNotFound) {
		t.Errorf("BatchPending(missing) error = %v, want ErrNotFound", err)
	}
}

func TestTracker_FailBatchStallsJob(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t)

	if err := tr.CreateJob(ctx, JobParams{ID: "j", TotalGames: 2, TotalBatches: 2}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := tr.CreateBatch(ctx, "j", i, 1); err != nil {
			t.Fatalf("CreateBatch() error = %v", err)
		}
	}
	if _, err := tr.CompleteBatch(ctx, "j", 0, nil); err != nil {
		t.Fatalf("CompleteBatch() error = %v", err)
	}
	if err := tr.FailBatch(ctx, "j", 1, errors.New("engine failed to start")); err != nil {
		t.Fatalf("FailBatch() error = %v", err)
	}

	job, err := s.GetJob(ctx, "j")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.CompletedBatches != 1 {
		t.Errorf("CompletedBatches = %d, want 1", job.CompletedBatches)
	}

	snap, err := tr.Status(ctx, "j")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if snap.Status != jobstore.StatusProcessing {
		t.Errorf("Status = %s, want processing", snap.Status)
	}
	if snap.ErroredBatches != 1 || !snap.Stalled() {
		t.Errorf("ErroredBatches = %d, Stalled = %v", snap.ErroredBatches, snap.Stalled())
	}
}

func TestTracker_FailJob(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t)
	if err := tr.CreateJob(ctx, JobParams{ID: "j", TotalGames: 1, TotalBatches: 1}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := tr.FailJob(ctx, "j", errors.New("dispatch failed")); err != nil {
		t.Fatalf("FailJob() error = %v", err)
	}
	snap, err := tr.Status(ctx, "j")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if snap.Status != jobstore.StatusError || snap.Error != "dispatch failed" {
		t.Errorf("snapshot = %s %q", snap.Status, snap.Error)
	}
	if snap.Mistakes == nil {
		t.Error("terminal snapshot should carry an empty mistake list")
	}
}

func TestTracker_CompleteBatchUnknownJob(t *testing.T) {
	tr, _ := newTracker(t)
	if _, err := tr.CompleteBatch(context.Background(), "nope", 0, nil); err == nil {
		t.Error("CompleteBatch() on unknown job should fail")
	}
}

package worker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/discochess/pitfall/internal/analysis"
	"github.com/discochess/pitfall/internal/cache"
	"github.com/discochess/pitfall/internal/dispatch"
	"github.com/discochess/pitfall/internal/game"
	"github.com/discochess/pitfall/internal/jobstore"
	"github.com/discochess/pitfall/internal/jobstore/memjobstore"
	"github.com/discochess/pitfall/internal/store/memstore"
	"github.com/discochess/pitfall/internal/tracker"
	"github.com/discochess/pitfall/internal/uci"
)

var breyer = strings.Fields("e4 e5 Nf3 Nc6 Bb5 a6 Ba4 Nf6 O-O Be7 Re1 b5 Bb3 d6 c3 O-O h3 Nb8 d4 Nbd7")

// Position after 1.e4 e5 2.Nf3; the fake engine scores it -200.
const afterNf3 = "rnbqkbnr/pppp1ppp/8/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R b KQkq - 1 2"

type fakeEngine struct {
	scores     map[string]int
	err        error
	calls      *atomic.Int64
	terminated *atomic.Int32
}

func (e *fakeEngine) Evaluate(_ context.Context, fen string) (uci.Eval, error) {
	e.calls.Add(1)
	if e.err != nil {
		return uci.Eval{}, e.err
	}
	score := e.scores[fen]
	return uci.Eval{Score: &score, BestMove: "b1c3", Depth: 15}, nil
}

func (e *fakeEngine) Depth() int { return 15 }

func (e *fakeEngine) Terminate() { e.terminated.Add(1) }

// engines counts factory calls, evaluations and terminations.
type engines struct {
	started    atomic.Int32
	calls      atomic.Int64
	terminated atomic.Int32
	startErr   error
	evalErr    error // returned by the first engine only
}

func (f *engines) factory(context.Context) (Engine, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	n := f.started.Add(1)
	e := &fakeEngine{
		scores:     map[string]int{afterNf3: -200},
		calls:      &f.calls,
		terminated: &f.terminated,
	}
	if n == 1 {
		e.err = f.evalErr
	}
	return e, nil
}

type fixture struct {
	tracker *tracker.Tracker
	cache   *cache.Cache
	engines *engines
	worker  *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, memjobstore.New())
}

func newFixtureOn(t *testing.T, s jobstore.Store) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		tracker: tracker.New(s, tracker.WithLogger(logger)),
		cache:   cache.New(memstore.New(), cache.WithLogger(logger)),
		engines: &engines{},
	}
	f.worker = New(f.tracker, analysis.New(), f.engines.factory, WithCache(f.cache), WithLogger(logger))
	return f
}

// submit records a one-batch job for games and returns its command.
func (f *fixture) submit(t *testing.T, jobID string, games ...game.Game) dispatch.Command {
	t.Helper()
	ctx := context.Background()
	if err := f.tracker.CreateJob(ctx, tracker.JobParams{ID: jobID, TotalGames: len(games), TotalBatches: 1}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := f.tracker.CreateBatch(ctx, jobID, 0, len(games)); err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	return dispatch.Command{JobID: jobID, BatchIndex: 0, Games: games}
}

func (f *fixture) status(t *testing.T, jobID string) *tracker.Snapshot {
	t.Helper()
	snap, err := f.tracker.Status(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	return snap
}

func ruyLopez(id string) game.Game {
	return game.Game{ID: id, Moves: breyer, Color: game.White, Result: "0-1", Opening: "Ruy Lopez"}
}

func TestWorker_Run(t *testing.T) {
	f := newFixture(t)
	cmd := f.submit(t, "j",
		ruyLopez("g1"),
		game.Game{ID: "short", Moves: []string{"e4", "e5"}, Color: game.White},
		game.Game{ID: "junk", Moves: []string{"e4", "Qxz9"}, Color: game.Black},
	)

	if err := f.worker.Run(context.Background(), cmd); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	snap := f.status(t, "j")
	if snap.Status != jobstore.StatusCompleted {
		t.Fatalf("Status = %s, want completed", snap.Status)
	}
	if snap.GamesProcessed != 3 {
		t.Errorf("GamesProcessed = %d, want 3", snap.GamesProcessed)
	}
	if len(snap.Mistakes) != 1 {
		t.Fatalf("mistakes = %+v, want one", snap.Mistakes)
	}
	m := snap.Mistakes[0]
	if m.Move != "Nf3" || m.MoveNumber != 2 || m.EvalDrop != -200 || m.BestMove != "Nc3" || m.Result != game.ResultLoss {
		t.Errorf("mistake = %+v", m)
	}

	if got := f.engines.started.Load(); got != 1 {
		t.Errorf("engines started = %d, want 1", got)
	}
	if got := f.engines.terminated.Load(); got != 1 {
		t.Errorf("engines terminated = %d, want 1", got)
	}
	if _, ok := f.cache.Get(context.Background(), "g1", game.White); !ok {
		t.Error("analyzed game should be cached")
	}
	if _, ok := f.cache.Get(context.Background(), "short", game.White); ok {
		t.Error("skipped game should not be cached")
	}
}

func TestWorker_CachedResultsSkipEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.worker.Run(ctx, f.submit(t, "first", ruyLopez("g1"))); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	calls := f.engines.calls.Load()
	started := f.engines.started.Load()

	if err := f.worker.Run(ctx, f.submit(t, "second", ruyLopez("g1"))); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if got := f.engines.calls.Load(); got != calls {
		t.Errorf("evaluations grew from %d to %d on a cached game", calls, got)
	}
	if got := f.engines.started.Load(); got != started {
		t.Error("an all-cached batch should not start an engine")
	}

	first, second := f.status(t, "first"), f.status(t, "second")
	if len(first.Mistakes) != 1 || len(second.Mistakes) != 1 || first.Mistakes[0].SequenceKey() != second.Mistakes[0].SequenceKey() {
		t.Errorf("cached result differs: %+v vs %+v", first.Mistakes, second.Mistakes)
	}
}

func TestWorker_CleanGameIsCached(t *testing.T) {
	f := newFixture(t)
	qgd := strings.Fields("d4 d5 c4 e6 Nc3 Nf6 Bg5 Be7 e3 O-O Nf3 Nbd7 Rc1 c6")
	clean := game.Game{ID: "clean", Moves: qgd, Color: game.Black}

	if err := f.worker.Run(context.Background(), f.submit(t, "j", clean)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	m, ok := f.cache.Get(context.Background(), "clean", game.Black)
	if !ok || len(m) != 0 || m == nil {
		t.Errorf("cache = %v, %v; want an empty hit", m, ok)
	}
}

func TestWorker_EngineStartFailure(t *testing.T) {
	f := newFixture(t)
	f.engines.startErr = errors.New("exec: stockfish: not found")

	err := f.worker.Run(context.Background(), f.submit(t, "j", ruyLopez("g1")))
	if !errors.Is(err, ErrEngineStart) {
		t.Fatalf("Run() error = %v, want ErrEngineStart", err)
	}

	snap := f.status(t, "j")
	if snap.Status != jobstore.StatusProcessing || snap.ErroredBatches != 1 {
		t.Errorf("snapshot = %s with %d errored batches, want a stalled job", snap.Status, snap.ErroredBatches)
	}
	if snap.CompletedBatches != 0 {
		t.Errorf("CompletedBatches = %d, want 0", snap.CompletedBatches)
	}
}

func TestWorker_EngineExitRestarts(t *testing.T) {
	f := newFixture(t)
	f.engines.evalErr = uci.ErrEngineExited

	err := f.worker.Run(context.Background(), f.submit(t, "j", ruyLopez("g1"), ruyLopez("g2")))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.engines.started.Load(); got != 2 {
		t.Errorf("engines started = %d, want 2", got)
	}
	if got := f.engines.terminated.Load(); got != 2 {
		t.Errorf("engines terminated = %d, want 2", got)
	}

	snap := f.status(t, "j")
	if snap.GamesProcessed != 2 || len(snap.Mistakes) != 1 || snap.Mistakes[0].GameURL != "g2" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestWorker_Canceled(t *testing.T) {
	f := newFixture(t)
	cmd := f.submit(t, "j", ruyLopez("g1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.worker.Run(ctx, cmd); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if snap := f.status(t, "j"); snap.ErroredBatches != 1 {
		t.Errorf("ErroredBatches = %d, want 1", snap.ErroredBatches)
	}
}

// unreachableAtFinish fails every FinishBatch call.
type unreachableAtFinish struct {
	*memjobstore.Store
}

func (unreachableAtFinish) FinishBatch(context.Context, string, int, []game.Mistake) error {
	return errors.New("store unreachable")
}

func TestWorker_CompletionFailureFailsBatch(t *testing.T) {
	f := newFixtureOn(t, unreachableAtFinish{memjobstore.New()})

	err := f.worker.Run(context.Background(), f.submit(t, "j", ruyLopez("g1")))
	if err == nil || !strings.Contains(err.Error(), "store unreachable") {
		t.Fatalf("Run() error = %v, want the store failure", err)
	}

	snap := f.status(t, "j")
	if snap.Status != jobstore.StatusProcessing || snap.ErroredBatches != 1 || !snap.Stalled() {
		t.Errorf("snapshot = %s, %d errored, stalled = %v; want a stalled job", snap.Status, snap.ErroredBatches, snap.Stalled())
	}
}

func TestWorker_RedeliveryIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cmd := f.submit(t, "j", ruyLopez("g1"), ruyLopez("g2"))

	if err := f.worker.Run(ctx, cmd); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	calls := f.engines.calls.Load()

	if err := f.worker.Run(ctx, cmd); err != nil {
		t.Fatalf("redelivered Run() error = %v", err)
	}
	if got := f.engines.calls.Load(); got != calls {
		t.Errorf("evaluations grew from %d to %d on a redelivered command", calls, got)
	}

	snap := f.status(t, "j")
	if snap.Status != jobstore.StatusCompleted || snap.CompletedBatches != 1 {
		t.Errorf("status = %s, completed = %d/1", snap.Status, snap.CompletedBatches)
	}
	if snap.GamesProcessed != 2 || len(snap.Mistakes) != 2 {
		t.Errorf("games = %d, mistakes = %d; want 2, 2", snap.GamesProcessed, len(snap.Mistakes))
	}
}

func TestWorker_InvalidCommand(t *testing.T) {
	f := newFixture(t)
	if err := f.worker.Run(context.Background(), dispatch.Command{}); !errors.Is(err, dispatch.ErrInvalidCommand) {
		t.Errorf("Run() error = %v, want ErrInvalidCommand", err)
	}
}

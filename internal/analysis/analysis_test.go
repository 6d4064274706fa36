package analysis

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/discochess/pitfall/internal/game"
	"github.com/discochess/pitfall/internal/notation"
	"github.com/discochess/pitfall/internal/uci"
)

// Closed Ruy Lopez, Breyer variation: 20 half-moves.
var breyer = strings.Fields("e4 e5 Nf3 Nc6 Bb5 a6 Ba4 Nf6 O-O Be7 Re1 b5 Bb3 d6 c3 O-O h3 Nb8 d4 Nbd7")

// scriptedEvaluator returns scores[i] for the position before half-move i
// (scores[len] is the final position). A nil entry means no evaluation.
type scriptedEvaluator struct {
	index map[string]int
	score []*int
	best  map[int]string
	err   error
}

func newScripted(t *testing.T, g game.Game, scores []*int) *scriptedEvaluator {
	t.Helper()
	line, err := notation.Replay(g)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	s := &scriptedEvaluator{index: make(map[string]int), best: make(map[int]string)}
	for i := range line.Positions {
		s.index[line.FEN(i)] = i
	}
	s.score = scores
	return s
}

func (s *scriptedEvaluator) Evaluate(_ context.Context, fen string) (uci.Eval, error) {
	if s.err != nil {
		return uci.Eval{}, s.err
	}
	i, ok := s.index[fen]
	if !ok {
		return uci.Eval{}, errors.New("unknown position")
	}
	var ev uci.Eval
	if i < len(s.score) {
		ev.Score = s.score[i]
	}
	ev.BestMove = s.best[i]
	return ev, nil
}

func cp(v int) *int { return &v }

// flat returns n+1 scores of v.
func flat(n, v int) []*int {
	out := make([]*int, n+1)
	for i := range out {
		out[i] = cp(v)
	}
	return out
}

func TestAnalyze_MistakeAtMoveTwo(t *testing.T) {
	g := game.Game{ID: "https://example.com/game/1", Moves: breyer, Color: game.White, Result: "1-0", Opening: "Ruy Lopez"}

	scores := flat(len(breyer), -80)
	scores[0] = cp(20)
	scores[1] = cp(30) // after ply 0
	scores[2] = cp(30) // after ply 1
	scores[3] = cp(-80)

	ev := newScripted(t, g, scores)
	ev.best[2] = "b1c3"

	a := New(WithLogger(zaptest.NewLogger(t)))
	mistakes, err := a.Analyze(context.Background(), g, ev)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(mistakes) != 1 {
		t.Fatalf("len(mistakes) = %d, want 1: %+v", len(mistakes), mistakes)
	}

	m := mistakes[0]
	if m.MoveNumber != 2 {
		t.Errorf("MoveNumber = %d, want 2", m.MoveNumber)
	}
	if m.EvalDrop != -110 {
		t.Errorf("EvalDrop = %d, want -110", m.EvalDrop)
	}
	if m.EvalBefore != 30 || m.EvalAfter != -80 {
		t.Errorf("EvalBefore, EvalAfter = %d, %d, want 30, -80", m.EvalBefore, m.EvalAfter)
	}
	if m.Move != "Nf3" {
		t.Errorf("Move = %q, want Nf3", m.Move)
	}
	if m.BestMove != "Nc3" {
		t.Errorf("BestMove = %q, want Nc3", m.BestMove)
	}
	if want := []string{"e4", "e5", "Nf3"}; !reflect.DeepEqual(m.MoveSequence, want) {
		t.Errorf("MoveSequence = %v, want %v", m.MoveSequence, want)
	}
	if m.Result != game.ResultWin {
		t.Errorf("Result = %q, want Win", m.Result)
	}
	if m.GameURL != g.ID || m.Opening != "Ruy Lopez" || m.PlayerColor != game.White {
		t.Errorf("metadata not copied: %+v", m)
	}
	if want := "rnbqkbnr/pppp1ppp/8/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R b KQkq - 1 2"; m.FEN != want {
		t.Errorf("FEN = %q, want %q", m.FEN, want)
	}
}

func TestAnalyze_BlackPerspective(t *testing.T) {
	g := game.Game{ID: "g", Moves: breyer, Color: game.Black, Result: "1-0"}

	scores := flat(len(breyer), 0)
	// Black's third move (ply 5, a6) lets White gain 150.
	for i := 6; i < len(scores); i++ {
		scores[i] = cp(150)
	}
	// White's own improvement at ply 8 is not Black's mistake.
	for i := 9; i < len(scores); i++ {
		scores[i] = cp(400)
	}

	mistakes, err := New().Analyze(context.Background(), g, newScripted(t, g, scores))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(mistakes) != 1 {
		t.Fatalf("len(mistakes) = %d, want 1: %+v", len(mistakes), mistakes)
	}
	m := mistakes[0]
	if m.Move != "a6" || m.MoveNumber != 3 {
		t.Errorf("mistake = %s at %d, want a6 at 3", m.Move, m.MoveNumber)
	}
	if m.EvalBefore != 0 || m.EvalAfter != -150 || m.EvalDrop != -150 {
		t.Errorf("evals = %d -> %d (%d), want 0 -> -150 (-150)", m.EvalBefore, m.EvalAfter, m.EvalDrop)
	}
	if m.Result != game.ResultLoss {
		t.Errorf("Result = %q, want Loss", m.Result)
	}
}

func TestAnalyze_EarlyOuts(t *testing.T) {
	tests := []struct {
		name    string
		game    game.Game
		wantErr error
	}{
		{
			name:    "too short",
			game:    game.Game{ID: "g", Moves: breyer[:10], Color: game.White},
			wantErr: ErrTooShort,
		},
		{
			name:    "one short of window",
			game:    game.Game{ID: "g", Moves: breyer[:13], Color: game.White},
			wantErr: ErrTooShort,
		},
		{
			name:    "unparseable",
			game:    game.Game{ID: "g", Moves: []string{"e4", "Ke7", "Qxf7"}, Color: game.White},
			wantErr: ErrUnparseable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewCounting(&scriptedEvaluator{})
			mistakes, err := New().Analyze(context.Background(), tt.game, ev)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Analyze() error = %v, want %v", err, tt.wantErr)
			}
			if mistakes != nil {
				t.Errorf("mistakes = %v, want nil", mistakes)
			}
			if ev.Calls() != 0 {
				t.Errorf("evaluator called %d times, want 0", ev.Calls())
			}
		})
	}
}

func TestAnalyze_CleanGame(t *testing.T) {
	g := game.Game{ID: "g", Moves: breyer[:14], Color: game.White}
	ev := NewCounting(newScripted(t, g, flat(14, 25)))

	mistakes, err := New().Analyze(context.Background(), g, ev)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if mistakes == nil || len(mistakes) != 0 {
		t.Errorf("mistakes = %#v, want empty non-nil", mistakes)
	}
	// Seed, one per ply, plus a pre-move query for each of White's 7 moves.
	if got := ev.Calls(); got != 1+14+7 {
		t.Errorf("Calls() = %d, want 22", got)
	}
}

func TestAnalyze_NullEvaluationSuppressesPly(t *testing.T) {
	g := game.Game{ID: "g", Moves: breyer, Color: game.White}

	scores := flat(len(breyer), 0)
	scores[3] = nil      // after ply 2: no comparison at ply 2
	scores[5] = cp(-500) // after ply 4: previous (ply 3) is 0, a real mistake
	scores[6] = cp(-500)
	for i := 7; i < len(scores); i++ {
		scores[i] = nil // nothing comparable from ply 6 on
	}

	mistakes, err := New().Analyze(context.Background(), g, newScripted(t, g, scores))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(mistakes) != 1 || mistakes[0].MoveNumber != 3 {
		t.Fatalf("mistakes = %+v, want one at move 3", mistakes)
	}
}

func TestAnalyze_EvaluatorError(t *testing.T) {
	g := game.Game{ID: "g", Moves: breyer, Color: game.White}
	boom := errors.New("engine died")

	mistakes, err := New().Analyze(context.Background(), g, &scriptedEvaluator{err: boom})
	if !errors.Is(err, boom) {
		t.Errorf("Analyze() error = %v, want %v", err, boom)
	}
	if mistakes != nil {
		t.Errorf("mistakes = %v, want nil", mistakes)
	}
}

func TestAnalyze_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := New(WithWindow(20), WithThreshold(60))

	for trial := 0; trial < 50; trial++ {
		color := game.White
		if trial%2 == 1 {
			color = game.Black
		}
		g := game.Game{ID: "g", Moves: breyer, Color: color}

		scores := make([]*int, len(breyer)+1)
		for i := range scores {
			if rng.Intn(10) == 0 {
				continue
			}
			scores[i] = cp(rng.Intn(600) - 300)
		}

		mistakes, err := a.Analyze(context.Background(), g, newScripted(t, g, scores))
		if err != nil {
			t.Fatalf("trial %d: Analyze() error = %v", trial, err)
		}
		lastLen := 0
		for _, m := range mistakes {
			if m.EvalDrop > -60 {
				t.Errorf("trial %d: EvalDrop = %d, want <= -60", trial, m.EvalDrop)
			}
			if m.EvalDrop != m.EvalAfter-m.EvalBefore {
				t.Errorf("trial %d: drop %d != %d - %d", trial, m.EvalDrop, m.EvalAfter, m.EvalBefore)
			}
			if len(m.MoveSequence) <= lastLen {
				t.Errorf("trial %d: sequence length %d not increasing", trial, len(m.MoveSequence))
			}
			if !reflect.DeepEqual(m.MoveSequence, breyer[:len(m.MoveSequence)]) {
				t.Errorf("trial %d: sequence %v is not a prefix of the game", trial, m.MoveSequence)
			}
			if m.Move != m.MoveSequence[len(m.MoveSequence)-1] {
				t.Errorf("trial %d: Move %q is not the last in its sequence", trial, m.Move)
			}
			lastLen = len(m.MoveSequence)
		}
	}
}

func TestAnalyze_PGN(t *testing.T) {
	pgn := `[Event "Rated Blitz game"]
[Result "0-1"]

1. e4 e5 2. Nf3 Nc6 3. Bb5 a6 4. Ba4 Nf6 5. O-O Be7 6. Re1 b5 7. Bb3 d6 0-1`
	g := game.Game{ID: "g", PGN: pgn, Color: game.Black}
	scores := flat(14, 0)

	mistakes, err := New().Analyze(context.Background(), g, newScripted(t, g, scores))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(mistakes) != 0 {
		t.Errorf("mistakes = %+v, want none", mistakes)
	}
}

// BenchmarkAnalyze measures the analyzer's own overhead: replay, SAN
// conversion and mistake assembly with an instant evaluator.
func BenchmarkAnalyze(b *testing.B) {
	g := game.Game{ID: "g", Moves: breyer, Color: game.White}
	line, err := notation.Replay(g)
	if err != nil {
		b.Fatalf("Replay() error = %v", err)
	}
	ev := &scriptedEvaluator{index: make(map[string]int), best: make(map[int]string)}
	for i := range line.Positions {
		ev.index[line.FEN(i)] = i
	}
	ev.score = flat(len(breyer), 0)
	for i := 3; i < len(ev.score); i++ {
		ev.score[i] = cp(-200)
	}

	a := New()
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := a.Analyze(ctx, g, ev); err != nil {
			b.Fatal(err)
		}
	}
}

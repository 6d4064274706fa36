package uci

import "testing"

func TestParseLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantKind  EventKind
		wantDepth int
		wantScore *Score
		wantPV    string
		wantMove  string
	}{
		{name: "uciok", line: "uciok", wantKind: EventUCIOK},
		{name: "readyok", line: "readyok\r", wantKind: EventReadyOK},
		{name: "id line", line: "id name Stockfish 17", wantKind: EventUnknown},
		{name: "empty", line: "   ", wantKind: EventUnknown},
		{
			name:      "centipawn info",
			line:      "info depth 15 seldepth 21 multipv 1 score cp 34 nodes 123456 nps 900000 time 120 pv e2e4 e7e5 g1f3",
			wantKind:  EventInfo,
			wantDepth: 15,
			wantScore: &Score{Value: 34},
			wantPV:    "e2e4",
		},
		{
			name:      "negative mate info",
			line:      "info depth 20 score mate -3 pv h7h8",
			wantKind:  EventInfo,
			wantDepth: 20,
			wantScore: &Score{Mate: true, Value: -3},
			wantPV:    "h7h8",
		},
		{
			name:      "lowerbound info",
			line:      "info depth 12 seldepth 14 score cp 51 lowerbound nodes 1000 pv d2d4",
			wantKind:  EventInfo,
			wantDepth: 12,
			wantScore: &Score{Value: 51},
			wantPV:    "d2d4",
		},
		{
			name:      "currmove info without score",
			line:      "info depth 9 currmove e2e4 currmovenumber 1",
			wantKind:  EventInfo,
			wantDepth: 9,
		},
		{
			name:     "info string",
			line:     "info string NNUE evaluation using nn-1111.nnue depth 99 score cp 5",
			wantKind: EventInfo,
		},
		{name: "bestmove with ponder", line: "bestmove e2e4 ponder e7e5", wantKind: EventBestMove, wantMove: "e2e4"},
		{name: "bestmove none", line: "bestmove (none)", wantKind: EventBestMove, wantMove: "(none)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := ParseLine(tt.line)
			if ev.Kind != tt.wantKind {
				t.Fatalf("Kind = %v, want %v", ev.Kind, tt.wantKind)
			}
			if ev.Depth != tt.wantDepth {
				t.Errorf("Depth = %d, want %d", ev.Depth, tt.wantDepth)
			}
			switch {
			case tt.wantScore == nil && ev.Score != nil:
				t.Errorf("Score = %+v, want nil", *ev.Score)
			case tt.wantScore != nil && ev.Score == nil:
				t.Errorf("Score = nil, want %+v", *tt.wantScore)
			case tt.wantScore != nil && *ev.Score != *tt.wantScore:
				t.Errorf("Score = %+v, want %+v", *ev.Score, *tt.wantScore)
			}
			if ev.PV != tt.wantPV {
				t.Errorf("PV = %q, want %q", ev.PV, tt.wantPV)
			}
			if ev.Move != tt.wantMove {
				t.Errorf("Move = %q, want %q", ev.Move, tt.wantMove)
			}
		})
	}
}

func TestScore_Centipawns(t *testing.T) {
	tests := []struct {
		score Score
		want  int
	}{
		{Score{Value: 0}, 0},
		{Score{Value: -250}, -250},
		{Score{Mate: true, Value: 1}, 9900},
		{Score{Mate: true, Value: 5}, 9500},
		{Score{Mate: true, Value: -1}, -9900},
		{Score{Mate: true, Value: -3}, -9700},
		{Score{Mate: true, Value: 0}, -10000},
	}

	for _, tt := range tests {
		if got := tt.score.Centipawns(); got != tt.want {
			t.Errorf("%+v.Centipawns() = %d, want %d", tt.score, got, tt.want)
		}
	}

	// Nearer mates must outrank distant ones, and any mate must outrank material.
	if (Score{Mate: true, Value: 2}).Centipawns() <= (Score{Mate: true, Value: 3}).Centipawns() {
		t.Error("mate in 2 should outrank mate in 3")
	}
	if (Score{Mate: true, Value: 50}).Centipawns() <= 3000 {
		t.Error("distant mate should still outrank a large material edge")
	}
}

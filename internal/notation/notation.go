// Package notation converts between coordinate and algebraic move notation
// and replays game records into position sequences.
package notation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/notnil/chess"

	"github.com/discochess/pitfall/internal/game"
)

// ErrUnparseable indicates the game's move list could not be interpreted.
var ErrUnparseable = errors.New("notation: unparseable move list")

// Line is a replayed game: Positions[i] is the position before half-move i,
// and Positions[len(Moves)] is the final position.
type Line struct {
	Positions []*chess.Position
	Moves     []*chess.Move
	SAN       []string
}

// Len returns the number of half-moves.
func (l *Line) Len() int {
	return len(l.Moves)
}

// FEN returns the position before half-move i in FEN.
func (l *Line) FEN(i int) string {
	return l.Positions[i].String()
}

// Prefix returns the SAN moves up to and including half-move i.
func (l *Line) Prefix(i int) []string {
	out := make([]string, i+1)
	copy(out, l.SAN[:i+1])
	return out
}

// ToSAN translates a coordinate-notation move (e.g. "g1f3", "e7e8q") played
// from pos into algebraic notation. Unknown or illegal moves are returned
// unchanged. pos is not modified.
func ToSAN(pos *chess.Position, uciMove string) string {
	if pos == nil || uciMove == "" {
		return uciMove
	}
	for _, m := range pos.ValidMoves() {
		if m.String() == uciMove {
			return chess.AlgebraicNotation{}.Encode(pos, m)
		}
	}
	return uciMove
}

// Replay parses g's PGN, or its SAN move list when no PGN is present.
func Replay(g game.Game) (*Line, error) {
	if strings.TrimSpace(g.PGN) != "" {
		return replayPGN(g.PGN)
	}
	return replaySAN(g.Moves)
}

func replayPGN(pgn string) (*Line, error) {
	opt, err := chess.PGN(strings.NewReader(pgn))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnparseable, err)
	}
	g := chess.NewGame(opt)
	moves := g.Moves()
	positions := g.Positions()
	if len(positions) != len(moves)+1 {
		return nil, fmt.Errorf("%w: %d positions for %d moves", ErrUnparseable, len(positions), len(moves))
	}

	line := &Line{
		Positions: positions,
		Moves:     moves,
		SAN:       make([]string, len(moves)),
	}
	for i, m := range moves {
		line.SAN[i] = chess.AlgebraicNotation{}.Encode(positions[i], m)
	}
	return line, nil
}

func replaySAN(moves []string) (*Line, error) {
	pos := chess.NewGame().Position()
	line := &Line{
		Positions: []*chess.Position{pos},
		Moves:     make([]*chess.Move, 0, len(moves)),
		SAN:       make([]string, 0, len(moves)),
	}
	for i, s := range moves {
		m := decode(pos, s)
		if m == nil {
			return nil, fmt.Errorf("%w: move %d %q", ErrUnparseable, i+1, s)
		}
		line.SAN = append(line.SAN, chess.AlgebraicNotation{}.Encode(pos, m))
		line.Moves = append(line.Moves, m)
		pos = pos.Update(m)
		line.Positions = append(line.Positions, pos)
	}
	return line, nil
}

// decode matches s against the legal moves of pos in algebraic notation,
// ignoring check marks and annotations, then falls back to coordinate
// notation.
func decode(pos *chess.Position, s string) *chess.Move {
	want := cleanSAN(s)
	if want == "" {
		return nil
	}
	valid := pos.ValidMoves()
	for _, m := range valid {
		if cleanSAN(chess.AlgebraicNotation{}.Encode(pos, m)) == want {
			return m
		}
	}
	for _, m := range valid {
		if m.String() == strings.ToLower(want) {
			return m
		}
	}
	return nil
}

func cleanSAN(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "+#!?")
	return strings.ReplaceAll(s, "0-0", "O-O")
}

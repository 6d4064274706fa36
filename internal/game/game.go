// Package game defines the game and mistake records shared by the analysis
// pipeline and the job orchestration layer.
package game

import (
	"errors"
	"fmt"
	"strings"
)

// Color is the side a player had in a game.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Valid reports whether c is White or Black.
func (c Color) Valid() bool {
	return c == White || c == Black
}

// MovesFirst reports whether c is the first-moving side.
func (c Color) MovesFirst() bool {
	return c == White
}

// Opponent returns the other color.
func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// Sign returns +1 for White and -1 for Black. Multiplying a White-relative
// score by Sign orients it to the player.
func (c Color) Sign() int {
	if c == Black {
		return -1
	}
	return 1
}

// Outcome markers as written in PGN.
const (
	OutcomeWhiteWon = "1-0"
	OutcomeBlackWon = "0-1"
	OutcomeDraw     = "1/2-1/2"
	OutcomeUnknown  = "*"
)

// Player result labels.
const (
	ResultWin  = "Win"
	ResultLoss = "Loss"
	ResultDraw = "Draw"
)

// PlayerResult maps a PGN outcome to Win, Loss or Draw from the point of
// view of color. Unknown outcomes map to "".
func PlayerResult(outcome string, color Color) string {
	switch outcome {
	case OutcomeWhiteWon:
		if color == White {
			return ResultWin
		}
		return ResultLoss
	case OutcomeBlackWon:
		if color == Black {
			return ResultWin
		}
		return ResultLoss
	case OutcomeDraw:
		return ResultDraw
	}
	return ""
}

// ErrInvalid is wrapped by Validate failures.
var ErrInvalid = errors.New("game: invalid record")

// Player identifies one side of a game.
type Player struct {
	Username string `json:"username" dynamodbav:"username"`
	Rating   int    `json:"rating" dynamodbav:"rating"`
}

// Game is a fetched game record. It is read-only to the analysis pipeline.
type Game struct {
	// ID is a stable unique identifier, usually the game URL.
	ID string `json:"url" dynamodbav:"url"`

	// PGN is the full game text. When empty, Moves is used instead.
	PGN string `json:"pgn,omitempty" dynamodbav:"pgn,omitempty"`

	// Moves is the move list in algebraic notation.
	Moves []string `json:"moves,omitempty" dynamodbav:"moves,omitempty"`

	// Color is the side of the analyzed player.
	Color Color `json:"player_color" dynamodbav:"player_color"`

	Opening     string `json:"opening,omitempty" dynamodbav:"opening,omitempty"`
	ECO         string `json:"eco,omitempty" dynamodbav:"eco,omitempty"`
	Result      string `json:"result,omitempty" dynamodbav:"result,omitempty"`
	TimeClass   string `json:"time_class,omitempty" dynamodbav:"time_class,omitempty"`
	TimeControl string `json:"time_control,omitempty" dynamodbav:"time_control,omitempty"`
	EndTime     int64  `json:"end_time,omitempty" dynamodbav:"end_time,omitempty"`
	White       Player `json:"white" dynamodbav:"white"`
	Black       Player `json:"black" dynamodbav:"black"`
}

// Validate checks the fields the pipeline depends on.
func (g *Game) Validate() error {
	if strings.TrimSpace(g.ID) == "" {
		return fmt.Errorf("%w: missing identifier", ErrInvalid)
	}
	if !g.Color.Valid() {
		return fmt.Errorf("%w: game %s has player color %q", ErrInvalid, g.ID, g.Color)
	}
	if strings.TrimSpace(g.PGN) == "" && len(g.Moves) == 0 {
		return fmt.Errorf("%w: game %s has no moves", ErrInvalid, g.ID)
	}
	return nil
}

// Outcome returns the game's outcome marker, reading the PGN Result tag
// when Result is not set.
func (g *Game) Outcome() string {
	if g.Result != "" {
		return g.Result
	}
	for _, line := range strings.Split(g.PGN, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, `[Result "`) {
			continue
		}
		if parts := strings.Split(line, `"`); len(parts) >= 2 {
			return parts[1]
		}
	}
	return ""
}

// Mistake is an opening move that lost at least the mistake threshold.
// Evaluations are in centipawns from the analyzed player's point of view.
type Mistake struct {
	MoveNumber   int      `json:"move_number" dynamodbav:"move_number"`
	Move         string   `json:"move" dynamodbav:"move"`
	BestMove     string   `json:"best_move,omitempty" dynamodbav:"best_move,omitempty"`
	MoveSequence []string `json:"move_sequence" dynamodbav:"move_sequence"`
	EvalBefore   int      `json:"eval_before" dynamodbav:"eval_before"`
	EvalAfter    int      `json:"eval_after" dynamodbav:"eval_after"`
	EvalDrop     int      `json:"eval_drop" dynamodbav:"eval_drop"`
	Opening      string   `json:"opening" dynamodbav:"opening"`
	ECO          string   `json:"eco,omitempty" dynamodbav:"eco,omitempty"`
	PlayerColor  Color    `json:"player_color" dynamodbav:"player_color"`
	GameURL      string   `json:"game_url" dynamodbav:"game_url"`
	TimeClass    string   `json:"time_class,omitempty" dynamodbav:"time_class,omitempty"`
	TimeControl  string   `json:"time_control,omitempty" dynamodbav:"time_control,omitempty"`
	EndTime      int64    `json:"end_time,omitempty" dynamodbav:"end_time,omitempty"`
	FEN          string   `json:"fen" dynamodbav:"fen"`
	Result       string   `json:"result" dynamodbav:"result"`
	White        Player   `json:"white" dynamodbav:"white"`
	Black        Player   `json:"black" dynamodbav:"black"`
}

// SequenceKey returns the move sequence joined by spaces. Mistakes with the
// same key are the same recurring mistake.
func (m *Mistake) SequenceKey() string {
	return strings.Join(m.MoveSequence, " ")
}

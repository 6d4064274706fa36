package uci

import (
	"strconv"
	"strings"
)

// EventKind classifies a line of engine output.
type EventKind int

const (
	// EventUnknown is any line the adapter does not act on (id, option,
	// info string, copyright banners).
	EventUnknown EventKind = iota
	// EventUCIOK is the "uciok" handshake signal.
	EventUCIOK
	// EventReadyOK is the "readyok" handshake signal.
	EventReadyOK
	// EventInfo is a search progress line.
	EventInfo
	// EventBestMove is the terminal "bestmove" line of a search.
	EventBestMove
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventUCIOK:
		return "uciok"
	case EventReadyOK:
		return "readyok"
	case EventInfo:
		return "info"
	case EventBestMove:
		return "bestmove"
	}
	return "unknown"
}

// Mate score constants. A mate in n converts to MateScore - n*MateStep so
// that nearer mates rank above distant ones and all mates rank above any
// material score.
const (
	MateScore = 10000
	MateStep  = 100
)

// Score is a raw engine score, relative to the side to move.
type Score struct {
	// Mate is true when Value is a mate distance in moves rather than
	// centipawns.
	Mate  bool
	Value int
}

// Centipawns converts s to centipawns. Mate scores map to
// ±(MateScore - MateStep*|n|); "mate 0" means the side to move is mated.
func (s Score) Centipawns() int {
	if !s.Mate {
		return s.Value
	}
	switch {
	case s.Value > 0:
		return MateScore - s.Value*MateStep
	case s.Value < 0:
		return -MateScore - s.Value*MateStep
	}
	return -MateScore
}

// Event is a parsed line of engine output.
type Event struct {
	Kind EventKind

	// Depth is the reported search depth of an info line.
	Depth int

	// Score is set for info lines that carry a score.
	Score *Score

	// PV is the first move of the principal variation of an info line.
	PV string

	// Move is the move of a bestmove line.
	Move string
}

// ParseLine parses a single line of engine output.
func ParseLine(line string) Event {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return Event{Kind: EventUnknown}
	}

	switch tokens[0] {
	case "uciok":
		return Event{Kind: EventUCIOK}
	case "readyok":
		return Event{Kind: EventReadyOK}
	case "bestmove":
		ev := Event{Kind: EventBestMove}
		if len(tokens) > 1 {
			ev.Move = tokens[1]
		}
		return ev
	case "info":
		return parseInfo(tokens[1:])
	}
	return Event{Kind: EventUnknown}
}

func parseInfo(tokens []string) Event {
	ev := Event{Kind: EventInfo}
	for i := 0; i < len(tokens); i++ {
		switch tokens[i] {
		case "string":
			// Free text until end of line.
			return ev
		case "depth":
			if i+1 < len(tokens) {
				if d, err := strconv.Atoi(tokens[i+1]); err == nil {
					ev.Depth = d
				}
				i++
			}
		case "score":
			if i+2 >= len(tokens) {
				return ev
			}
			v, err := strconv.Atoi(tokens[i+2])
			if err != nil {
				i += 2
				continue
			}
			switch tokens[i+1] {
			case "cp":
				ev.Score = &Score{Value: v}
			case "mate":
				ev.Score = &Score{Mate: true, Value: v}
			}
			i += 2
		case "pv":
			if i+1 < len(tokens) {
				ev.PV = tokens[i+1]
			}
			// The rest of the line is the variation.
			return ev
		}
	}
	return ev
}

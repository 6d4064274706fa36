// Package fen provides FEN (Forsyth-Edwards Notation) helpers used when
// talking to a UCI engine.
package fen

import (
	"errors"
	"strings"
)

// ErrInvalidFEN indicates the FEN string is malformed.
var ErrInvalidFEN = errors.New("invalid FEN notation")

// Side is the side to move in a position.
type Side byte

const (
	White Side = 'w'
	Black Side = 'b'
)

// Sign returns +1 for White and -1 for Black. Multiplying a side-to-move
// relative score by Sign yields a score from White's point of view.
func (s Side) Sign() int {
	if s == Black {
		return -1
	}
	return 1
}

// Validate checks the piece placement and side-to-move fields of a FEN.
// Castling, en passant and the move counters are not inspected.
func Validate(fen string) error {
	parts := strings.Fields(fen)
	if len(parts) < 2 {
		return ErrInvalidFEN
	}
	if !isValidPiecePlacement(parts[0]) {
		return ErrInvalidFEN
	}
	if parts[1] != "w" && parts[1] != "b" {
		return ErrInvalidFEN
	}
	return nil
}

// Key returns the first four FEN fields (placement, side, castling, en
// passant), dropping the move counters. Two positions with equal keys are
// the same position for evaluation purposes.
func Key(fen string) (string, error) {
	if err := Validate(fen); err != nil {
		return "", err
	}
	parts := strings.Fields(fen)
	if len(parts) < 4 {
		return "", ErrInvalidFEN
	}
	return strings.Join(parts[:4], " "), nil
}

// SideToMove returns the side to move of a FEN string.
func SideToMove(fen string) (Side, error) {
	parts := strings.Fields(fen)
	if len(parts) < 2 {
		return 0, ErrInvalidFEN
	}
	switch parts[1] {
	case "w":
		return White, nil
	case "b":
		return Black, nil
	}
	return 0, ErrInvalidFEN
}

// isValidPiecePlacement validates the piece placement part of a FEN.
func isValidPiecePlacement(placement string) bool {
	ranks := strings.Split(placement, "/")
	if len(ranks) != 8 {
		return false
	}

	for _, rank := range ranks {
		squares := 0
		for _, ch := range rank {
			switch {
			case ch >= '1' && ch <= '8':
				squares += int(ch - '0')
			case strings.ContainsRune("PNBRQKpnbrqk", ch):
				squares++
			default:
				return false
			}
		}
		if squares != 8 {
			return false
		}
	}

	return true
}

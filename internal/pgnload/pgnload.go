// Package pgnload reads game records for one player from a multi-game PGN
// file, such as an archive exported from an online chess site.
package pgnload

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/notnil/chess"

	"github.com/discochess/pitfall/internal/game"
)

// ErrNoPlayer is returned when Options names no player.
var ErrNoPlayer = errors.New("pgnload: no player username")

// Time classes, as online sites label them.
const (
	TimeClassBullet = "bullet"
	TimeClassBlitz  = "blitz"
	TimeClassRapid  = "rapid"
	TimeClassDaily  = "daily"
)

// Options selects the games to load.
type Options struct {
	// Username is the analyzed player. Matching is case-insensitive.
	Username string

	// TimeClasses keeps only games of these classes. Empty keeps all.
	TimeClasses []string
}

// Stats counts what Load saw.
type Stats struct {
	Games       int
	Loaded      int
	NotPlayer   int
	Variant     int
	TimeClass   int
	Unparseable int
}

// Load reads every game in r and returns those the player took part in.
func Load(r io.Reader, opts Options) ([]game.Game, Stats, error) {
	if strings.TrimSpace(opts.Username) == "" {
		return nil, Stats{}, ErrNoPlayer
	}

	var (
		games []game.Game
		stats Stats
	)
	err := splitGames(r, func(text string) {
		stats.Games++
		g, skip := convert(text, opts)
		switch skip {
		case "":
			stats.Loaded++
			games = append(games, g)
		case "player":
			stats.NotPlayer++
		case "variant":
			stats.Variant++
		case "time class":
			stats.TimeClass++
		case "unparseable":
			stats.Unparseable++
		}
	})
	if err != nil {
		return nil, stats, err
	}
	return games, stats, nil
}

// splitGames calls fn with the text of each game. A game starts at its
// [Event tag.
func splitGames(r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	// Increase buffer size for long lines.
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	var text strings.Builder
	flush := func() {
		if strings.TrimSpace(text.String()) != "" {
			fn(text.String())
		}
		text.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "[Event ") {
			flush()
		}
		text.WriteString(line)
		text.WriteString("\n")
	}
	flush()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading PGN: %w", err)
	}
	return nil
}

// convert builds the record for one game, or names why it was skipped.
func convert(text string, opts Options) (game.Game, string) {
	tags := parseTags(text)

	if v := tags["Variant"]; v != "" && !strings.EqualFold(v, "Standard") {
		return game.Game{}, "variant"
	}

	var color game.Color
	switch {
	case strings.EqualFold(tags["White"], opts.Username):
		color = game.White
	case strings.EqualFold(tags["Black"], opts.Username):
		color = game.Black
	default:
		return game.Game{}, "player"
	}

	tc := TimeClass(tags["TimeControl"])
	if len(opts.TimeClasses) > 0 && !slices.Contains(opts.TimeClasses, tc) {
		return game.Game{}, "time class"
	}

	if _, err := chess.PGN(strings.NewReader(text)); err != nil {
		return game.Game{}, "unparseable"
	}

	return game.Game{
		ID:          gameID(tags, text),
		PGN:         text,
		Color:       color,
		Opening:     openingName(tags),
		ECO:         tags["ECO"],
		Result:      tags["Result"],
		TimeClass:   tc,
		TimeControl: tags["TimeControl"],
		EndTime:     endTime(tags),
		White:       game.Player{Username: tags["White"], Rating: atoi(tags["WhiteElo"])},
		Black:       game.Player{Username: tags["Black"], Rating: atoi(tags["BlackElo"])},
	}, ""
}

// parseTags reads the [Key "Value"] header of a game.
func parseTags(text string) map[string]string {
	tags := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
			continue
		}
		key, rest, ok := strings.Cut(line[1:len(line)-1], " ")
		if !ok {
			continue
		}
		value, err := strconv.Unquote(strings.TrimSpace(rest))
		if err != nil {
			value = strings.Trim(strings.TrimSpace(rest), `"`)
		}
		tags[key] = value
	}
	return tags
}

// gameID prefers the site's game link and falls back to a content hash.
func gameID(tags map[string]string, text string) string {
	for _, k := range []string{"Link", "Site"} {
		if v := tags[k]; strings.HasPrefix(v, "http") && strings.Count(v, "/") > 3 {
			return v
		}
	}
	sum := sha256.Sum256([]byte(text))
	return "pgn:" + hex.EncodeToString(sum[:8])
}

// openingName takes the name from the ECOUrl tag, falling back to the
// Opening tag.
func openingName(tags map[string]string) string {
	if u := tags["ECOUrl"]; u != "" {
		_, name, found := strings.Cut(u, "/openings/")
		if found && name != "" {
			return strings.ReplaceAll(name, "-", " ")
		}
	}
	return tags["Opening"]
}

// TimeClass classifies a PGN TimeControl value ("180+2", "600",
// "1/86400") by the estimated game duration of base + 40 * increment.
func TimeClass(tc string) string {
	if tc == "" || tc == "-" {
		return ""
	}
	if strings.Contains(tc, "/") {
		return TimeClassDaily
	}
	baseStr, incStr, _ := strings.Cut(tc, "+")
	base, err := strconv.Atoi(baseStr)
	if err != nil {
		return ""
	}
	inc := atoi(incStr)
	switch est := base + 40*inc; {
	case est < 180:
		return TimeClassBullet
	case est < 600:
		return TimeClassBlitz
	default:
		return TimeClassRapid
	}
}

func endTime(tags map[string]string) int64 {
	date := tags["EndDate"]
	if date == "" {
		date = tags["UTCDate"]
	}
	clock := tags["EndTime"]
	if date == "" || clock == "" {
		return 0
	}
	// Some sites append a zone name to the clock.
	clock, _, _ = strings.Cut(clock, " ")
	t, err := time.Parse("2006.01.02 15:04:05", date+" "+clock)
	if err != nil {
		return 0
	}
	return t.Unix()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

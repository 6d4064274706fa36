// Package report groups detected mistakes so recurring ones stand out.
package report

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"

	"github.com/discochess/pitfall/internal/game"
)

// Unknown labels mistakes with an empty grouping field.
const Unknown = "Unknown"

// SequenceGroup is every occurrence of one move sequence.
type SequenceGroup struct {
	Sequence    string   `json:"sequence"`
	Moves       []string `json:"moves"`
	Count       int      `json:"count"`
	Openings    []string `json:"openings"`
	Colors      []string `json:"colors"`
	Games       []string `json:"games"`
	AvgEvalDrop float64  `json:"avg_eval_drop"`
}

// OpeningGroup counts mistakes made in one opening.
type OpeningGroup struct {
	Opening     string  `json:"opening"`
	Count       int     `json:"count"`
	AvgEvalDrop float64 `json:"avg_eval_drop"`
}

// Count is a labeled tally.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// DropStats describes the distribution of evaluation drops.
type DropStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Report is the grouped view of a mistake list. Groups are ordered by
// count, largest first, with ties broken by key.
type Report struct {
	Total        int             `json:"total_mistakes"`
	BySequence   []SequenceGroup `json:"by_sequence"`
	ByOpening    []OpeningGroup  `json:"by_opening"`
	ByMoveNumber []Count         `json:"by_move_number"`
	ByColor      []Count         `json:"by_color"`
	ByTimeClass  []Count         `json:"by_time_class"`
	Drops        DropStats       `json:"eval_drops"`
}

// Build groups mistakes.
func Build(mistakes []game.Mistake) *Report {
	return &Report{
		Total:        len(mistakes),
		BySequence:   bySequence(mistakes),
		ByOpening:    byOpening(mistakes),
		ByMoveNumber: byMoveNumber(mistakes),
		ByColor:      tally(mistakes, func(m game.Mistake) string { return string(m.PlayerColor) }),
		ByTimeClass:  tally(mistakes, func(m game.Mistake) string { return m.TimeClass }),
		Drops:        describe(drops(mistakes)),
	}
}

// Repeated returns the sequences seen more than once.
func (r *Report) Repeated() []SequenceGroup {
	return lo.Filter(r.BySequence, func(g SequenceGroup, _ int) bool { return g.Count > 1 })
}

func bySequence(mistakes []game.Mistake) []SequenceGroup {
	groups := lo.GroupBy(mistakes, func(m game.Mistake) string { return m.SequenceKey() })
	out := make([]SequenceGroup, 0, len(groups))
	for key, ms := range groups {
		openings := lo.Uniq(lo.Map(ms, func(m game.Mistake, _ int) string { return label(m.Opening) }))
		colors := lo.Uniq(lo.Map(ms, func(m game.Mistake, _ int) string { return string(m.PlayerColor) }))
		slices.Sort(openings)
		slices.Sort(colors)
		out = append(out, SequenceGroup{
			Sequence:    key,
			Moves:       slices.Clone(ms[0].MoveSequence),
			Count:       len(ms),
			Openings:    openings,
			Colors:      colors,
			Games:       lo.Uniq(lo.Map(ms, func(m game.Mistake, _ int) string { return m.GameURL })),
			AvgEvalDrop: stat.Mean(drops(ms), nil),
		})
	}
	slices.SortFunc(out, func(a, b SequenceGroup) int {
		return byCountThenKey(a.Count, b.Count, a.Sequence, b.Sequence)
	})
	return out
}

func byOpening(mistakes []game.Mistake) []OpeningGroup {
	groups := lo.GroupBy(mistakes, func(m game.Mistake) string { return label(m.Opening) })
	out := make([]OpeningGroup, 0, len(groups))
	for opening, ms := range groups {
		out = append(out, OpeningGroup{
			Opening:     opening,
			Count:       len(ms),
			AvgEvalDrop: stat.Mean(drops(ms), nil),
		})
	}
	slices.SortFunc(out, func(a, b OpeningGroup) int {
		return byCountThenKey(a.Count, b.Count, a.Opening, b.Opening)
	})
	return out
}

// byMoveNumber is ordered by move number rather than count.
func byMoveNumber(mistakes []game.Mistake) []Count {
	counts := lo.CountValuesBy(mistakes, func(m game.Mistake) int { return m.MoveNumber })
	moves := lo.Keys(counts)
	slices.Sort(moves)
	return lo.Map(moves, func(n int, _ int) Count {
		return Count{Key: strconv.Itoa(n), Count: counts[n]}
	})
}

func tally(mistakes []game.Mistake, key func(game.Mistake) string) []Count {
	counts := lo.CountValuesBy(mistakes, func(m game.Mistake) string { return label(key(m)) })
	out := make([]Count, 0, len(counts))
	for k, n := range counts {
		out = append(out, Count{Key: k, Count: n})
	}
	slices.SortFunc(out, func(a, b Count) int {
		return byCountThenKey(a.Count, b.Count, a.Key, b.Key)
	})
	return out
}

func byCountThenKey(countA, countB int, keyA, keyB string) int {
	if c := cmp.Compare(countB, countA); c != 0 {
		return c
	}
	return cmp.Compare(keyA, keyB)
}

func label(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}

func drops(mistakes []game.Mistake) []float64 {
	return lo.Map(mistakes, func(m game.Mistake, _ int) float64 { return float64(m.EvalDrop) })
}

func describe(sample []float64) DropStats {
	if len(sample) == 0 {
		return DropStats{}
	}
	sorted := slices.Clone(sample)
	slices.Sort(sorted)
	d := DropStats{
		Mean:   stat.Mean(sorted, nil),
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}
	// The sample deviation is undefined for a single value.
	if len(sorted) > 1 {
		d.StdDev = stat.StdDev(sorted, nil)
	}
	return d
}

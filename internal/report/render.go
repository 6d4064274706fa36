package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// FormatScore renders centipawns as pawns with an explicit sign.
// Examples: "+1.25", "-0.50", "+0.00".
func FormatScore(cp int) string {
	sign := "+"
	if cp < 0 {
		sign = "-"
		cp = -cp
	}
	whole := cp / 100
	frac := cp % 100
	if frac < 10 {
		return sign + strconv.Itoa(whole) + ".0" + strconv.Itoa(frac)
	}
	return sign + strconv.Itoa(whole) + "." + strconv.Itoa(frac)
}

// WriteText writes a plain-text summary with the top n openings and
// repeated sequences.
func WriteText(w io.Writer, r *Report, n int) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "OPENING MISTAKES")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "\nTotal mistakes: %d\n", r.Total)
	if r.Total == 0 {
		return
	}
	fmt.Fprintf(w, "Average drop: %s (median %s)\n",
		FormatScore(int(r.Drops.Mean)), FormatScore(int(r.Drops.Median)))

	writeCounts(w, "By color", r.ByColor, "")
	writeCounts(w, "By time class", r.ByTimeClass, "")
	writeCounts(w, "By move number", r.ByMoveNumber, "Move ")

	fmt.Fprintf(w, "\n--- Top %d openings ---\n", n)
	for i, g := range head(r.ByOpening, n) {
		fmt.Fprintf(w, "  %d. %s: %d mistakes (avg drop %.0f cp)\n", i+1, g.Opening, g.Count, g.AvgEvalDrop)
	}

	fmt.Fprintf(w, "\n--- Top %d repeated sequences ---\n", n)
	for i, g := range head(r.Repeated(), n) {
		fmt.Fprintf(w, "  %d. [%dx] %s\n", i+1, g.Count, g.Sequence)
		fmt.Fprintf(w, "      Openings: %s\n", strings.Join(head(g.Openings, 3), ", "))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, rule)
}

func writeCounts(w io.Writer, title string, counts []Count, prefix string) {
	fmt.Fprintf(w, "\n--- %s ---\n", title)
	for _, c := range counts {
		fmt.Fprintf(w, "  %s%s: %d\n", prefix, c.Key, c.Count)
	}
}

// Markdown writes reports in Markdown format.
type Markdown struct {
	w   io.Writer
	now func() time.Time
}

// NewMarkdown creates a Markdown report writer.
func NewMarkdown(w io.Writer) *Markdown {
	return &Markdown{w: w, now: time.Now}
}

// Write renders the whole report with the top n groups per table.
func (m *Markdown) Write(title string, r *Report, n int) {
	m.writeHeader(title)
	m.writeSummary(r)
	if r.Total == 0 {
		return
	}
	m.writeSequences(r, n)
	m.writeOpenings(r, n)
	m.writeMoveChart(r)
}

func (m *Markdown) writeHeader(title string) {
	fmt.Fprintf(m.w, "# %s\n\n", title)
	fmt.Fprintf(m.w, "Generated: %s\n\n", m.now().Format(time.RFC3339))
}

func (m *Markdown) writeSummary(r *Report) {
	fmt.Fprintln(m.w, "## Summary")
	fmt.Fprintln(m.w)
	fmt.Fprintf(m.w, "- **Mistakes:** %d\n", r.Total)
	fmt.Fprintf(m.w, "- **Distinct sequences:** %d\n", len(r.BySequence))
	fmt.Fprintf(m.w, "- **Repeated sequences:** %d\n", len(r.Repeated()))
	if r.Total > 0 {
		fmt.Fprintf(m.w, "- **Eval drop:** mean %.0f cp, median %.0f cp, std dev %.0f cp, worst %.0f cp\n",
			r.Drops.Mean, r.Drops.Median, r.Drops.StdDev, r.Drops.Min)
	}
	for _, c := range r.ByColor {
		fmt.Fprintf(m.w, "- **As %s:** %d\n", c.Key, c.Count)
	}
	fmt.Fprintln(m.w)
}

func (m *Markdown) writeSequences(r *Report, n int) {
	fmt.Fprintln(m.w, "## Recurring Sequences")
	fmt.Fprintln(m.w)
	fmt.Fprintln(m.w, "| # | Count | Sequence | Openings | Avg Drop |")
	fmt.Fprintln(m.w, "|---|-------|----------|----------|----------|")
	for i, g := range head(r.BySequence, n) {
		fmt.Fprintf(m.w, "| %d | %d | `%s` | %s | %.0f |\n",
			i+1, g.Count, g.Sequence, strings.Join(g.Openings, ", "), g.AvgEvalDrop)
	}
	fmt.Fprintln(m.w)
}

func (m *Markdown) writeOpenings(r *Report, n int) {
	fmt.Fprintln(m.w, "## Openings")
	fmt.Fprintln(m.w)
	fmt.Fprintln(m.w, "| Opening | Count | Avg Drop |")
	fmt.Fprintln(m.w, "|---------|-------|----------|")
	for _, g := range head(r.ByOpening, n) {
		fmt.Fprintf(m.w, "| %s | %d | %.0f |\n", g.Opening, g.Count, g.AvgEvalDrop)
	}
	fmt.Fprintln(m.w)
}

// writeMoveChart draws an ASCII bar per move number.
func (m *Markdown) writeMoveChart(r *Report) {
	fmt.Fprintln(m.w, "## Mistakes by Move")
	fmt.Fprintln(m.w)
	fmt.Fprintln(m.w, "```")

	maxCount := 0
	for _, c := range r.ByMoveNumber {
		maxCount = max(maxCount, c.Count)
	}
	const width = 40
	for _, c := range r.ByMoveNumber {
		barLen := c.Count * width / maxCount
		fmt.Fprintf(m.w, "%3s │ %s %d\n", c.Key, strings.Repeat("█", barLen), c.Count)
	}

	fmt.Fprintln(m.w, "```")
	fmt.Fprintln(m.w)
}

func head[T any](s []T, n int) []T {
	if n <= 0 || n >= len(s) {
		return s
	}
	return s[:n]
}

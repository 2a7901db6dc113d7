package util

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/text/width"
)

// Alignment places a value inside its column.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// TableColumn describes one column of a rendered table.
type TableColumn struct {
	Header string
	Key    string // row map key
	Align  Alignment
}

// ansiEscape matches the SGR sequences fatih/color wraps values in.
var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*m")

// RenderTable writes rows under a dashed rule, sizing every column to its
// widest cell. Missing or nil values print as "-".
func RenderTable(w io.Writer, columns []TableColumn, rows []map[string]interface{}) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	widths := make([]int, len(columns))
	for i, col := range columns {
		widths[i] = displayWidth(col.Header)
	}
	cells := make([][]string, len(rows))
	for r, row := range rows {
		cells[r] = make([]string, len(columns))
		for i, col := range columns {
			s := "-"
			if v, ok := row[col.Key]; ok && v != nil {
				s = fmt.Sprint(v)
			}
			cells[r][i] = s
			widths[i] = max(widths[i], displayWidth(s))
		}
	}

	headers := make([]string, len(columns))
	rules := make([]string, len(columns))
	for i, col := range columns {
		headers[i] = pad(col.Header, widths[i], col.Align)
		rules[i] = strings.Repeat("-", widths[i])
	}
	writeRow(w, headers)
	writeRow(w, rules)
	for _, line := range cells {
		for i, col := range columns {
			line[i] = pad(line[i], widths[i], col.Align)
		}
		writeRow(w, line)
	}
}

func writeRow(w io.Writer, cells []string) {
	fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
}

// displayWidth is the number of terminal cells s occupies. Escape sequences
// take none and East Asian wide runes take two.
func displayWidth(s string) int {
	n := 0
	for _, r := range ansiEscape.ReplaceAllString(s, "") {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			n += 2
		default:
			n++
		}
	}
	return n
}

func pad(s string, w int, a Alignment) string {
	gap := w - displayWidth(s)
	if gap <= 0 {
		return s
	}
	if a == AlignRight {
		return strings.Repeat(" ", gap) + s
	}
	return s + strings.Repeat(" ", gap)
}

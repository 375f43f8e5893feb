package types

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MarkdownTable is a pipe table with an optional heading
type MarkdownTable struct {
	TableHeading string
	HeadingLevel int
	Headers      []string
	Rows         [][]string
}

// ToString converts the MarkdownTable to a markdown string
func (t MarkdownTable) ToString() string {
	var result strings.Builder

	if t.TableHeading != "" {
		level := t.HeadingLevel
		if level <= 0 {
			level = 1
		}
		result.WriteString(strings.Repeat("#", level) + " " + t.TableHeading + "\n\n")
	}

	if len(t.Headers) == 0 {
		return result.String()
	}

	headers := make([]string, len(t.Headers))
	for i, h := range t.Headers {
		headers[i] = EscapeMarkdownCell(h)
	}
	rows := make([][]string, len(t.Rows))
	for r, row := range t.Rows {
		rows[r] = make([]string, len(headers))
		for i := range headers {
			if i < len(row) {
				rows[r][i] = EscapeMarkdownCell(row[i])
			}
		}
	}

	// Dynamically determine column width
	colWidths := make([]int, len(headers))
	for i, header := range headers {
		colWidths[i] = max(3, utf8.RuneCountInString(header))
	}
	for _, row := range rows {
		for i, cell := range row {
			if n := utf8.RuneCountInString(cell); n > colWidths[i] {
				colWidths[i] = n
			}
		}
	}

	writeRow := func(cells []string) {
		result.WriteString("|")
		for i, cell := range cells {
			pad := colWidths[i] - utf8.RuneCountInString(cell)
			result.WriteString(fmt.Sprintf(" %s%s |", cell, strings.Repeat(" ", pad)))
		}
		result.WriteString("\n")
	}

	writeRow(headers)
	result.WriteString("|")
	for i := range headers {
		result.WriteString(fmt.Sprintf(" %s |", strings.Repeat("-", colWidths[i])))
	}
	result.WriteString("\n")
	for _, row := range rows {
		writeRow(row)
	}

	return result.String()
}

var cellEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"|", "\\|",
	"<", "\\<",
	">", "\\>",
	"&", "\\&",
	"`", "\\`",
	"\r\n", " ",
	"\n", " ",
)

// EscapeMarkdownCell makes a value safe to place inside a pipe table cell.
// Markup characters are backslash-escaped so that HTML-looking values render
// as text instead of being dropped or interpreted.
func EscapeMarkdownCell(s string) string {
	return cellEscaper.Replace(s)
}

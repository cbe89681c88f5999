package cliutil

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/term"
)

// ColorEnabled reports whether ANSI color should be written to w.
// Only terminals get color, and NO_COLOR always disables it.
func ColorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// NewTable returns a table writer rendering to w.
func NewTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	if ColorEnabled(w) {
		t.Style().Color.Header = text.Colors{text.Bold}
	}
	return t
}

// ProtocolRowPainter colors rows by the protocol name in column col.
// Returns nil when w is not a terminal.
func ProtocolRowPainter(w io.Writer, col int) table.RowPainter {
	if !ColorEnabled(w) {
		return nil
	}
	return func(row table.Row) text.Colors {
		if col >= len(row) {
			return nil
		}
		switch fmt.Sprint(row[col]) {
		case "http":
			return text.Colors{text.FgGreen}
		case "https":
			return text.Colors{text.FgCyan}
		case "tcp", "udp":
			return text.Colors{text.FgYellow}
		default:
			return text.Colors{text.FgHiBlack}
		}
	}
}

// NoResults prints a message for an empty listing.
func NoResults(w io.Writer, msg string) {
	_, _ = fmt.Fprintln(w, msg)
}

// Summary prints a count line below a table, e.g. "3 records".
func Summary(w io.Writer, n int, singular, plural string) {
	noun := plural
	if n == 1 {
		noun = singular
	}
	_, _ = fmt.Fprintf(w, "\n%d %s\n", n, noun)
}

// HintCommand prints a follow-up command suggestion.
func HintCommand(w io.Writer, label, cmd string) {
	_, _ = fmt.Fprintf(w, "%s: `%s`\n", label, cmd)
}

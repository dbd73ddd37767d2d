package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

var (
	colorHeader  = color.New(color.FgWhite, color.Bold)
	colorFull    = color.New(color.FgGreen)
	colorIncr    = color.New(color.FgCyan)
	colorMuted   = color.New(color.Faint)
	colorWarning = color.New(color.FgYellow)
	colorError   = color.New(color.FgRed)
)

// kindBadge colors a snapshot kind the way its place in a chain suggests:
// a full snapshot anchors a chain, an incremental rides on one.
func kindBadge(kind string) string {
	switch kind {
	case "full":
		return colorFull.Sprint("full")
	case "incr":
		return colorIncr.Sprint("incr")
	default:
		return kind
	}
}

func newStyledTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)

	style := table.StyleLight
	style.Options.SeparateRows = false
	style.Options.DrawBorder = false
	style.Options.SeparateColumns = true
	style.Format.Header = text.FormatUpper
	style.Format.HeaderAlign = text.AlignLeft
	t.SetStyle(style)

	return t
}

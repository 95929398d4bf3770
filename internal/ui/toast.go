package ui

import (
	"fmt"
	"strings"

	"github.com/hamzawahab/parley/internal/events"
	"github.com/hamzawahab/parley/internal/notify"
)

// The toaster works in pixels; the terminal is mapped onto it with a fixed
// cell size.
const (
	cellWidth   = 8
	cellHeight  = 16
	toastCols   = notify.WrapWidth + 4
	toastRows   = 5
	toastWidth  = toastCols * cellWidth
	toastHeight = toastRows * cellHeight
)

// screenWriter draws raw escape sequences without disturbing the prompt.
type screenWriter interface {
	drawRaw(s string)
	rows() int
}

// toastSurface renders a notification as a framed box at an absolute
// terminal position.
type toastSurface struct {
	screen screenWriter
	buddy  events.Buddy
	col    int
	row    int
	placed bool
	lines  []string
	color  string
	closed bool
}

func newToastSurface(screen screenWriter, buddy events.Buddy) *toastSurface {
	return &toastSurface{screen: screen, buddy: buddy}
}

func (t *toastSurface) Move(x, y int) {
	if t.closed {
		return
	}
	col, row := x/cellWidth+1, y/cellHeight+1
	if t.placed && col == t.col && row == t.row {
		return
	}
	t.erase()
	t.col, t.row, t.placed = col, row, true
	t.draw()
}

func (t *toastSurface) SetContent(message, color string) {
	if t.closed {
		return
	}
	lines := strings.Split(message, "\n")
	if len(lines) > toastRows-2 {
		lines = lines[:toastRows-2]
		lines[len(lines)-1] = truncateWithANSI(lines[len(lines)-1], toastCols-5) + "…"
	}
	t.lines = lines
	t.color = color
	t.draw()
}

func (t *toastSurface) Close() {
	if t.closed {
		return
	}
	t.erase()
	t.closed = true
}

func (t *toastSurface) box() []string {
	inner := toastCols - 2
	out := []string{"╭" + strings.Repeat("─", inner) + "╮"}
	for i := 0; i < toastRows-2; i++ {
		text := ""
		if i < len(t.lines) {
			text = t.lines[i]
		}
		if i == 0 {
			text = colorPrimary + text + colorReset
		}
		pad := inner - 2 - visibleWidth(text)
		if pad < 0 {
			pad = 0
		}
		out = append(out, "│ "+text+strings.Repeat(" ", pad)+" │")
	}
	return append(out, "╰"+strings.Repeat("─", inner)+"╯")
}

func (t *toastSurface) draw() {
	if !t.placed {
		return
	}
	t.paint(t.box(), t.color)
}

func (t *toastSurface) erase() {
	if !t.placed {
		return
	}
	blank := make([]string, toastRows)
	for i := range blank {
		blank[i] = strings.Repeat(" ", toastCols)
	}
	t.paint(blank, "")
}

// paint writes rows at the surface position, clipping anything that falls
// outside the terminal.
func (t *toastSurface) paint(rows []string, color string) {
	limit := t.screen.rows()
	var b strings.Builder
	for i, line := range rows {
		r := t.row + i
		if r < 1 || r > limit || t.col < 1 {
			continue
		}
		fmt.Fprintf(&b, "\0337\033[%d;%dH%s%s%s\0338", r, t.col, color, line, colorReset)
	}
	if b.Len() > 0 {
		t.screen.drawRaw(b.String())
	}
}

// canvasSize maps a terminal of cols x rows onto the toaster's pixel space.
func canvasSize(cols, rows int) (int, int) {
	return cols * cellWidth, rows * cellHeight
}

package ui

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	runewidth "github.com/mattn/go-runewidth"

	"github.com/hamzawahab/parley/internal/transfer"
)

const (
	minBarWidth = 8
	maxBarWidth = 32
	// Room kept for the glyphs, separators and metrics around the label.
	labelReserve = 28
)

type rgb struct{ r, g, b int }

var (
	barFrom = rgb{161, 130, 253}
	barTo   = rgb{94, 182, 255}
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)

// progressLayout is the space budget of one progress line.
type progressLayout struct {
	bar   int
	label int
	peer  int
	max   int
}

func layoutFor(width int) progressLayout {
	if width <= 0 {
		width = bannerWidth
	}
	l := progressLayout{bar: clamp(width/4, minBarWidth, maxBarWidth), max: width - 2}
	l.label = clamp(width-l.bar-labelReserve, 8, max(width-10, 8))
	l.peer = max(l.label/2, 8)
	if l.max < 20 {
		l.max = width
	}
	return l
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// formatProgressLine renders one transfer as a single terminal line of at
// most width cells.
func formatProgressLine(s *transfer.Session, width int, homeDir string) string {
	l := layoutFor(width)
	receiving := s.Direction == transfer.Receive
	summary := progressTarget(s, l.label, homeDir)
	var mark, verb, metrics string
	percent := s.Percent()

	switch s.State {
	case transfer.StateComplete:
		mark, verb = colorSuccess+"✓"+colorReset, progressCompletedVerb(receiving)
		percent = 100
		metrics = fmt.Sprintf("%s100%%%s • %sTime%s %s", colorSuccess, colorReset,
			colorMuted, colorReset, formatDuration(s.UpdatedAt.Sub(s.CreatedAt)))
	case transfer.StateAborted, transfer.StateError:
		mark = colorError + "✗" + colorReset
		metrics = colorError + s.StatusText() + colorReset
	default:
		mark, verb = colorAccent+"⇢"+colorReset, progressActiveVerb(receiving)
		eta := "--"
		if seconds, ok := s.ETA(); ok {
			eta = transfer.FormatETA(seconds)
		}
		metrics = fmt.Sprintf("%s%5.1f%%%s • %s%.1f KB/s%s • %sETA%s %s",
			colorPrimary, percent, colorReset,
			colorMuted, s.Rate(), colorReset,
			colorMuted, colorReset, eta)
	}

	if verb != "" {
		summary = verb + " " + summary
	}
	summary = mark + " " + summary
	if peer := progressPeerLabel(receiving, s.Buddy.DisplayName(), l.peer); peer != "" {
		summary += " " + peer
	}
	if s.State == transfer.StateComplete && s.Total > 0 {
		summary += " • " + humanize.IBytes(uint64(s.Total))
	}
	return composeProgressLine(summary, metrics, percent, l)
}

func colorizePath(path, homeDir string) string {
	clean := path
	if homeDir != "" && strings.HasPrefix(path, homeDir) {
		suffix := strings.TrimPrefix(path, homeDir)
		suffix = strings.TrimPrefix(suffix, string(os.PathSeparator))
		if suffix == "" {
			clean = "~"
		} else {
			clean = "~" + string(os.PathSeparator) + suffix
		}
	}
	return colorPrimary + clean + colorReset
}

func progressTarget(s *transfer.Session, limit int, homeDir string) string {
	raw := strings.TrimSpace(s.FileName)
	if raw == "" {
		raw = transfer.ShortID(s.ID)
	}
	display := filepath.Base(raw)
	if display == "." || display == string(os.PathSeparator) {
		display = raw
	}
	display = truncateMiddle(display, limit)
	glyph := "📤"
	if s.Direction == transfer.Receive {
		glyph = "📥"
	}
	return glyph + " " + colorizePath(display, homeDir)
}

func progressPeerLabel(receiving bool, peer string, limit int) string {
	if strings.TrimSpace(peer) == "" {
		return ""
	}
	arrow := "→"
	if receiving {
		arrow = "←"
	}
	name := truncateMiddle(strings.TrimSpace(peer), limit)
	return fmt.Sprintf("%s%s%s %s%s%s", colorMuted, arrow, colorReset, colorPrimary, name, colorReset)
}

func progressActiveVerb(receiving bool) string {
	if receiving {
		return "Receiving"
	}
	return "Sending"
}

func progressCompletedVerb(receiving bool) string {
	if receiving {
		return "Received"
	}
	return "Sent"
}

func buildGradientBar(percent float64, width int) string {
	if width <= 0 {
		width = 16
	}
	filled := clamp(int(math.Round(percent/100*float64(width))), 0, width)
	var sb strings.Builder
	sb.WriteString(colorMuted + "▏" + colorReset)
	for i := 0; i < filled; i++ {
		ratio := 0.0
		if width > 1 {
			ratio = float64(i) / float64(width-1)
		}
		sb.WriteString(gradientColor(ratio))
		sb.WriteRune('█')
	}
	if filled < width {
		sb.WriteString(colorBarEmpty)
		sb.WriteString(strings.Repeat("░", width-filled))
	}
	sb.WriteString(colorReset + colorMuted + "▕" + colorReset)
	return sb.String()
}

func gradientColor(ratio float64) string {
	ratio = math.Max(0, math.Min(1, ratio))
	mix := func(a, b int) int { return a + int(ratio*float64(b-a)) }
	return fmt.Sprintf("\033[38;2;%d;%d;%dm", mix(barFrom.r, barTo.r), mix(barFrom.g, barTo.g), mix(barFrom.b, barTo.b))
}

func truncateMiddle(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	head := limit / 2
	tail := limit - head - 1
	if tail < 0 {
		tail = 0
	}
	return string(runes[:head]) + "…" + string(runes[len(runes)-tail:])
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d >= 24*time.Hour {
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
	hours := int(d / time.Hour)
	minutes := int(d/time.Minute) % 60
	seconds := int(d/time.Second) % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// composeProgressLine fits summary, bar and metrics into l.max cells. The
// bar shrinks first, then trailing metrics go, then the summary is cut.
func composeProgressLine(summary, metrics string, percent float64, l progressLayout) string {
	const sep = "  "
	bar := l.bar
	for {
		line := summary + sep + buildGradientBar(percent, bar) + sep + metrics
		if visibleWidth(line) <= l.max {
			return "\r" + line
		}
		if bar > minBarWidth {
			bar--
			continue
		}
		if compacted := compactMetrics(metrics); compacted != metrics {
			metrics = compacted
			continue
		}
		tail := sep + buildGradientBar(percent, bar) + sep + metrics
		line = truncateWithANSI(summary, max(l.max-visibleWidth(tail), 0)) + tail
		if visibleWidth(line) > l.max {
			line = truncateWithANSI(line, l.max)
		}
		return "\r" + line
	}
}

// compactMetrics drops the last "•" separated field.
func compactMetrics(metrics string) string {
	idx := strings.LastIndex(metrics, "•")
	if idx == -1 {
		return metrics
	}
	trimmed := strings.TrimRight(metrics[:idx], " ")
	if trimmed == "" {
		return metrics
	}
	if strings.Contains(trimmed, "\033[") && !strings.HasSuffix(trimmed, colorReset) {
		trimmed += colorReset
	}
	return trimmed
}

func visibleWidth(s string) int {
	if s == "" {
		return 0
	}
	clean := stripANSI(s)
	clean = strings.ReplaceAll(clean, "\r", "")
	clean = strings.ReplaceAll(clean, "\n", "")
	return runewidth.StringWidth(clean)
}

func stripANSI(s string) string {
	if s == "" {
		return ""
	}
	return ansiPattern.ReplaceAllString(s, "")
}

func truncateWithANSI(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	width := 0
	var b strings.Builder
	hasANSI := false
	for i := 0; i < len(s); {
		if s[i] == '\033' && i+1 < len(s) {
			end := i + 1
			for end < len(s) {
				ch := s[end]
				end++
				if ch >= '@' && ch <= '~' && end > i+2 {
					break
				}
			}
			b.WriteString(s[i:end])
			i = end
			hasANSI = true
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			if width+1 > limit {
				break
			}
			width++
			b.WriteByte(s[i])
			i++
			continue
		}
		if r == '\r' || r == '\n' {
			b.WriteRune(r)
			i += size
			continue
		}
		rw := runewidth.RuneWidth(r)
		if rw == 0 {
			rw = 1
		}
		if width+rw > limit {
			break
		}
		width += rw
		b.WriteRune(r)
		i += size
	}
	result := b.String()
	if hasANSI && !strings.HasSuffix(result, colorReset) {
		result += colorReset
	}
	return result
}

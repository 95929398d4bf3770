package commands

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
	runewidth "github.com/mattn/go-runewidth"

	"github.com/hamzawahab/parley/internal/history"
)

func helpText() string {
	const (
		reset   = "\033[0m"
		heading = "\033[36m"
		accent  = "\033[96m"
		dim     = "\033[90m"
	)
	section := func(b *strings.Builder, title string, rows [][2]string) {
		b.WriteString(heading + title + reset + "\n")
		for _, row := range rows {
			b.WriteString("  " + accent + row[0] + reset + "\n")
			b.WriteString("    " + row[1] + "\n")
		}
		b.WriteString("\n")
	}

	var b strings.Builder
	b.WriteString(reset)
	b.WriteString(heading + "Parley Command Guide" + reset + "\n")
	b.WriteString(dim + "Text without a leading @ goes to the focused chat. Quote paths that contain spaces." + reset + "\n\n")

	section(&b, "Chats", [][2]string{
		{"@chat <user/id/ip>", "Focus a chat window and show its recent backlog."},
		{"@msg <user/id/ip> <message>", "Message a buddy without switching chats. Offline buddies get it later."},
		{"@broadcast <message>", "Send the same message to every online buddy."},
		{"@windows", "List open chats with unread counts."},
		{"@close [user]", "Close a chat window and drop its transfers."},
		{"@history <user> [count]", "Show the transcript kept for a buddy."},
	})
	section(&b, "File Transfer", [][2]string{
		{"@file <user/id/ip> <path>", "Send a file. Folders are zipped first."},
		{"@transfers", "List running and unsaved transfers."},
		{"@save <id> <path> [--force]", "Choose where a received file goes. --force overwrites."},
		{"@cancel <id>", "Abort a transfer."},
		{"@setpath <dir>|off", "Set the auto-save directory, or turn auto-save off."},
	})
	section(&b, "Buddies & Presence", [][2]string{
		{"@users", "List discovered buddies with their status."},
		{"@connect <ip>", "Announce yourself to a buddy on another subnet."},
		{"@remove <user>", "Drop a buddy from the list."},
		{"@status [available|away|xa]", "Show runtime status or change your presence."},
		{"@profile [text]", "Show or set your profile text."},
		{"@setname <username>", "Change the name you announce."},
		{"@whoami", "Show your username, ID, LAN IP and port."},
	})
	section(&b, "Notifications", [][2]string{
		{"@mute <user> / @unmute <user>", "Silence or restore popups from one buddy."},
		{"@popups on|off", "Toggle popups altogether."},
		{"@hover", "Dismiss the popups on screen sooner."},
		{"@hidden on|off", "Open chats from incoming messages in the background."},
	})
	b.WriteString(heading + "Workspace" + reset + "\n")
	b.WriteString("  " + accent + "@clear [history <user>]" + reset + "\n")
	b.WriteString("    Clear the screen, or wipe the transcript kept for a buddy." + "\n")
	b.WriteString("  " + accent + "@help" + reset + "\n")
	b.WriteString("    View this guide again." + "\n")
	b.WriteString("  " + accent + "@exit" + reset + "\n")
	b.WriteString("    Quit Parley." + "\n")

	return strings.TrimRight(b.String(), "\n")
}

func formatHistoryTable(entries []history.Entry, localUser string) string {
	const (
		colTime      = 19
		colType      = 8
		colPeer      = 18
		colDirection = 10
		colDetails   = 40
		colSize      = 10
	)
	widths := []int{colTime, colType, colPeer, colDirection, colDetails, colSize}
	header := []string{"Time", "Type", "Peer", "Direction", "Details", "Size"}

	var rows [][]string
	for _, entry := range entries {
		peer, direction := describeHistoryDirection(entry, localUser)
		rows = append(rows, []string{
			entry.Timestamp.Local().Format("2006-01-02 15:04:05"),
			describeHistoryType(entry),
			peer,
			direction,
			describeHistoryDetails(entry),
			describeHistorySize(entry),
		})
	}

	topDivider := drawHistoryDivider(widths, '-')
	headerDivider := drawHistoryDivider(widths, '=')
	var buf strings.Builder
	buf.WriteString(topDivider)
	buf.WriteString("\n")
	buf.WriteString(drawHistoryRow(header, widths))
	buf.WriteString("\n")
	buf.WriteString(headerDivider)

	if len(rows) == 0 {
		rows = append(rows, []string{"-", "-", "-", "-", "History is empty", "-"})
	}
	for _, row := range rows {
		buf.WriteString("\n")
		buf.WriteString(drawHistoryRow(row, widths))
		buf.WriteString("\n")
		buf.WriteString(topDivider)
	}
	return buf.String()
}

func drawHistoryDivider(widths []int, fill rune) string {
	var b strings.Builder
	b.WriteString("+")
	for _, width := range widths {
		b.WriteString(strings.Repeat(string(fill), width+2))
		b.WriteString("+")
	}
	return b.String()
}

func drawHistoryRow(cells []string, widths []int) string {
	wrapped := make([][]string, len(cells))
	maxLines := 1
	for idx, cell := range cells {
		lines := wrapCell(cell, widths[idx])
		wrapped[idx] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	var b strings.Builder
	for line := 0; line < maxLines; line++ {
		if line > 0 {
			b.WriteString("\n")
		}
		b.WriteString("|")
		for idx, width := range widths {
			text := ""
			if line < len(wrapped[idx]) {
				text = wrapped[idx][line]
			}
			b.WriteString(" ")
			b.WriteString(padCell(text, width))
			b.WriteString(" |")
		}
	}
	return b.String()
}

func describeHistoryType(entry history.Entry) string {
	switch entry.Category {
	case "chat":
		return "Message"
	case "transfer":
		return "File"
	default:
		return titleCaseWord(entry.Category)
	}
}

func describeHistoryDirection(entry history.Entry, localUser string) (string, string) {
	if entry.Category == "transfer" {
		peer := safePeerLabel(shortPeerID(entry.From))
		switch entry.Kind {
		case "send":
			return peer, "Sent"
		case "receive":
			return peer, "Received"
		default:
			return peer, "-"
		}
	}
	from := strings.TrimSpace(entry.From)
	to := strings.TrimSpace(entry.To)
	local := strings.TrimSpace(localUser)
	switch {
	case local != "" && strings.EqualFold(from, local):
		return safePeerLabel(to), "Sent"
	case local != "" && strings.EqualFold(to, local):
		return safePeerLabel(from), "Received"
	default:
		return safePeerLabel(from), "-"
	}
}

func describeHistoryDetails(entry history.Entry) string {
	switch entry.Category {
	case "chat":
		message := strings.TrimSpace(entry.Message)
		if message == "" {
			message = "(empty message)"
		}
		return "Message " + `"` + message + `"`
	case "transfer":
		label := strings.TrimSpace(entry.Path)
		if label == "" {
			return "(unknown path)"
		}
		return filepath.Base(label)
	default:
		return strings.TrimSpace(entry.Message)
	}
}

func describeHistorySize(entry history.Entry) string {
	if entry.Category != "transfer" || entry.Size <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(entry.Size))
}

func padCell(value string, width int) string {
	w := runewidth.StringWidth(value)
	if w >= width {
		return value
	}
	return value + strings.Repeat(" ", width-w)
}

func wrapCell(value string, width int) []string {
	if width <= 0 {
		return []string{""}
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return []string{""}
	}
	runes := []rune(trimmed)
	var lines []string
	for len(runes) > 0 {
		if len(runes) <= width {
			lines = append(lines, strings.TrimSpace(string(runes)))
			break
		}
		split := width
		for i := width; i > 0; i-- {
			if unicode.IsSpace(runes[i-1]) {
				split = i
				break
			}
		}
		lines = append(lines, strings.TrimSpace(string(runes[:split])))
		runes = trimLeadingSpaces(runes[split:])
	}
	return lines
}

func trimLeadingSpaces(runes []rune) []rune {
	idx := 0
	for idx < len(runes) && unicode.IsSpace(runes[idx]) {
		idx++
	}
	return runes[idx:]
}

func titleCaseWord(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "-"
	}
	runes := []rune(strings.ToLower(trimmed))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

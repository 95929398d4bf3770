package notify

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// WrapWidth is the column width notification text is wrapped to.
const WrapWidth = 40

// Wrap formats a buddy name and text into the lines shown in a notification.
func Wrap(name, text string) string {
	var lines []string
	for _, part := range strings.Split(name+"\n"+text, "\n") {
		lines = append(lines, runewidth.Wrap(part, WrapWidth))
	}
	return strings.Join(lines, "\n")
}

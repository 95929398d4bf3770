package history

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hamzawahab/parley/internal/events"
	"github.com/hamzawahab/parley/internal/transfer"
)

// Manager keeps one append-only transcript per peer, named <peerID>.log.
type Manager struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

func New(dir string) *Manager {
	return &Manager{dir: dir, now: time.Now}
}

// Entry represents a single history record.
type Entry struct {
	Timestamp time.Time
	Category  string
	Kind      string
	From      string
	To        string
	Message   string
	Path      string
	Size      int64
}

// Line renders an entry the way it is shown in a chat backlog.
func (e Entry) Line() string {
	ts := e.Timestamp.Local().Format("2006-01-02 15:04")
	if e.Category == "transfer" {
		return ts + " [" + e.Kind + "] " + e.Path + " (" + strconv.FormatInt(e.Size, 10) + " bytes)"
	}
	return ts + " " + e.From + ": " + e.Message
}

func (m *Manager) logPath(peerID string) string {
	return filepath.Join(m.dir, transfer.SanitizeLabel(peerID)+".log")
}

// AppendChat records a message exchanged with peerID.
func (m *Manager) AppendChat(peerID, from, to, message string) error {
	message = strings.ReplaceAll(message, "\n", " ")
	entry := m.now().Format(time.RFC3339) + " | chat | " + from + " -> " + to + " | " + message + "\n"
	return m.append(m.logPath(peerID), entry)
}

// AppendTransfer records a finished transfer with buddy.
func (m *Manager) AppendTransfer(buddy events.Buddy, direction, path string, size int64) error {
	entry := m.now().Format(time.RFC3339) + " | transfer | " + direction + " | " + buddy.ID + " | " + path + " | bytes=" + strconv.FormatInt(size, 10) + "\n"
	return m.append(m.logPath(buddy.ID), entry)
}

func (m *Manager) append(path, entry string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.WriteString(entry)
	return err
}

// Backlog returns the last n entries of a peer's transcript, oldest first.
// A missing transcript is not an error.
func (m *Manager) Backlog(peerID string, n int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lines, err := readLines(m.logPath(peerID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, line := range lines {
		entry, err := parseEntry(line)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Clear removes a peer's transcript.
func (m *Manager) Clear(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.logPath(peerID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func parseEntry(line string) (Entry, error) {
	parts := strings.SplitN(line, " | ", 3)
	if len(parts) < 3 {
		return Entry{}, errors.New("invalid history entry")
	}
	switch parts[1] {
	case "chat":
		return parseChatEntry(line)
	case "transfer":
		return parseTransferEntry(line)
	default:
		return Entry{}, errors.New("unknown history category")
	}
}

func parseChatEntry(line string) (Entry, error) {
	parts := strings.SplitN(line, " | ", 4)
	if len(parts) < 4 {
		return Entry{}, errors.New("invalid chat history entry")
	}
	ts, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return Entry{}, err
	}
	from, to := parseEndpoints(parts[2])
	return Entry{
		Timestamp: ts,
		Category:  "chat",
		Kind:      "message",
		From:      from,
		To:        to,
		Message:   parts[3],
	}, nil
}

func parseTransferEntry(line string) (Entry, error) {
	parts := strings.SplitN(line, " | ", 6)
	if len(parts) < 6 {
		return Entry{}, errors.New("invalid transfer history entry")
	}
	ts, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return Entry{}, err
	}
	size, err := strconv.ParseInt(strings.TrimPrefix(parts[5], "bytes="), 10, 64)
	if err != nil {
		size = 0
	}
	return Entry{
		Timestamp: ts,
		Category:  "transfer",
		Kind:      parts[2],
		From:      parts[3],
		Path:      parts[4],
		Size:      size,
	}, nil
}

func parseEndpoints(segment string) (string, string) {
	parts := strings.SplitN(segment, " -> ", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

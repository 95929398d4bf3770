package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"golang.org/x/term"

	"github.com/hamzawahab/parley/internal/commands"
	"github.com/hamzawahab/parley/internal/events"
	"github.com/hamzawahab/parley/internal/notify"
	"github.com/hamzawahab/parley/internal/session"
	"github.com/hamzawahab/parley/internal/transfer"
	"github.com/hamzawahab/parley/internal/version"
)

const (
	colorReset    = "\033[0m"
	colorPrimary  = "\033[36m"
	colorSuccess  = "\033[32m"
	colorError    = "\033[31m"
	colorMuted    = "\033[90m"
	colorAccent   = "\033[38;2;198;149;255m"
	colorBarEmpty = "\033[38;2;80;80;80m"
	bannerWidth   = 80
	defaultRows   = 24

	completionTimeout = 200 * time.Millisecond
)

var welcomeBanner = []string{
	` ____   _    ____  _     _______   __`,
	`|  _ \ / \  |  _ \| |   | ____\ \ / /`,
	`| |_) / _ \ | |_) | |   |  _|  \ V / `,
	`|  __/ ___ \|  _ <| |___| |___  | |  `,
	`|_| /_/   \_\_| \_\_____|_____| |_|  `,
}

// Console is the terminal front-end. It owns the chat windows, the buddy
// list and the popups, and renders transfer progress.
type Console struct {
	session *session.Session
	handler *commands.Handler
	rl      *readline.Instance
	windows *ChatWindows
	buddies *BuddyList
	toaster *notify.Toaster

	printMu    sync.Mutex
	progressMu sync.Mutex
	homeDir    string

	progressActive bool
	progressID     string
	progressLine   string
}

func New(sess *session.Session) (*Console, error) {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	home, _ := os.UserHomeDir()
	c := &Console{
		session: sess,
		homeDir: home,
	}
	cfg := &readline.Config{
		Prompt:                 colorMuted + "> " + colorReset,
		InterruptPrompt:        colorMuted + "^C" + colorReset + "\n",
		EOFPrompt:              "",
		HistorySearchFold:      true,
		DisableAutoSaveHistory: true,
		AutoComplete:           c.completer(),
		Stdin:                  os.Stdin,
		Stdout:                 os.Stdout,
		Stderr:                 os.Stderr,
	}
	configureReadline(cfg)
	enableANSI()
	rl, err := readline.NewEx(cfg)
	if err != nil {
		return nil, err
	}
	c.rl = rl
	if !interactive {
		fmt.Fprintln(os.Stderr, colorMuted+"(Limited terminal detected; line editing shortcuts may be unavailable.)"+colorReset)
	}

	width, height := c.canvas()
	c.toaster = notify.NewToaster(sess.Loop, c.newSurface, notify.Options{
		ScreenWidth:  width,
		ScreenHeight: height,
		Width:        toastWidth,
		Height:       toastHeight,
		Hold:         sess.Config.HoldDuration(),
	}, sess.Logger)
	c.windows = NewChatWindows(c, c.toaster, sess.History, WindowOptions{
		Popups: sess.Config.NotificationPopup,
		Screen: c.canvas,
		Logger: sess.Logger,
	})
	c.buddies = NewBuddyList(c, sess.Logger)
	c.handler = commands.New(sess, c.windows)
	sess.OnStatus(func(msg string) {
		c.writeLine(colorMuted + msg + colorReset)
	})
	return c, nil
}

func configureReadline(cfg *readline.Config) {
	cfg.HistoryLimit = 1024
	cfg.FuncIsTerminal = func() bool {
		return term.IsTerminal(int(os.Stdin.Fd()))
	}
	cfg.FuncGetWidth = func() int {
		width, _, err := term.GetSize(int(os.Stdout.Fd()))
		if err != nil || width <= 0 {
			return bannerWidth
		}
		return width
	}
}

// Windows is the chat window registry events are delivered to.
func (c *Console) Windows() *ChatWindows { return c.windows }

// Buddies is the buddy list presence events are delivered to.
func (c *Console) Buddies() *BuddyList { return c.buddies }

// Run reads commands until EOF, @exit or ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	defer c.rl.Close()
	stop := context.AfterFunc(ctx, func() { c.rl.Close() })
	defer stop()
	c.printWelcome()
	for {
		line, err := c.rl.Readline()
		if ctx.Err() != nil {
			c.shutdown()
			return nil
		}
		if errors.Is(err, readline.ErrInterrupt) {
			c.writeLine(colorMuted + "^C" + colorReset)
			continue
		}
		if errors.Is(err, io.EOF) {
			c.shutdown()
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		_ = c.rl.SaveHistory(line)
		result, err := c.handler.Handle(ctx, line)
		if err != nil {
			c.writeLine(colorError + err.Error() + colorReset)
			continue
		}
		if result.Clear {
			c.clearScreen(false)
			continue
		}
		if result.Output != "" {
			c.writeLine(colorSuccess + result.Output + colorReset)
		}
		if result.Quit {
			c.shutdown()
			return nil
		}
	}
}

// Println satisfies Printer.
func (c *Console) Println(line string) {
	c.writeLine(line)
}

// SystemLine routes transfer notices into the buddy's chat window.
func (c *Console) SystemLine(buddy events.Buddy, line string, notifyUser bool) {
	c.windows.SystemLine(buddy, line, notifyUser)
}

// Progress renders the live progress line of a transfer.
func (c *Console) Progress(s *transfer.Session) {
	if s.Total <= 0 {
		return
	}
	line := formatProgressLine(s, c.terminalWidth(), c.homeDir)
	if s.State.IsFinished() {
		c.finishProgressLine(s.ID, line)
		return
	}
	c.updateProgressLine(s.ID, line)
}

func (c *Console) completer() *readline.PrefixCompleter {
	buddy := readline.PcItemDynamic(c.buddyNames)
	return readline.NewPrefixCompleter(
		readline.PcItem("@help"),
		readline.PcItem("@chat", buddy),
		readline.PcItem("@msg", buddy),
		readline.PcItem("@file", buddy),
		readline.PcItem("@close", buddy),
		readline.PcItem("@mute", buddy),
		readline.PcItem("@unmute", buddy),
		readline.PcItem("@history", buddy),
		readline.PcItem("@remove", buddy),
		readline.PcItem("@save"),
		readline.PcItem("@cancel"),
		readline.PcItem("@transfers"),
		readline.PcItem("@windows"),
		readline.PcItem("@users"),
		readline.PcItem("@broadcast"),
		readline.PcItem("@connect"),
		readline.PcItem("@status", readline.PcItem("available"), readline.PcItem("away"), readline.PcItem("xa")),
		readline.PcItem("@popups", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("@hover"),
		readline.PcItem("@hidden", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("@profile"),
		readline.PcItem("@setname"),
		readline.PcItem("@setpath"),
		readline.PcItem("@whoami"),
		readline.PcItem("@clear"),
		readline.PcItem("@exit"),
	)
}

// buddyNames feeds completion from the buddy list, which lives on the loop.
func (c *Console) buddyNames(string) []string {
	ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()
	var names []string
	_ = c.session.Loop.Call(ctx, func() {
		for _, b := range c.buddies.Online() {
			names = append(names, b.DisplayName())
		}
	})
	return names
}

func (c *Console) newSurface(buddy events.Buddy, _ int) notify.Surface {
	return newToastSurface(c, buddy)
}

func (c *Console) drawRaw(s string) {
	c.printMu.Lock()
	fmt.Fprint(c.stdout(), s)
	c.printMu.Unlock()
}

func (c *Console) rows() int {
	_, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || height <= 0 {
		return defaultRows
	}
	return height
}

func (c *Console) canvas() (int, int) {
	return canvasSize(c.terminalWidth(), c.rows())
}

func (c *Console) stdout() io.Writer {
	if c.rl == nil {
		return os.Stdout
	}
	return c.rl.Stdout()
}

func (c *Console) printWelcome() {
	for _, line := range welcomeBanner {
		c.writeLine(colorPrimary + centerLine(line, bannerWidth) + colorReset)
	}
	c.writeLine(colorSuccess + centerLine("Chat and files with the people on your LAN.", bannerWidth) + colorReset)
	c.writeLine("")
	cfg := c.session.Config
	c.writeLine(fmt.Sprintf("%s🌐 Welcome to Parley v%s%s", colorPrimary, version.Version, colorReset))
	c.writeLine(fmt.Sprintf("%s👤 User:%s %s | IP: %s", colorMuted, colorReset, cfg.Username, c.session.LocalIP()))
	c.writeLine(fmt.Sprintf("%s📁 Downloads:%s %s", colorMuted, colorReset, downloadLabel(cfg.DownloadDir)))
	c.writeLine("Type @help for commands.")
}

func downloadLabel(dir string) string {
	if dir == "" {
		return "ask with @save"
	}
	return dir
}

func (c *Console) clearScreen(printWelcome bool) {
	c.printMu.Lock()
	fmt.Fprint(c.stdout(), "\033[2J\033[H")
	c.printMu.Unlock()
	if c.rl != nil {
		c.rl.Refresh()
	}
	c.progressMu.Lock()
	c.progressActive = false
	c.progressLine = ""
	c.progressID = ""
	c.progressMu.Unlock()
	if printWelcome {
		c.printWelcome()
	}
}

func (c *Console) shutdown() {
	c.writeLine(colorMuted + "Ending Parley session. Goodbye!" + colorReset)
}

func (c *Console) writeLine(line string) {
	c.progressMu.Lock()
	active := c.progressActive
	progressLine := c.progressLine
	c.progressMu.Unlock()

	c.printMu.Lock()
	fmt.Fprintf(c.stdout(), "\r\033[K%s\n", line)
	if active {
		fmt.Fprintf(c.stdout(), "%s", progressLine)
	}
	c.printMu.Unlock()
	if c.rl != nil {
		c.rl.Refresh()
	}
}

func (c *Console) updateProgressLine(id, line string) {
	c.progressMu.Lock()
	c.progressActive = true
	c.progressID = id
	c.progressLine = line
	c.progressMu.Unlock()

	c.printMu.Lock()
	fmt.Fprintf(c.stdout(), "\r\033[J%s", line)
	c.printMu.Unlock()
	if c.rl != nil {
		c.rl.Refresh()
	}
}

func (c *Console) finishProgressLine(id, line string) {
	var resume bool
	var resumeID, resumeLine string

	c.progressMu.Lock()
	if c.progressActive && c.progressID != id {
		resume = true
		resumeID = c.progressID
		resumeLine = c.progressLine
	}
	if c.progressID == id {
		c.progressActive = false
		c.progressLine = ""
		c.progressID = ""
	}
	c.progressMu.Unlock()

	c.printMu.Lock()
	fmt.Fprintf(c.stdout(), "\r\033[J%s\n", line)
	c.printMu.Unlock()
	if c.rl != nil {
		c.rl.Refresh()
	}
	if resume {
		c.updateProgressLine(resumeID, resumeLine)
	}
}

func (c *Console) terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err == nil && width > 0 {
		return width
	}
	return bannerWidth
}

func centerLine(line string, width int) string {
	trimmed := strings.TrimRight(line, "\n")
	if len(trimmed) >= width {
		return trimmed
	}
	pad := (width - len(trimmed)) / 2
	if pad < 0 {
		pad = 0
	}
	return strings.Repeat(" ", pad) + trimmed
}

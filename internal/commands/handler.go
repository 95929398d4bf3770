package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hamzawahab/parley/internal/events"
	"github.com/hamzawahab/parley/internal/network"
	"github.com/hamzawahab/parley/internal/session"
	"github.com/hamzawahab/parley/internal/transfer"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrNoChat         = errors.New("no chat open, use @chat <user> first")
)

const defaultBacklog = 20

// Result carries command execution outcome back to the UI.
type Result struct {
	Output string
	Clear  bool
	Quit   bool
}

// Frontend is the console state commands act on. Every method is called on
// the UI loop.
type Frontend interface {
	Focus(buddy events.Buddy)
	Focused() (events.Buddy, bool)
	CloseWindow(buddyID string) bool
	Mute(buddyID string, muted bool)
	Echo(buddy events.Buddy, text string, queued bool)
	Overview() []string
	SetPopups(on bool)
	Hover()
}

type Handler struct {
	session *session.Session
	front   Frontend
}

func New(session *session.Session, front Frontend) *Handler {
	return &Handler{session: session, front: front}
}

// Handle parses command input and executes matching action. Input without
// a leading @ is a message to the focused chat.
func (h *Handler) Handle(ctx context.Context, input string) (Result, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Result{}, nil
	}
	if !strings.HasPrefix(trimmed, "@") {
		return h.cmdSay(ctx, trimmed)
	}
	parts := strings.Fields(trimmed)
	cmd := strings.TrimPrefix(parts[0], "@")
	args := strings.TrimSpace(strings.TrimPrefix(trimmed, parts[0]))

	switch cmd {
	case "help":
		return Result{Output: helpText()}, nil
	case "whoami":
		return h.cmdWhoAmI()
	case "users":
		return h.cmdUsers()
	case "chat":
		return h.cmdChat(ctx, args)
	case "msg", "send":
		return h.cmdMsg(ctx, parts, args)
	case "broadcast":
		return h.cmdBroadcast(ctx, args)
	case "file":
		return h.cmdFile(ctx, parts, args)
	case "save":
		return h.cmdSave(ctx, parts)
	case "cancel":
		return h.cmdCancel(ctx, parts)
	case "transfers":
		return h.cmdTransfers(ctx)
	case "windows":
		return h.cmdWindows(ctx)
	case "close":
		return h.cmdClose(ctx, args)
	case "remove":
		return h.cmdRemove(args)
	case "connect":
		return h.cmdConnect(args)
	case "mute":
		return h.cmdMute(ctx, args, true)
	case "unmute":
		return h.cmdMute(ctx, args, false)
	case "popups":
		return h.cmdPopups(ctx, args)
	case "hidden":
		return h.cmdHidden(args)
	case "hover":
		return Result{}, h.onLoop(ctx, h.front.Hover)
	case "history":
		return h.cmdHistory(parts)
	case "status":
		return h.cmdStatus(args)
	case "profile":
		return h.cmdProfile(args)
	case "setname":
		return h.cmdSetName(args)
	case "setpath":
		return h.cmdSetPath(ctx, args)
	case "clear":
		return h.cmdClear(ctx, args)
	case "exit", "quit":
		return Result{Quit: true}, nil
	default:
		return Result{}, fmt.Errorf("@%s: %w", cmd, ErrUnknownCommand)
	}
}

func (h *Handler) onLoop(ctx context.Context, fn func()) error {
	return h.session.Loop.Call(ctx, fn)
}

func (h *Handler) cmdWhoAmI() (Result, error) {
	cfg := h.session.Config
	msg := fmt.Sprintf("Username: %s\nID: %s\nIP: %s\nListen port: %d", cfg.Username, cfg.PeerID(), h.session.LocalIP(), cfg.ListenPort)
	return Result{Output: msg}, nil
}

func (h *Handler) cmdUsers() (Result, error) {
	peers := h.session.Discovery.ListPeers()
	go h.session.Discovery.ForceAnnounce()
	if len(peers) == 0 {
		return Result{Output: "No users discovered yet."}, nil
	}
	var lines []string
	for _, peer := range peers {
		lines = append(lines, fmt.Sprintf("%s [%s] %s (%s) • %s",
			safePeerLabel(peer.Buddy().DisplayName()), shortPeerID(peer.ID), peer.Status, peer.IP, seenLabel(peer.LastSeen)))
	}
	return Result{Output: strings.Join(lines, "\n")}, nil
}

func (h *Handler) cmdChat(ctx context.Context, target string) (Result, error) {
	if target == "" {
		return Result{Output: "Usage: @chat <user/id/ip>"}, nil
	}
	peer, err := h.resolvePeer(target)
	if err != nil {
		return Result{}, err
	}
	return Result{}, h.onLoop(ctx, func() { h.front.Focus(peer.Buddy()) })
}

func (h *Handler) cmdSay(ctx context.Context, text string) (Result, error) {
	var buddy events.Buddy
	var ok bool
	if err := h.onLoop(ctx, func() { buddy, ok = h.front.Focused() }); err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, ErrNoChat
	}
	return Result{}, h.deliver(ctx, buddy, text)
}

func (h *Handler) cmdMsg(ctx context.Context, parts []string, args string) (Result, error) {
	if len(parts) < 3 {
		return Result{Output: "Usage: @msg <user/id/ip> <message>"}, nil
	}
	target := parts[1]
	message := strings.TrimSpace(strings.TrimPrefix(args, target))
	peer, err := h.resolvePeer(target)
	if err != nil {
		return Result{}, err
	}
	return Result{}, h.deliver(ctx, peer.Buddy(), message)
}

func (h *Handler) deliver(ctx context.Context, buddy events.Buddy, message string) error {
	queued, err := h.session.Transfer.SendMessage(ctx, buddy.ID, message)
	if err != nil {
		return err
	}
	return h.onLoop(ctx, func() { h.front.Echo(buddy, message, queued) })
}

func (h *Handler) cmdBroadcast(ctx context.Context, message string) (Result, error) {
	if message == "" {
		return Result{Output: "Usage: @broadcast <message>"}, nil
	}
	var sent, queued int
	for _, peer := range h.session.Discovery.ListPeers() {
		if !peer.Online() {
			continue
		}
		q, err := h.session.Transfer.SendMessage(ctx, peer.ID, message)
		if err != nil {
			return Result{}, err
		}
		if q {
			queued++
		} else {
			sent++
		}
	}
	if sent+queued == 0 {
		return Result{Output: "No peers to broadcast to."}, nil
	}
	out := fmt.Sprintf("Broadcast to %d peers", sent)
	if queued > 0 {
		out += fmt.Sprintf(", %d queued for later", queued)
	}
	return Result{Output: out}, nil
}

func (h *Handler) cmdFile(ctx context.Context, parts []string, args string) (Result, error) {
	if len(parts) < 3 {
		return Result{Output: "Usage: @file <user/id/ip> <path>"}, nil
	}
	target := parts[1]
	path, err := normalizePathArg(strings.TrimSpace(strings.TrimPrefix(args, target)))
	if err != nil {
		return Result{}, err
	}
	peer, err := h.resolvePeer(target)
	if err != nil {
		return Result{}, err
	}
	payload, err := h.session.Transfer.OpenPayload(path)
	if err != nil {
		return Result{}, err
	}
	sendCtx, cancel := context.WithCancel(context.Background())
	var id string
	err = h.onLoop(ctx, func() {
		id = h.session.Transfers.Send(peer.Buddy(), payload.Name, payload.Size, transfer.CancelFunc(cancel)).ID
	})
	if err != nil {
		cancel()
		payload.Close()
		return Result{}, err
	}
	progress := h.session.Dispatcher.Progress(id)
	go func() {
		defer cancel()
		defer payload.Close()
		if err := h.session.Transfer.SendPayload(sendCtx, peer.ID, payload, progress); err != nil {
			h.session.Logger.Warn("send %s to %s: %v", payload.Name, peer.ID, err)
		}
	}()
	return Result{}, nil
}

func (h *Handler) cmdSave(ctx context.Context, parts []string) (Result, error) {
	var args []string
	force := false
	for _, p := range parts[1:] {
		if p == "--force" || p == "-f" {
			force = true
			continue
		}
		args = append(args, p)
	}
	if len(args) < 2 {
		return Result{Output: "Usage: @save <id> <path> [--force]"}, nil
	}
	path, err := normalizePathArg(strings.Join(args[1:], " "))
	if err != nil {
		return Result{}, err
	}
	var saveErr error
	if err := h.onLoop(ctx, func() { saveErr = h.session.Transfers.Save(args[0], path, force) }); err != nil {
		return Result{}, err
	}
	if errors.Is(saveErr, transfer.ErrPathExists) {
		return Result{Output: fmt.Sprintf("%s already exists. Add --force to overwrite it.", path)}, nil
	}
	return Result{}, saveErr
}

func (h *Handler) cmdCancel(ctx context.Context, parts []string) (Result, error) {
	if len(parts) != 2 {
		return Result{Output: "Usage: @cancel <id>"}, nil
	}
	var cancelErr error
	if err := h.onLoop(ctx, func() { cancelErr = h.session.Transfers.Cancel(parts[1]) }); err != nil {
		return Result{}, err
	}
	return Result{}, cancelErr
}

func (h *Handler) cmdTransfers(ctx context.Context) (Result, error) {
	var lines []string
	err := h.onLoop(ctx, func() {
		for _, s := range h.session.Transfers.List() {
			lines = append(lines, s.Describe())
		}
	})
	if err != nil {
		return Result{}, err
	}
	if len(lines) == 0 {
		return Result{Output: "No transfers in progress."}, nil
	}
	return Result{Output: strings.Join(lines, "\n")}, nil
}

func (h *Handler) cmdWindows(ctx context.Context) (Result, error) {
	var lines []string
	if err := h.onLoop(ctx, func() { lines = h.front.Overview() }); err != nil {
		return Result{}, err
	}
	if len(lines) == 0 {
		return Result{Output: "No open chats."}, nil
	}
	return Result{Output: strings.Join(lines, "\n")}, nil
}

func (h *Handler) cmdClose(ctx context.Context, target string) (Result, error) {
	var buddy events.Buddy
	if target == "" {
		var ok bool
		if err := h.onLoop(ctx, func() { buddy, ok = h.front.Focused() }); err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{}, ErrNoChat
		}
	} else {
		peer, err := h.resolvePeer(target)
		if err != nil {
			return Result{}, err
		}
		buddy = peer.Buddy()
	}
	var closed bool
	err := h.onLoop(ctx, func() {
		h.session.Transfers.CloseBuddy(buddy.ID)
		closed = h.front.CloseWindow(buddy.ID)
	})
	if err != nil {
		return Result{}, err
	}
	if !closed {
		return Result{Output: fmt.Sprintf("No chat open with %s.", buddy.DisplayName())}, nil
	}
	return Result{Output: fmt.Sprintf("Closed chat with %s.", buddy.DisplayName())}, nil
}

func (h *Handler) cmdRemove(target string) (Result, error) {
	if target == "" {
		return Result{Output: "Usage: @remove <user/id/ip>"}, nil
	}
	peer, err := h.resolvePeer(target)
	if err != nil {
		return Result{}, err
	}
	if _, err := h.session.Discovery.Remove(peer.ID); err != nil {
		return Result{}, err
	}
	return Result{}, nil
}

func (h *Handler) cmdConnect(target string) (Result, error) {
	ip := net.ParseIP(strings.TrimSpace(target))
	if ip == nil {
		return Result{Output: "Usage: @connect <ip>"}, nil
	}
	if err := h.session.Discovery.AddManualPeer(ip.String()); err != nil {
		return Result{}, err
	}
	return Result{Output: fmt.Sprintf("Announced ourselves to %s.", ip)}, nil
}

func (h *Handler) cmdMute(ctx context.Context, target string, muted bool) (Result, error) {
	if target == "" {
		return Result{Output: "Usage: @mute|@unmute <user/id/ip>"}, nil
	}
	peer, err := h.resolvePeer(target)
	if err != nil {
		return Result{}, err
	}
	buddy := peer.Buddy()
	if err := h.onLoop(ctx, func() { h.front.Mute(buddy.ID, muted) }); err != nil {
		return Result{}, err
	}
	if muted {
		return Result{Output: fmt.Sprintf("Popups from %s muted.", buddy.DisplayName())}, nil
	}
	return Result{Output: fmt.Sprintf("Popups from %s enabled.", buddy.DisplayName())}, nil
}

func (h *Handler) cmdPopups(ctx context.Context, arg string) (Result, error) {
	var on bool
	switch strings.ToLower(arg) {
	case "on":
		on = true
	case "off":
	default:
		return Result{Output: "Usage: @popups on|off"}, nil
	}
	cfg := h.session.Config
	cfg.NotificationPopup = on
	if err := cfg.Save(); err != nil {
		return Result{}, err
	}
	if err := h.onLoop(ctx, func() { h.front.SetPopups(on) }); err != nil {
		return Result{}, err
	}
	return Result{Output: "Popups " + strings.ToLower(arg) + "."}, nil
}

// cmdHidden decides whether chats opened by incoming messages start hidden.
func (h *Handler) cmdHidden(arg string) (Result, error) {
	var hidden bool
	switch strings.ToLower(arg) {
	case "on":
		hidden = true
	case "off":
	default:
		return Result{Output: "Usage: @hidden on|off"}, nil
	}
	cfg := h.session.Config
	cfg.OpenChatHidden = hidden
	if err := cfg.Save(); err != nil {
		return Result{}, err
	}
	if h.session.Dispatcher != nil {
		h.session.Dispatcher.SetOpenHidden(hidden)
	}
	if hidden {
		return Result{Output: "New chats open in the background."}, nil
	}
	return Result{Output: "New chats open in front."}, nil
}

func (h *Handler) cmdHistory(parts []string) (Result, error) {
	if len(parts) < 2 {
		return Result{Output: "Usage: @history <user/id/ip> [count]"}, nil
	}
	n := defaultBacklog
	if len(parts) > 2 {
		v, err := strconv.Atoi(parts[2])
		if err != nil || v <= 0 {
			return Result{Output: "Count must be a positive number."}, nil
		}
		n = v
	}
	peer, err := h.resolvePeer(parts[1])
	if err != nil {
		return Result{}, err
	}
	entries, err := h.session.History.Backlog(peer.ID, n)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: formatHistoryTable(entries, h.session.Config.Username)}, nil
}

func (h *Handler) cmdStatus(arg string) (Result, error) {
	cfg := h.session.Config
	if arg == "" {
		peers := h.session.Discovery.ListPeers()
		online := 0
		for _, p := range peers {
			if p.Online() {
				online++
			}
		}
		lines := []string{
			fmt.Sprintf("Username: %s", cfg.Username),
			fmt.Sprintf("Status: %s", cfg.Status),
			fmt.Sprintf("Local IP: %s", h.session.LocalIP()),
			fmt.Sprintf("Listen port: %d", cfg.ListenPort),
			fmt.Sprintf("Discovery port: %d", cfg.DiscoveryPort),
			fmt.Sprintf("Peers online: %d of %d", online, len(peers)),
			fmt.Sprintf("Queued messages for: %d peers", len(h.session.Transfer.Outbox().Peers())),
			fmt.Sprintf("Download path: %s", safeDir(cfg.DownloadDir)),
		}
		return Result{Output: strings.Join(lines, "\n")}, nil
	}
	status, ok := events.ParseStatus(arg)
	if !ok || status == events.StatusOffline {
		return Result{Output: "Usage: @status [available|away|xa]"}, nil
	}
	cfg.Status = string(status)
	if err := cfg.Save(); err != nil {
		return Result{}, err
	}
	h.session.Discovery.UpdateLocalStatus(status)
	return Result{Output: fmt.Sprintf("You are now %s.", status)}, nil
}

func (h *Handler) cmdProfile(arg string) (Result, error) {
	cfg := h.session.Config
	if arg == "" {
		return Result{Output: fmt.Sprintf("Profile: %s", safePeerLabel(cfg.ProfileText))}, nil
	}
	if strings.ContainsAny(arg, "\n\r") || len(arg) > 140 {
		return Result{Output: "Profile text must be a single line of at most 140 characters."}, nil
	}
	cfg.ProfileText = arg
	if err := cfg.Save(); err != nil {
		return Result{}, err
	}
	h.session.Discovery.UpdateProfile(cfg.ProfileName, cfg.ProfileText)
	return Result{Output: "Profile updated."}, nil
}

func (h *Handler) cmdSetPath(ctx context.Context, arg string) (Result, error) {
	if arg == "" {
		return Result{Output: "Usage: @setpath <dir>|off"}, nil
	}
	dir := ""
	if !strings.EqualFold(arg, "off") {
		var err error
		if dir, err = normalizePathArg(arg); err != nil {
			return Result{}, err
		}
	}
	cfg := h.session.Config
	cfg.DownloadDir = dir
	if err := cfg.EnsureDirectories(); err != nil {
		return Result{}, err
	}
	if err := cfg.Save(); err != nil {
		return Result{}, err
	}
	if err := h.onLoop(ctx, func() { h.session.Transfers.SetDownloadDir(dir) }); err != nil {
		return Result{}, err
	}
	if dir == "" {
		return Result{Output: "Auto-save disabled. Incoming files wait for @save."}, nil
	}
	return Result{Output: fmt.Sprintf("Incoming files are saved under %s", dir)}, nil
}

func (h *Handler) cmdSetName(arg string) (Result, error) {
	name := strings.TrimSpace(arg)
	if name == "" {
		return Result{Output: "Usage: @setname <username>"}, nil
	}
	if strings.ContainsAny(name, "\n\r") {
		return Result{Output: "Username cannot contain newlines."}, nil
	}
	sanitised, changed := sanitiseUsername(name)
	if sanitised == "" {
		return Result{Output: "Username cannot be blank."}, nil
	}
	if len(sanitised) > 64 {
		return Result{Output: "Username must be 64 characters or fewer."}, nil
	}
	cfg := h.session.Config
	if cfg.Username == sanitised {
		return Result{Output: fmt.Sprintf("Username already set to %s", sanitised)}, nil
	}
	old := cfg.Username
	cfg.Username = sanitised
	if err := cfg.Save(); err != nil {
		cfg.Username = old
		return Result{}, err
	}
	h.session.Transfer.UpdateLocalEndpoint(sanitised, "")
	h.session.Discovery.UpdateLocalUser(sanitised)
	msg := fmt.Sprintf("Username updated to %s", sanitised)
	if changed {
		msg += " (spaces converted to '-')"
	}
	return Result{Output: msg}, nil
}

func (h *Handler) cmdClear(ctx context.Context, arg string) (Result, error) {
	if arg == "" {
		return Result{Clear: true}, nil
	}
	parts := strings.Fields(arg)
	if len(parts) == 2 && strings.EqualFold(parts[0], "history") {
		peer, err := h.resolvePeer(parts[1])
		if err != nil {
			return Result{}, err
		}
		if err := h.session.History.Clear(peer.ID); err != nil {
			return Result{}, err
		}
		return Result{Output: fmt.Sprintf("History with %s cleared.", peer.Buddy().DisplayName())}, nil
	}
	return Result{Output: "Usage: @clear [history <user>]"}, nil
}

func (h *Handler) resolvePeer(target string) (*network.Peer, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errors.New("empty target")
	}
	if ip := net.ParseIP(target); ip != nil {
		peer, err := h.session.Discovery.Resolve(ip.String())
		if err != nil {
			return nil, fmt.Errorf("peer %s not discovered", target)
		}
		return peer, nil
	}
	return h.session.Discovery.Resolve(target)
}

func shortPeerID(id string) string {
	if len(id) > 6 {
		return id[:6]
	}
	return id
}

func seenLabel(lastSeen time.Time) string {
	if lastSeen.IsZero() {
		return "seen recently"
	}
	diff := time.Since(lastSeen)
	if diff < 0 {
		diff = 0
	}
	switch {
	case diff < 1500*time.Millisecond:
		return "seen just now"
	case diff < time.Minute:
		secs := int(diff.Round(time.Second) / time.Second)
		if secs <= 1 {
			return "seen 1s ago"
		}
		return fmt.Sprintf("seen %ds ago", secs)
	case diff < time.Hour:
		mins := int(diff.Round(time.Minute) / time.Minute)
		if mins <= 1 {
			return "seen 1m ago"
		}
		return fmt.Sprintf("seen %dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Round(time.Hour) / time.Hour)
		if hours <= 1 {
			return "seen 1h ago"
		}
		return fmt.Sprintf("seen %dh ago", hours)
	default:
		days := int(diff.Round(24*time.Hour) / (24 * time.Hour))
		if days <= 1 {
			return "seen 1d ago"
		}
		return fmt.Sprintf("seen %dd ago", days)
	}
}

func safePeerLabel(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "(unknown)"
	}
	return trimmed
}

func safeDir(dir string) string {
	if dir == "" {
		return "(auto-save off)"
	}
	return dir
}

func sanitiseUsername(input string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", false
	}
	parts := strings.Fields(trimmed)
	if len(parts) == 0 {
		return "", false
	}
	joined := strings.Join(parts, "-")
	return joined, joined != trimmed
}

func normalizePathArg(input string) (string, error) {
	path := strings.TrimSpace(input)
	if path == "" {
		return "", errors.New("empty path")
	}
	if len(path) >= 2 {
		if (path[0] == '"' && path[len(path)-1] == '"') || (path[0] == '\'' && path[len(path)-1] == '\'') {
			path = strings.TrimSpace(path[1 : len(path)-1])
		}
	}
	if path == "" {
		return "", errors.New("empty path")
	}
	if strings.HasPrefix(path, "~") {
		if len(path) > 1 && path[1] != '/' && path[1] != '\\' {
			return "", fmt.Errorf("unsupported home expansion for %s", path)
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			path = home
		} else {
			cleaned := strings.TrimPrefix(path, "~")
			cleaned = strings.TrimPrefix(cleaned, "/")
			cleaned = strings.TrimPrefix(cleaned, "\\")
			path = filepath.Join(home, cleaned)
		}
	}
	if !filepath.IsAbs(path) {
		cwd, _ := os.Getwd()
		path = filepath.Join(cwd, path)
	}
	return filepath.Clean(path), nil
}

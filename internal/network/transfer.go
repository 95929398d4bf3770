package network

import (
	"archive/zip"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hamzawahab/parley/internal/config"
	"github.com/hamzawahab/parley/internal/dispatch"
	"github.com/hamzawahab/parley/internal/events"
	"github.com/hamzawahab/parley/internal/history"
	"github.com/hamzawahab/parley/internal/logger"
	"github.com/hamzawahab/parley/internal/transfer"
)

const (
	kindMessage = "message"
	kindFile    = "file"

	maxEnvelopeSize = 1 << 20
	chunkSize       = 64 * 1024
)

var (
	ErrPeerUnknown  = errors.New("peer not found")
	ErrBadSignature = errors.New("invalid message signature")
	ErrChecksum     = errors.New("checksum mismatch")
)

// Dispatcher is the event entry point of the UI loop. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev events.Event) (dispatch.Receipt, error)
}

// Directory resolves peers seen by discovery. *DiscoveryService satisfies it.
type Directory interface {
	Resolve(target string) (*Peer, error)
	SharedSecret(peerID string) (string, bool)
}

type envelope struct {
	Kind      string `json:"kind"`
	From      string `json:"from"`
	FromID    string `json:"from_id"`
	FromIP    string `json:"from_ip"`
	To        string `json:"to"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Timestamp int64  `json:"ts"`
	Message   string `json:"message"`
	Checksum  string `json:"checksum"`
	HMAC      string `json:"hmac"`
}

// Payload is a file ready to be streamed to a peer.
type Payload struct {
	Path     string
	Name     string
	Size     int64
	Checksum string
	temp     bool
}

// Close removes a payload that was packed into a temporary archive.
func (p *Payload) Close() error {
	if p == nil || !p.temp {
		return nil
	}
	return os.Remove(p.Path)
}

// TransferService manages TCP message and file transfers.
type TransferService struct {
	cfg        *config.Config
	logger     *logger.Logger
	history    *history.Manager
	dispatcher Dispatcher
	directory  Directory
	outbox     *Outbox

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wait     sync.WaitGroup

	localMu   sync.RWMutex
	localUser string
	localIP   string

	recvMu    sync.Mutex
	receivers map[*fileReceiver]struct{}
}

func NewTransferService(cfg *config.Config, logger *logger.Logger, history *history.Manager, dispatcher Dispatcher, directory Directory) *TransferService {
	ctx, cancel := context.WithCancel(context.Background())
	return &TransferService{
		cfg:        cfg,
		logger:     logger,
		history:    history,
		dispatcher: dispatcher,
		directory:  directory,
		outbox:     NewOutbox(),
		ctx:        ctx,
		cancel:     cancel,
		receivers:  make(map[*fileReceiver]struct{}),
	}
}

func (t *TransferService) Start(username, ip string) error {
	addr := fmt.Sprintf(":%d", t.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	t.listener = ln
	t.UpdateLocalEndpoint(username, ip)
	t.wait.Add(1)
	go t.acceptLoop()
	return nil
}

// Stop closes the listener, aborts running transfers and drops unsaved spools.
func (t *TransferService) Stop() {
	t.stopOnce.Do(func() {
		t.cancel()
		if t.listener != nil {
			t.listener.Close()
		}
	})
	t.wait.Wait()
	t.recvMu.Lock()
	pending := make([]*fileReceiver, 0, len(t.receivers))
	for r := range t.receivers {
		pending = append(pending, r)
	}
	t.recvMu.Unlock()
	// discard untracks through onDone, so it runs without recvMu held.
	for _, r := range pending {
		r.discard()
	}
}

// UpdateLocalEndpoint changes the identity stamped on outgoing envelopes.
func (t *TransferService) UpdateLocalEndpoint(username, ip string) {
	t.localMu.Lock()
	if username != "" {
		t.localUser = username
	}
	if ip != "" {
		t.localIP = ip
	}
	t.localMu.Unlock()
}

// Addr is the address the service listens on.
func (t *TransferService) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TransferService) acceptLoop() {
	defer t.wait.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Error("accept error: %v", err)
			continue
		}
		t.wait.Add(1)
		go func(c net.Conn) {
			defer t.wait.Done()
			defer c.Close()
			if err := t.handleConnection(c); err != nil {
				t.logger.Error("handle connection from %s: %v", c.RemoteAddr(), err)
			}
		}(conn)
	}
}

func (t *TransferService) handleConnection(conn net.Conn) error {
	env, err := readEnvelope(conn)
	if err != nil {
		return err
	}
	if !t.verifyEnvelope(env) {
		return ErrBadSignature
	}
	buddy := events.Buddy{ID: env.FromID, Name: env.From}
	switch env.Kind {
	case kindMessage:
		if _, err := t.dispatcher.Dispatch(t.ctx, events.ChatMessage{Buddy: buddy, Text: env.Message}); err != nil {
			return fmt.Errorf("deliver message from %s: %w", buddy.ID, err)
		}
		return t.history.AppendChat(buddy.ID, env.From, env.To, env.Message)
	case kindFile:
		return t.receiveFile(conn, buddy, env)
	default:
		return fmt.Errorf("unknown payload kind: %s", env.Kind)
	}
}

// SendMessage delivers text to a peer. When the peer cannot be reached the
// message is queued and queued is true.
func (t *TransferService) SendMessage(ctx context.Context, peerID, message string) (queued bool, err error) {
	peer, err := t.directory.Resolve(peerID)
	if err != nil || !peer.Online() {
		t.outbox.Add(peerID, message)
		return true, nil
	}
	if err := t.sendMessage(ctx, peer, message); err != nil {
		t.logger.Warn("message to %s queued: %v", peerID, err)
		t.outbox.Add(peerID, message)
		return true, nil
	}
	return false, nil
}

func (t *TransferService) sendMessage(ctx context.Context, peer *Peer, message string) error {
	env := t.newEnvelope(kindMessage, peer)
	env.Message = message
	if err := t.sendEnvelope(ctx, peer, env, nil); err != nil {
		return err
	}
	return t.history.AppendChat(peer.ID, env.From, peer.Username, message)
}

// Flush sends everything queued for peerID. Once the queue drained the UI
// is told with an OfflineSent event.
func (t *TransferService) Flush(ctx context.Context, peerID string) error {
	pending := t.outbox.Take(peerID)
	if len(pending) == 0 {
		return nil
	}
	peer, err := t.directory.Resolve(peerID)
	if err != nil {
		t.outbox.Requeue(peerID, pending)
		return err
	}
	for i, msg := range pending {
		if err := t.sendMessage(ctx, peer, msg); err != nil {
			t.outbox.Requeue(peerID, pending[i:])
			return fmt.Errorf("flush outbox for %s: %w", peerID, err)
		}
	}
	t.logger.Info("delivered %d queued messages to %s", len(pending), peerID)
	_, err = t.dispatcher.Dispatch(ctx, events.OfflineSent{Buddy: peer.Buddy()})
	return err
}

// Outbox exposes the queue of undelivered messages.
func (t *TransferService) Outbox() *Outbox {
	return t.outbox
}

// OpenPayload prepares path for sending. Directories are packed into a zip archive.
func (t *TransferService) OpenPayload(path string) (*Payload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	p := &Payload{Path: path, Name: filepath.Base(path), Size: info.Size()}
	if info.IsDir() {
		archive, err := zipDirectory(path)
		if err != nil {
			return nil, err
		}
		archiveInfo, err := os.Stat(archive)
		if err != nil {
			os.Remove(archive)
			return nil, err
		}
		p = &Payload{Path: archive, Name: filepath.Base(path) + ".zip", Size: archiveInfo.Size(), temp: true}
	}
	if p.Checksum, err = fileChecksum(p.Path); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// SendPayload streams p to a peer, reporting byte counts through progress.
func (t *TransferService) SendPayload(ctx context.Context, peerID string, p *Payload, progress dispatch.ProgressFunc) error {
	progress(p.Size, 0, transfer.TagWaiting)
	peer, err := t.directory.Resolve(peerID)
	if err != nil {
		progress(p.Size, -1, err.Error())
		return err
	}
	env := t.newEnvelope(kindFile, peer)
	env.Name = p.Name
	env.Size = p.Size
	env.Checksum = p.Checksum
	stream := func(w io.Writer) error {
		progress(p.Size, 0, transfer.TagStarting)
		return copyWithProgress(ctx, w, p.Path, p.Size, progress)
	}
	if err := t.sendEnvelope(ctx, peer, env, stream); err != nil {
		if ctx.Err() != nil {
			progress(p.Size, 0, transfer.TagAborted)
			return ctx.Err()
		}
		progress(p.Size, -1, err.Error())
		return err
	}
	progress(p.Size, p.Size, transfer.TagComplete)
	return nil
}

func (t *TransferService) newEnvelope(kind string, peer *Peer) *envelope {
	t.localMu.RLock()
	defer t.localMu.RUnlock()
	return &envelope{
		Kind:      kind,
		From:      t.localUser,
		FromID:    t.cfg.PeerID(),
		FromIP:    t.localIP,
		To:        peer.Username,
		Timestamp: time.Now().Unix(),
	}
}

func (t *TransferService) sendEnvelope(ctx context.Context, peer *Peer, env *envelope, writer func(io.Writer) error) error {
	secret, ok := t.directory.SharedSecret(peer.ID)
	if !ok {
		return fmt.Errorf("%s: no shared secret", peer.ID)
	}
	env.HMAC = signEnvelope(secret, env)
	address := net.JoinHostPort(peer.IP, fmt.Sprint(peer.Port))
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if err := writeEnvelope(conn, env); err != nil {
		return err
	}
	if writer != nil {
		if err := writer(conn); err != nil {
			return err
		}
	}
	return nil
}

func signEnvelope(secret string, env *envelope) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(env.Kind))
	mac.Write([]byte(env.From))
	mac.Write([]byte(env.FromID))
	mac.Write([]byte(env.FromIP))
	mac.Write([]byte(env.To))
	mac.Write([]byte(env.Message))
	mac.Write([]byte(env.Name))
	mac.Write([]byte(env.Checksum))
	sizeBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(sizeBuf, uint64(env.Size))
	mac.Write(sizeBuf)
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, uint64(env.Timestamp))
	mac.Write(tsBuf)
	return hex.EncodeToString(mac.Sum(nil))
}

func (t *TransferService) verifyEnvelope(env *envelope) bool {
	expected := signEnvelope(t.cfg.Secret, env)
	expectedBytes, err1 := hex.DecodeString(expected)
	providedBytes, err2 := hex.DecodeString(env.HMAC)
	if err1 != nil || err2 != nil {
		return false
	}
	return hmac.Equal(expectedBytes, providedBytes)
}

func (t *TransferService) receiveFile(conn net.Conn, buddy events.Buddy, env *envelope) error {
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	recv, err := newFileReceiver(env.Name, cancel)
	if err != nil {
		return err
	}
	recv.onDone = func() { t.trackReceiver(recv, false) }
	t.trackReceiver(recv, true)

	receipt, err := t.dispatcher.Dispatch(ctx, events.IncomingFile{
		Buddy:    buddy,
		FileName: filepath.Base(env.Name),
		SizeHint: env.Size,
		Handle:   recv,
	})
	if err != nil {
		recv.discard()
		return fmt.Errorf("announce file %s from %s: %w", env.Name, buddy.ID, err)
	}
	progress := receipt.Progress

	hasher := sha256.New()
	progress(env.Size, 0, transfer.TagStarting)
	if err := readWithProgress(conn, recv, env.Size, hasher, progress); err != nil {
		if ctx.Err() != nil {
			progress(env.Size, 0, transfer.TagAborted)
		} else {
			progress(env.Size, -1, err.Error())
		}
		return err
	}
	receivedChecksum := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(receivedChecksum, env.Checksum) {
		progress(env.Size, -1, ErrChecksum.Error())
		return ErrChecksum
	}
	if err := recv.markComplete(); err != nil {
		progress(env.Size, -1, err.Error())
		return err
	}
	progress(env.Size, env.Size, transfer.TagComplete)
	return nil
}

func (t *TransferService) trackReceiver(r *fileReceiver, add bool) {
	t.recvMu.Lock()
	defer t.recvMu.Unlock()
	if add {
		t.receivers[r] = struct{}{}
	} else {
		delete(t.receivers, r)
	}
}

func copyWithProgress(ctx context.Context, writer io.Writer, path string, total int64, progress dispatch.ProgressFunc) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	buf := make([]byte, chunkSize)
	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := file.Read(buf)
		if n > 0 {
			if _, err := writer.Write(buf[:n]); err != nil {
				return err
			}
			sent += int64(n)
			if sent < total {
				progress(total, sent, "")
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func readWithProgress(reader io.Reader, writer io.Writer, total int64, hash hash.Hash, progress dispatch.ProgressFunc) error {
	buf := make([]byte, chunkSize)
	var received int64
	multiWriter := io.MultiWriter(writer, hash)
	for received < total {
		remaining := total - received
		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = buf[:remaining]
		}
		n, err := io.ReadFull(reader, chunk)
		if err != nil {
			return err
		}
		if _, err := multiWriter.Write(chunk[:n]); err != nil {
			return err
		}
		received += int64(n)
		if received < total {
			progress(total, received, "")
		}
	}
	return nil
}

func writeEnvelope(conn net.Conn, env *envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return err
	}
	return nil
}

func readEnvelope(conn net.Conn) (*envelope, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxEnvelopeSize {
		return nil, fmt.Errorf("envelope too large: %d bytes", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func zipDirectory(dir string) (string, error) {
	tempFile, err := os.CreateTemp("", "parley-*.zip")
	if err != nil {
		return "", err
	}
	defer tempFile.Close()
	archive := zip.NewWriter(tempFile)
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if rel == "." {
				return nil
			}
			_, err := archive.Create(filepath.ToSlash(rel) + "/")
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate
		writer, err := archive.CreateHeader(header)
		if err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(writer, file); err != nil {
			file.Close()
			return err
		}
		return file.Close()
	})
	if err != nil {
		archive.Close()
		os.Remove(tempFile.Name())
		return "", err
	}
	if err := archive.Close(); err != nil {
		os.Remove(tempFile.Name())
		return "", err
	}
	return tempFile.Name(), nil
}

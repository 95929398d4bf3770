package network

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var errReceiverClosed = errors.New("receiver closed")

// fileReceiver holds an incoming file until the UI side has decided where
// it goes. Bytes are spooled to a temporary file only while no save path
// is bound; once bound before the first byte, they go straight to the
// destination. It satisfies events.FileHandle.
type fileReceiver struct {
	mu        sync.Mutex
	temp      *os.File
	out       *os.File
	dest      string
	written   int64
	complete  bool
	finalized bool
	cancelled bool
	released  bool
	cancel    func()
	// onDone runs once, outside mu, when the receiver is finalized or dropped.
	onDone func()
}

func newFileReceiver(name string, cancel func()) (*fileReceiver, error) {
	temp, err := os.CreateTemp("", "parley-recv-*-"+sanitizeTempName(name))
	if err != nil {
		return nil, err
	}
	return &fileReceiver{temp: temp, cancel: cancel}, nil
}

func (r *fileReceiver) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target := r.target()
	if r.cancelled || target == nil {
		return 0, errReceiverClosed
	}
	n, err := target.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *fileReceiver) target() *os.File {
	if r.out != nil {
		return r.out
	}
	return r.temp
}

// markComplete flushes the written bytes once every byte arrived.
func (r *fileReceiver) markComplete() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	target := r.target()
	if target == nil {
		return errReceiverClosed
	}
	r.complete = true
	return target.Sync()
}

// SetSavePath binds the destination. With nothing spooled yet the spool is
// dropped and later writes land in path directly.
func (r *fileReceiver) SetSavePath(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return errReceiverClosed
	}
	if r.dest != "" {
		return fmt.Errorf("save path already set to %s", r.dest)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	r.dest = path
	if r.written > 0 || r.temp == nil {
		return f.Close()
	}
	r.dropSpoolLocked()
	r.out = f
	return nil
}

// Finalize moves the received bytes into place. A direct write only needs
// closing; a spool is renamed, falling back to a copy across filesystems.
// Either way the receiver is released, and a failed move drops the spool.
func (r *fileReceiver) Finalize() error {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return nil
	}
	if r.dest == "" {
		r.mu.Unlock()
		return errors.New("no save path set")
	}
	if !r.complete || r.cancelled {
		r.mu.Unlock()
		return errors.New("transfer not complete")
	}
	err := r.finalizeLocked()
	if err != nil {
		r.discardLocked()
	}
	done := r.releaseLocked()
	r.mu.Unlock()
	done()
	return err
}

func (r *fileReceiver) finalizeLocked() error {
	if r.out != nil {
		out := r.out
		r.out = nil
		if err := out.Close(); err != nil {
			return fmt.Errorf("write %s: %w", r.dest, err)
		}
		r.finalized = true
		return nil
	}
	if r.temp == nil {
		return errReceiverClosed
	}
	spool := r.temp.Name()
	if err := r.temp.Close(); err != nil {
		return err
	}
	r.temp = nil
	if err := moveFile(spool, r.dest); err != nil {
		os.Remove(spool)
		return fmt.Errorf("write %s: %w", r.dest, err)
	}
	r.finalized = true
	return nil
}

// Cancel aborts the connection and drops whatever was written.
func (r *fileReceiver) Cancel() error {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return nil
	}
	r.cancelled = true
	if r.cancel != nil {
		r.cancel()
	}
	r.discardLocked()
	done := r.releaseLocked()
	r.mu.Unlock()
	done()
	return nil
}

// discard drops a receiver that will never be saved.
func (r *fileReceiver) discard() {
	r.mu.Lock()
	r.discardLocked()
	done := r.releaseLocked()
	r.mu.Unlock()
	done()
}

func (r *fileReceiver) discardLocked() {
	r.dropSpoolLocked()
	if r.out != nil {
		r.out.Close()
		r.out = nil
		if !r.finalized {
			os.Remove(r.dest)
		}
	}
}

func (r *fileReceiver) dropSpoolLocked() {
	if r.temp == nil {
		return
	}
	name := r.temp.Name()
	r.temp.Close()
	os.Remove(name)
	r.temp = nil
}

func (r *fileReceiver) releaseLocked() func() {
	if r.released || r.onDone == nil {
		r.released = true
		return func() {}
	}
	r.released = true
	return r.onDone
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func sanitizeTempName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '/' || r == '\\' || r == '*' || r == os.PathSeparator {
			r = '_'
		}
		out = append(out, r)
	}
	if len(out) > 64 {
		out = out[len(out)-64:]
	}
	return string(out)
}

package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrResolution marks a non-fatal auto-save failure; the session falls back to manual save.
	ErrResolution = errors.New("transfer: save path unavailable")
	// ErrTransfer marks a fatal transfer failure.
	ErrTransfer       = errors.New("transfer: failed")
	ErrNoSaveDir      = errors.New("transfer: no save directory configured")
	ErrUnknownSession = errors.New("transfer: unknown session")
	ErrNotReceiver    = errors.New("transfer: not a receive session")
	ErrAlreadyBound   = errors.New("transfer: save path already set")
	ErrPathExists     = errors.New("transfer: file already exists")
	ErrFinished       = errors.New("transfer: session already finished")
)

// ResolutionError reports why a save path could not be prepared.
type ResolutionError struct {
	Path string
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("resolve save path: %v", e.Err)
	}
	return fmt.Sprintf("resolve save path %s: %v", e.Path, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func (e *ResolutionError) Is(target error) bool { return target == ErrResolution }

// TransferError is a fatal failure of one session.
type TransferError struct {
	ID  string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s: %v", e.ID, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrTransfer }

//go:build windows

package ui

import (
	"os"
	"sync"

	"golang.org/x/sys/windows"
)

var ansiOnce sync.Once

// enableANSI switches the Windows console into virtual terminal mode so the
// colour, cursor and popup sequences render instead of printing raw.
func enableANSI() {
	ansiOnce.Do(func() {
		const (
			output = windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING | windows.ENABLE_PROCESSED_OUTPUT
			input  = windows.ENABLE_VIRTUAL_TERMINAL_INPUT | windows.ENABLE_PROCESSED_INPUT
		)
		for _, c := range []struct {
			file  *os.File
			flags uint32
		}{
			{os.Stdout, output},
			{os.Stderr, output},
			{os.Stdin, input},
		} {
			_ = addConsoleMode(c.file, c.flags)
		}
	})
}

func addConsoleMode(file *os.File, flags uint32) error {
	if file == nil {
		return nil
	}
	handle := windows.Handle(file.Fd())
	var mode uint32
	if err := windows.GetConsoleMode(handle, &mode); err != nil {
		return err
	}
	if mode&flags == flags {
		return nil
	}
	return windows.SetConsoleMode(handle, mode|flags)
}

//go:build windows

package network

import "golang.org/x/sys/windows"

func setBroadcastOption(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_BROADCAST, 1)
}

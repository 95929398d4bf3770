//go:build !windows

package network

import "golang.org/x/sys/unix"

func setBroadcastOption(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
}

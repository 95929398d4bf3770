//go:build !windows

package ui

// ANSI sequences work out of the box outside Windows.
func enableANSI() {}

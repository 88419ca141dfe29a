//go:build windows

package server

import (
	"syscall"
)

// setReuseAddr takes a socket handle rather than a file descriptor on Windows
func setReuseAddr(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}

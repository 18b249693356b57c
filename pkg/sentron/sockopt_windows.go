//go:build windows

package sentron

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

func controlSocket(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); err != nil {
			sockErr = errors.Wrap(err, "enabling SO_REUSEADDR")
			return
		}
		if err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_BROADCAST, 1); err != nil {
			sockErr = errors.Wrap(err, "enabling SO_BROADCAST")
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

//go:build unix

package sentron

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// controlSocket lets the receive socket and the per-source probe sockets share the master port,
// and allows probes to the broadcast address.
func controlSocket(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			sockErr = errors.Wrap(err, "enabling SO_REUSEADDR")
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			sockErr = errors.Wrap(err, "enabling SO_BROADCAST")
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

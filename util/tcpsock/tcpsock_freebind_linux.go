//go:build linux

package tcpsock

import (
	"syscall"
)

func freeBind(network, address string, c syscall.RawConn) error {
	var sockerr error
	err := c.Control(func(fd uintptr) {
		// SOL_IP works for both tcp4 and tcp6 sockets
		sockerr = syscall.SetsockoptInt(int(fd), syscall.SOL_IP, syscall.IP_FREEBIND, 1)
	})
	if err != nil {
		return err
	}
	return sockerr
}

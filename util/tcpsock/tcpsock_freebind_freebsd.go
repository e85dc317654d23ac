//go:build freebsd

package tcpsock

import (
	"fmt"
	"syscall"
)

func freeBind(network, address string, c syscall.RawConn) error {
	var sockerr error
	err := c.Control(func(fd uintptr) {
		switch network {
		case "tcp6":
			sockerr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IPV6, syscall.IPV6_BINDANY, 1)
		case "tcp4":
			sockerr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_BINDANY, 1)
		default:
			sockerr = fmt.Errorf("freebind: expecting 'tcp6' or 'tcp4', got %q", network)
		}
	})
	if err != nil {
		return err
	}
	return sockerr
}

// Package tcpsock creates TCP listeners, optionally with IP_FREEBIND
// so that a node can bind to its advertised address before the
// interface carrying it is up.
package tcpsock

import (
	"context"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

func Listen(ctx context.Context, address string, tryFreeBind bool) (*net.TCPListener, error) {
	listenConfig := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			if !tryFreeBind {
				return nil
			}
			return freeBind(network, address, c)
		},
	}
	l, err := listenConfig.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot listen on %q", address)
	}
	return l.(*net.TCPListener), nil
}

// Port returns the port l is bound to.
func Port(l net.Listener) int {
	return l.Addr().(*net.TCPAddr).Port
}

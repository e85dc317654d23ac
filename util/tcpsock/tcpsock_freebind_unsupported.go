//go:build !linux && !freebsd

package tcpsock

import (
	"fmt"
	"runtime"
	"syscall"
)

func freeBind(network, address string, c syscall.RawConn) error {
	return fmt.Errorf("freebind: not supported on %s", runtime.GOOS)
}

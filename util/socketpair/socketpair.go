// Package socketpair provides connected pairs of stream sockets for tests.
package socketpair

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

type fileConn struct {
	net.Conn // net.FileConn
	f        *os.File
}

func (c fileConn) Close() error {
	if err := c.Conn.Close(); err != nil {
		return err
	}
	return c.f.Close()
}

// SocketPair returns both ends of an AF_UNIX stream socket.
// Unlike net.Pipe, the ends support deadlines and buffered writes
// the way TCP connections do.
func SocketPair() (a, b net.Conn, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	toConn := func(fd int, name string) (net.Conn, error) {
		f := os.NewFile(uintptr(fd), name)
		if f == nil {
			panic(fd)
		}
		c, err := net.FileConn(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return fileConn{Conn: c, f: f}, nil
	}
	if a, err = toConn(fds[0], "socketpair-a"); err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	if b, err = toConn(fds[1], "socketpair-b"); err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

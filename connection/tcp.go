package connection

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DialTCP is the default Dialer.
func DialTCP(ctx context.Context, endpoint string) (net.Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}
	return conn, nil
}

// ParseRosRPCURI splits rosrpc://host:port into host:port.
func ParseRosRPCURI(uri string) (string, error) {
	const scheme = "rosrpc://"
	if !strings.HasPrefix(uri, scheme) {
		return "", errors.Errorf("not a rosrpc uri: %q", uri)
	}
	hostport := strings.TrimSuffix(strings.TrimPrefix(uri, scheme), "/")
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return "", errors.Wrapf(err, "invalid rosrpc uri %q", uri)
	}
	return hostport, nil
}

func RosRPCURI(host string, port int) string {
	return "rosrpc://" + net.JoinHostPort(host, strconv.Itoa(port))
}

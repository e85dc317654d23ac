package tcpsock

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenEphemeral(t *testing.T) {
	l, err := Listen(context.Background(), "127.0.0.1:0", false)
	require.NoError(t, err)
	defer l.Close()
	assert.NotZero(t, Port(l))

	c, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	c.Close()
}

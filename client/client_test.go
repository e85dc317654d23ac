package client

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roscomm/roscomm/logger"
	"github.com/roscomm/roscomm/master"
	"github.com/roscomm/roscomm/master/mastertest"
	"github.com/roscomm/roscomm/xmlrpc"
)

// fakeSlave serves shutdown and getBusInfo like a node does.
type fakeSlave struct {
	uri      string
	shutdown chan []interface{}
}

func newFakeSlave(t *testing.T) *fakeSlave {
	s := &fakeSlave{shutdown: make(chan []interface{}, 1)}
	srv := xmlrpc.NewServer(logger.NewTestLogger(t))
	m, err := srv.CreateMethod("shutdown")
	require.NoError(t, err)
	m.Bind(func(ctx context.Context, params []interface{}) (interface{}, error) {
		s.shutdown <- params
		return master.Response(master.StatusSuccess, "", 0), nil
	})
	m, err = srv.CreateMethod("getBusInfo")
	require.NoError(t, err)
	m.Bind(func(ctx context.Context, params []interface{}) (interface{}, error) {
		return master.Response(master.StatusSuccess, "", []interface{}{
			[]interface{}{7, "/listener", "o", "TCPROS", "/chatter", true},
		}), nil
	})
	h := httptest.NewServer(srv)
	t.Cleanup(h.Close)
	s.uri = h.URL + "/"
	return s
}

func dialFake(t *testing.T, fm *mastertest.Master, callerID string) *master.Client {
	mc := master.Dial(fm.URI(), time.Second, logger.NewTestLogger(t))
	mc.SetCallerID(callerID)
	return mc
}

func TestRunShutdown(t *testing.T) {
	s := newFakeSlave(t)
	ctx := context.Background()

	require.NoError(t, RunShutdown(ctx, s.uri, "maintenance"))
	assert.Equal(t, []interface{}{CallerID, "maintenance"}, <-s.shutdown)

	require.NoError(t, RunShutdown(ctx, s.uri, ""))
	assert.Equal(t, []interface{}{CallerID}, <-s.shutdown)
}

func TestRunShutdownUnreachable(t *testing.T) {
	h := httptest.NewServer(nil)
	uri := h.URL + "/"
	h.Close()
	err := RunShutdown(context.Background(), uri, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot reach node")
}

func TestRunLookup(t *testing.T) {
	fm := mastertest.New(t)
	s := newFakeSlave(t)
	ctx := context.Background()

	talker := dialFake(t, fm, "/talker")
	_, err := talker.RegisterPublisher(ctx, "/chatter", "std_msgs/String", s.uri)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, RunLookup(ctx, &out, dialFake(t, fm, CallerID), "/talker", false))
	assert.Equal(t, s.uri+"\n", out.String())

	out.Reset()
	require.NoError(t, RunLookup(ctx, &out, dialFake(t, fm, CallerID), "/talker", true))
	assert.Contains(t, out.String(), "/chatter")
	assert.Contains(t, out.String(), "TCPROS")

	err = RunLookup(ctx, &out, dialFake(t, fm, CallerID), "/nobody", false)
	var perr *master.ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestDecodeBusInfo(t *testing.T) {
	entries, err := decodeBusInfo([]interface{}{
		[]interface{}{3, "http://host:1234/", "i", "TCPROS", "/chatter", true},
	})
	require.NoError(t, err)
	assert.Equal(t, []BusInfoEntry{{
		ConnectionID: 3,
		Destination:  "http://host:1234/",
		Direction:    "i",
		Transport:    "TCPROS",
		Topic:        "/chatter",
		Connected:    true,
	}}, entries)

	_, err = decodeBusInfo([]interface{}{[]interface{}{3, "x"}})
	assert.Error(t, err)
	_, err = decodeBusInfo("nope")
	assert.Error(t, err)
}

func TestRunSystemState(t *testing.T) {
	fm := mastertest.New(t)
	ctx := context.Background()
	talker := dialFake(t, fm, "/talker")
	_, err := talker.RegisterPublisher(ctx, "/chatter", "std_msgs/String", "http://talker:1/")
	require.NoError(t, err)

	mc := dialFake(t, fm, CallerID)

	var out bytes.Buffer
	require.NoError(t, RunSystemState(ctx, &out, mc, "text"))
	assert.Equal(t, "Publishers:\n  /chatter\n    * /talker\nSubscribers:\nServices:\n", out.String())

	out.Reset()
	require.NoError(t, RunSystemState(ctx, &out, mc, "json"))
	assert.Contains(t, out.String(), `"/talker"`)

	assert.Error(t, RunSystemState(ctx, &out, mc, "xml"))
}

func TestIsURI(t *testing.T) {
	assert.True(t, isURI("http://host:1234/"))
	assert.False(t, isURI("/demo/talker"))
	assert.False(t, isURI("talker"))
}

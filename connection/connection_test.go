package connection

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roscomm/roscomm/logger"
	"github.com/roscomm/roscomm/util/bytecounter"
	"github.com/roscomm/roscomm/util/socketpair"
)

func TestHeader_EncodeDecode(t *testing.T) {
	in := Header{
		HeaderCallerID: "/talker",
		HeaderMD5Sum:   "992ce8a1687cec8c8bd883ec73ca41d1",
		HeaderLatching: "1",
		"empty":        "",
		"with=equals":  "",
	}
	_, err := in.Encode()
	require.Error(t, err, "keys must not contain '='")
	delete(in, "with=equals")

	enc, err := in.Encode()
	require.NoError(t, err)
	out, err := DecodeHeader(bytes.NewReader(enc), 1<<10)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.True(t, out.Latched())
}

func TestHeader_WireFormat(t *testing.T) {
	enc, err := Header{"a": "b"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 0, 0, 0, 3, 0, 0, 0, 'a', '=', 'b'}, enc)
}

func TestDecodeHeader_Errors(t *testing.T) {
	tcs := map[string][]byte{
		"truncated_total": {1, 0},
		"exceeds_max":     {0, 0, 1, 0},
		"truncated_field": {2, 0, 0, 0, 9, 0},
		"field_overflow":  {5, 0, 0, 0, 9, 0, 0, 0, 'a'},
		"no_equals":       {5, 0, 0, 0, 1, 0, 0, 0, 'a'},
		"empty_key":       {6, 0, 0, 0, 2, 0, 0, 0, '=', 'x'},
		"truncated_body":  {9, 0, 0, 0, 5, 0},
	}
	for name, in := range tcs {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeHeader(bytes.NewReader(in), 1<<10)
			var hsErr *HandshakeError
			assert.True(t, errors.As(err, &hsErr), "%v", err)
		})
	}
}

func TestValidateHeader(t *testing.T) {
	pub := Header{HeaderCallerID: "/talker", HeaderMD5Sum: "abc", HeaderLatching: "0"}
	require.NoError(t, ValidateHeader(PeerPublisher, pub, Header{HeaderMD5Sum: "abc"}))
	require.NoError(t, ValidateHeader(PeerPublisher, pub, Header{HeaderMD5Sum: MD5Any}))

	tcs := []struct {
		name  string
		role  PeerRole
		peer  Header
		local Header
	}{
		{"publisher_missing_md5", PeerPublisher, Header{HeaderCallerID: "/a", HeaderLatching: "1"}, nil},
		{"publisher_missing_latching", PeerPublisher, Header{HeaderCallerID: "/a", HeaderMD5Sum: "x"}, nil},
		{"publisher_md5_mismatch", PeerPublisher, pub, Header{HeaderMD5Sum: "def"}},
		{"subscriber_missing_topic", PeerSubscriber, Header{HeaderCallerID: "/a", HeaderMD5Sum: "x"}, nil},
		{"service_client_missing_service", PeerServiceClient, Header{HeaderCallerID: "/a", HeaderMD5Sum: "x"}, nil},
		{"error_field", PeerServiceServer, Header{HeaderCallerID: "/a", HeaderMD5Sum: "x", HeaderError: "boom"}, nil},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateHeader(tc.role, tc.peer, tc.local)
			var ve *HandshakeValidationError
			require.True(t, errors.As(err, &ve), "%v", err)
			assert.Equal(t, tc.role, ve.Role)
		})
	}
}

type recordingOwner struct {
	mtx      sync.Mutex
	received []*Link
	dropped  map[*Link]int
	reasons  []DropReason
	reject   error
}

func newRecordingOwner() *recordingOwner {
	return &recordingOwner{dropped: make(map[*Link]int)}
}

func (o *recordingOwner) HeaderReceived(l *Link, peer Header) error {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.received = append(o.received, l)
	return o.reject
}

func (o *recordingOwner) LinkDropped(l *Link, reason DropReason) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.dropped[l]++
	o.reasons = append(o.reasons, reason)
}

func (o *recordingOwner) totalDrops() int {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	n := 0
	for _, c := range o.dropped {
		n += c
	}
	return n
}

// fakePeer answers the first header it reads with resp.
func fakePeer(t *testing.T, conn net.Conn, resp Header) <-chan Header {
	got := make(chan Header, 1)
	go func() {
		defer close(got)
		h, err := DecodeHeader(conn, 1<<20)
		if err != nil {
			return
		}
		got <- h
		enc, err := resp.Encode()
		if err != nil {
			return
		}
		_, _ = conn.Write(enc)
	}()
	return got
}

func socketPairDialer(t *testing.T, peer func(conn net.Conn)) Dialer {
	return func(ctx context.Context, endpoint string) (net.Conn, error) {
		a, b, err := socketpair.SocketPair()
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		peer(b)
		return a, nil
	}
}

func TestConnect_MissingMD5NeverActive(t *testing.T) {
	m := NewManager(logger.NewTestLogger(t), 5*time.Second)
	m.SetDialer(socketPairDialer(t, func(conn net.Conn) {
		fakePeer(t, conn, Header{HeaderCallerID: "/talker", HeaderLatching: "0"})
	}))
	owner := newRecordingOwner()

	local := Header{HeaderCallerID: "/listener", HeaderTopic: "/chatter", HeaderMD5Sum: "abc"}
	l, err := m.Connect(context.Background(), "talker:1234", local, PeerPublisher, owner)
	var ve *HandshakeValidationError
	require.True(t, errors.As(err, &ve), "%v", err)
	assert.Nil(t, l)

	assert.Empty(t, owner.received, "link must never become active")
	assert.Equal(t, 1, owner.totalDrops(), "drop runs exactly once")
	for dl := range owner.dropped {
		assert.Equal(t, LinkDropped, dl.State())
		assert.Zero(t, dl.ID(), "no id is assigned to failed handshakes")
		dl.Drop(DropShutdown)
	}
	assert.Equal(t, 1, owner.totalDrops(), "drop is idempotent")
	assert.Equal(t, []DropReason{DropHandshakeFailed}, owner.reasons)
	assert.Empty(t, m.Links())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.handshakeFailures.WithLabelValues("publisher")))
}

func TestConnect_ActiveThenDrop(t *testing.T) {
	m := NewManager(logger.NewTestLogger(t), 5*time.Second)
	var peerSide net.Conn
	m.SetDialer(socketPairDialer(t, func(conn net.Conn) {
		peerSide = conn
		fakePeer(t, conn, Header{HeaderCallerID: "/talker", HeaderMD5Sum: "abc", HeaderLatching: "1"})
	}))
	owner := newRecordingOwner()
	local := Header{HeaderCallerID: "/listener", HeaderTopic: "/chatter", HeaderMD5Sum: "abc"}
	l, err := m.Connect(context.Background(), "talker:1234", local, PeerPublisher, owner)
	require.NoError(t, err)

	assert.Equal(t, LinkActive, l.State())
	assert.NotZero(t, l.ID())
	assert.True(t, l.Header().Latched())
	assert.Equal(t, "/talker", l.CallerID())
	assert.Equal(t, TransportTCPROS, l.TransportType())
	assert.Equal(t, []*Link{l}, owner.received)
	assert.Equal(t, []*Link{l}, m.Links())

	frames := make(chan []byte, 1)
	go l.ReadLoop(func(f []byte) { frames <- f })
	_, err = peerSide.Write([]byte{3, 0, 0, 0, 'h', 'e', 'y'})
	require.NoError(t, err)
	select {
	case f := <-frames:
		assert.Equal(t, []byte("hey"), f)
	case <-time.After(5 * time.Second):
		t.Fatal("frame not delivered")
	}
	assert.Equal(t, int64(1), l.Stats().MessagesReceived)

	peerSide.Close()
	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("link not dropped after peer closed")
	}
	assert.Equal(t, 1, owner.totalDrops())
	assert.Equal(t, []DropReason{DropPeerClosed}, owner.reasons)
	assert.Empty(t, m.Links())
}

func TestActivate_DroppedLinkStaysDropped(t *testing.T) {
	m := NewManager(logger.NewTestLogger(t), 5*time.Second)
	a, b, err := socketpair.SocketPair()
	require.NoError(t, err)
	defer b.Close()
	l := newLink(m, bytecounter.NewConn(a), "peer:1234", false)
	require.NoError(t, m.register(l))

	// e.g. reaped while the handshake goroutine was still running
	l.Drop(DropHandshakeTimeout)

	owner := newRecordingOwner()
	require.Error(t, m.activate(l, owner))
	assert.Equal(t, LinkDropped, l.State())
	assert.Zero(t, l.ID())
	assert.Empty(t, owner.received)
	assert.Zero(t, owner.totalDrops())
	assert.Empty(t, m.Links())
}

func TestAccept_RoutesByHeaderKey(t *testing.T) {
	m := NewManager(logger.NewTestLogger(t), 5*time.Second)
	topicOwner, serviceOwner := newRecordingOwner(), newRecordingOwner()
	m.HandleAccept(HeaderTopic, func(ctx context.Context, l *Link, peer Header) (Owner, Header, error) {
		return topicOwner, Header{HeaderCallerID: "/talker", HeaderMD5Sum: "abc", HeaderLatching: "0"}, nil
	})
	m.HandleAccept(HeaderService, func(ctx context.Context, l *Link, peer Header) (Owner, Header, error) {
		return serviceOwner, Header{HeaderCallerID: "/server", HeaderMD5Sum: "srv"}, nil
	})

	accept := func(peer Header) (*Link, Header, error) {
		a, b, err := socketpair.SocketPair()
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		respCh := make(chan Header, 1)
		go func() {
			enc, _ := peer.Encode()
			_, _ = b.Write(enc)
			h, _ := DecodeHeader(b, 1<<20)
			respCh <- h
		}()
		l, err := m.Accept(a)
		return l, <-respCh, err
	}

	l, resp, err := accept(Header{HeaderCallerID: "/listener", HeaderTopic: "/chatter", HeaderMD5Sum: "abc"})
	require.NoError(t, err)
	assert.Equal(t, PeerSubscriber, l.Role())
	assert.Equal(t, "/talker", resp[HeaderCallerID])
	assert.Len(t, topicOwner.received, 1)

	l, resp, err = accept(Header{HeaderCallerID: "/client", HeaderService: "/add", HeaderMD5Sum: "*"})
	require.NoError(t, err)
	assert.Equal(t, PeerServiceClient, l.Role())
	assert.Equal(t, "srv", resp[HeaderMD5Sum])
	assert.Len(t, serviceOwner.received, 1)

	_, resp, err = accept(Header{HeaderCallerID: "/listener", HeaderTopic: "/chatter", HeaderMD5Sum: "wrong"})
	require.Error(t, err)
	assert.Contains(t, resp[HeaderError], "md5sum mismatch")
	assert.Len(t, topicOwner.received, 1)
	assert.Equal(t, 1, topicOwner.totalDrops())
}

func TestGetNewConnectionID_StrictlyIncreasingConcurrent(t *testing.T) {
	m := NewManager(logger.NewNullLogger(), time.Second)
	const goroutines, perGoroutine = 16, 500
	ids := make([][]uint32, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				ids[g] = append(ids[g], m.GetNewConnectionID())
			}
		}(g)
	}
	wg.Wait()

	var all []uint32
	for _, s := range ids {
		for i := 1; i < len(s); i++ {
			require.Greater(t, s[i], s[i-1], "ids observed by one caller must increase")
		}
		all = append(all, s...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := 1; i < len(all); i++ {
		require.NotEqual(t, all[i], all[i-1], "ids must never be reused")
	}
	assert.Equal(t, uint32(goroutines*perGoroutine), m.GetNewConnectionID()-1)
}

func TestShutdownDropsAllLinks(t *testing.T) {
	m := NewManager(logger.NewTestLogger(t), 5*time.Second)
	require.NoError(t, m.Listen(context.Background(), "127.0.0.1:0", false))
	owner := newRecordingOwner()
	m.HandleAccept(HeaderTopic, func(ctx context.Context, l *Link, peer Header) (Owner, Header, error) {
		return owner, Header{HeaderCallerID: "/talker", HeaderMD5Sum: "abc", HeaderLatching: "0"}, nil
	})
	require.NoError(t, m.Start())

	client := NewManager(logger.NewTestLogger(t), 5*time.Second)
	clientOwner := newRecordingOwner()
	for i := 0; i < 3; i++ {
		_, err := client.Connect(context.Background(), "127.0.0.1:"+strconv.Itoa(m.Port()),
			Header{HeaderCallerID: "/listener", HeaderTopic: "/chatter", HeaderMD5Sum: "abc"},
			PeerPublisher, clientOwner)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		owner.mtx.Lock()
		defer owner.mtx.Unlock()
		return len(owner.received) == 3
	}, 5*time.Second, 10*time.Millisecond)

	m.Shutdown()
	m.Shutdown()
	assert.Empty(t, m.Links())
	assert.Equal(t, 3, owner.totalDrops())

	a, b, err := socketpair.SocketPair()
	require.NoError(t, err)
	defer b.Close()
	_, err = m.Accept(a)
	assert.True(t, errors.Is(err, ErrShutdown))
	client.Shutdown()
	assert.Equal(t, 3, clientOwner.totalDrops())
}

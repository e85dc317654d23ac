package topic

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roscomm/roscomm/callbackqueue"
	"github.com/roscomm/roscomm/connection"
	"github.com/roscomm/roscomm/logger"
	"github.com/roscomm/roscomm/master"
	"github.com/roscomm/roscomm/master/mastertest"
	"github.com/roscomm/roscomm/xmlrpc"
)

const (
	chatter    = "/chatter"
	stringType = "std_msgs/String"
	stringMD5  = "992ce8a1687cec8c8bd883ec73ca41d1"
)

type testNode struct {
	name     string
	uri      string
	topics   *Manager
	connects int64
}

func newTestNode(t *testing.T, fm *mastertest.Master, name string) *testNode {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	log := logger.NewTestLogger(t).WithField("node", name)

	mc := master.Dial(fm.URI(), 2*time.Second, log)
	mc.SetCallerID(name)

	n := &testNode{name: name}
	conns := connection.NewManager(log, 5*time.Second)
	conns.SetDialer(func(ctx context.Context, endpoint string) (net.Conn, error) {
		atomic.AddInt64(&n.connects, 1)
		return connection.DialTCP(ctx, endpoint)
	})
	require.NoError(t, conns.Listen(ctx, "127.0.0.1:0", false))
	require.NoError(t, conns.Start())

	queue := callbackqueue.New(log)
	queue.Enable()
	spinDone := make(chan struct{})
	go func() {
		defer close(spinDone)
		queue.Spin(ctx, 1)
	}()

	srv := xmlrpc.NewServer(log)
	require.NoError(t, srv.Listen(ctx, "127.0.0.1:0", false))
	require.NoError(t, srv.Start())
	n.uri = "http://127.0.0.1:" + strconv.Itoa(srv.Port()) + "/"

	n.topics = NewManager(log, mc, conns, queue)
	require.NoError(t, n.topics.BindSlaveMethods(srv))
	require.NoError(t, n.topics.Start(n.uri, "127.0.0.1"))

	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		assert.NoError(t, n.topics.Shutdown(shutdownCtx))
		conns.Shutdown()
		assert.NoError(t, srv.Shutdown(shutdownCtx))
		cancel()
		<-spinDone
	})
	return n
}

func (n *testNode) connectAttempts() int64 { return atomic.LoadInt64(&n.connects) }

func advertise(t *testing.T, n *testNode, latch bool) *Publisher {
	t.Helper()
	pub, err := n.topics.Advertise(context.Background(), AdvertiseOptions{
		Topic:    chatter,
		DataType: stringType,
		MD5Sum:   stringMD5,
		Latch:    latch,
	})
	require.NoError(t, err)
	return pub
}

func subscribe(t *testing.T, n *testNode, received chan<- string) *Subscriber {
	t.Helper()
	sub, err := n.topics.Subscribe(context.Background(), SubscribeOptions{
		Topic:    chatter,
		DataType: stringType,
		MD5Sum:   stringMD5,
		Callback: func(ctx context.Context, msg *Message) error {
			received <- string(msg.Data)
			return nil
		},
	})
	require.NoError(t, err)
	return sub
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(10 * time.Second):
		t.Fatal("no message received")
		return ""
	}
}

func TestPublishSubscribe(t *testing.T) {
	fm := mastertest.New(t)
	talker := newTestNode(t, fm, "/talker")
	listener := newTestNode(t, fm, "/listener")

	pub := advertise(t, talker, false)
	received := make(chan string, 10)
	sub := subscribe(t, listener, received)

	require.Eventually(t, func() bool { return pub.NumSubscribers() == 1 }, 10*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return sub.NumPublishers() == 1 }, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, pub.Publish([]byte("hello world")))
	assert.Equal(t, "hello world", receive(t, received))

	assert.Equal(t, [][]string{{chatter, stringType}}, talker.topics.Publications())
	assert.Equal(t, [][]string{{chatter, stringType}}, listener.topics.Subscriptions())

	publish, _ := talker.topics.BusStats()
	require.Len(t, publish, 1)
	info := listener.topics.BusInfo()
	require.Len(t, info, 1)
	entry := info[0].([]interface{})
	assert.Equal(t, "i", entry[2])
	assert.Equal(t, connection.TransportTCPROS, entry[3])
	assert.Equal(t, chatter, entry[4])
}

func TestLatchedMessageReplayedToNewSubscriber(t *testing.T) {
	fm := mastertest.New(t)
	talker := newTestNode(t, fm, "/talker")
	listener := newTestNode(t, fm, "/listener")

	pub := advertise(t, talker, true)
	require.NoError(t, pub.Publish([]byte("first")))
	require.NoError(t, pub.Publish([]byte("latest")))

	received := make(chan string, 10)
	subscribe(t, listener, received)
	assert.Equal(t, "latest", receive(t, received))
}

func TestAdvertise_EachListedSubscriberConnectsOnce(t *testing.T) {
	fm := mastertest.New(t)
	fm.SetNotify(false)
	talker := newTestNode(t, fm, "/talker")
	listenerA := newTestNode(t, fm, "/listener_a")
	listenerB := newTestNode(t, fm, "/listener_b")

	receivedA, receivedB := make(chan string, 10), make(chan string, 10)
	subscribe(t, listenerA, receivedA)
	subscribe(t, listenerB, receivedB)
	assert.Zero(t, listenerA.connectAttempts())
	assert.Zero(t, listenerB.connectAttempts())

	pub := advertise(t, talker, false)
	require.Eventually(t, func() bool { return pub.NumSubscribers() == 2 }, 10*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), listenerA.connectAttempts())
	assert.Equal(t, int64(1), listenerB.connectAttempts())
	assert.Zero(t, talker.connectAttempts())

	require.NoError(t, pub.Publish([]byte("to both")))
	assert.Equal(t, "to both", receive(t, receivedA))
	assert.Equal(t, "to both", receive(t, receivedB))
}

func TestAdvertiseRefcountAndTypeCheck(t *testing.T) {
	fm := mastertest.New(t)
	talker := newTestNode(t, fm, "/talker")
	ctx := context.Background()

	first := advertise(t, talker, false)
	second := advertise(t, talker, false)
	assert.Equal(t, 1, fm.Calls("registerPublisher"))

	_, err := talker.topics.Advertise(ctx, AdvertiseOptions{Topic: chatter, DataType: "std_msgs/Int32", MD5Sum: "abc"})
	var mismatch *TypeMismatchError
	require.True(t, errors.As(err, &mismatch), "%v", err)
	assert.Equal(t, stringType, mismatch.Registered)

	require.NoError(t, first.Shutdown(ctx))
	assert.Equal(t, []string{talker.uri}, fm.Publishers(chatter))
	assert.Equal(t, ErrInvalidHandle, first.Shutdown(ctx))
	assert.Equal(t, ErrInvalidHandle, first.Publish([]byte("x")))
	require.NoError(t, second.Publish([]byte("still advertised")))

	require.NoError(t, second.Shutdown(ctx))
	assert.Empty(t, fm.Publishers(chatter))
	assert.Equal(t, 1, fm.Calls("unregisterPublisher"))
	assert.Empty(t, talker.topics.Publications())
}

type gatedSlave struct {
	gate  <-chan struct{}
	inner Slave
}

func (s gatedSlave) Invoke(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	<-s.gate
	return s.inner.Invoke(ctx, method, args...)
}

func TestUnsubscribeBeforeHandshake_NoCallback(t *testing.T) {
	fm := mastertest.New(t)
	talker := newTestNode(t, fm, "/talker")
	listener := newTestNode(t, fm, "/listener")
	gate := make(chan struct{})
	listener.topics.SetSlaveDialer(func(uri string) Slave {
		return gatedSlave{gate: gate, inner: DialSlave(uri)}
	})

	pub := advertise(t, talker, true)
	require.NoError(t, pub.Publish([]byte("latched")))

	var calls int64
	sub, err := listener.topics.Subscribe(context.Background(), SubscribeOptions{
		Topic:    chatter,
		DataType: stringType,
		MD5Sum:   stringMD5,
		Callback: func(ctx context.Context, msg *Message) error {
			atomic.AddInt64(&calls, 1)
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, sub.Shutdown(context.Background()))
	close(gate)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, pub.Publish([]byte("after unsubscribe")))
		time.Sleep(10 * time.Millisecond)
	}
	assert.Zero(t, atomic.LoadInt64(&calls))
	assert.Zero(t, sub.NumPublishers())
	assert.Empty(t, fm.Subscribers(chatter))
	assert.Equal(t, ErrInvalidHandle, sub.Shutdown(context.Background()))
}

func TestPublisherUpdate_DropsUnlistedPublishers(t *testing.T) {
	fm := mastertest.New(t)
	talker := newTestNode(t, fm, "/talker")
	listener := newTestNode(t, fm, "/listener")

	pub := advertise(t, talker, false)
	received := make(chan string, 10)
	sub := subscribe(t, listener, received)
	require.Eventually(t, func() bool { return sub.NumPublishers() == 1 }, 10*time.Second, 10*time.Millisecond)

	// additive updates never drop
	listener.topics.PublisherUpdate(chatter, nil, true)
	assert.Equal(t, 1, sub.NumPublishers())

	listener.topics.PublisherUpdate(chatter, nil, false)
	assert.Zero(t, sub.NumPublishers())
	require.Eventually(t, func() bool { return pub.NumSubscribers() == 0 }, 10*time.Second, 10*time.Millisecond)

	// publishers given by node name are resolved with lookupNode
	listener.topics.PublisherUpdate(chatter, []string{"/talker"}, false)
	require.Eventually(t, func() bool { return sub.NumPublishers() == 1 }, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, fm.Calls("lookupNode"))
}

func TestSubscribe_TwoHandlesShareOneRegistration(t *testing.T) {
	fm := mastertest.New(t)
	talker := newTestNode(t, fm, "/talker")
	listener := newTestNode(t, fm, "/listener")
	pub := advertise(t, talker, false)

	receivedA, receivedB := make(chan string, 10), make(chan string, 10)
	subA := subscribe(t, listener, receivedA)
	subB := subscribe(t, listener, receivedB)
	assert.Equal(t, 1, fm.Calls("registerSubscriber"))
	require.Eventually(t, func() bool { return pub.NumSubscribers() == 1 }, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, pub.Publish([]byte("one")))
	assert.Equal(t, "one", receive(t, receivedA))
	assert.Equal(t, "one", receive(t, receivedB))

	require.NoError(t, subA.Shutdown(context.Background()))
	assert.Equal(t, 0, fm.Calls("unregisterSubscriber"))
	require.NoError(t, pub.Publish([]byte("two")))
	assert.Equal(t, "two", receive(t, receivedB))
	select {
	case msg := <-receivedA:
		t.Fatalf("released handle received %q", msg)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, subB.Shutdown(context.Background()))
	assert.Equal(t, 1, fm.Calls("unregisterSubscriber"))
}

func TestRequestTopic_UnknownTopic(t *testing.T) {
	fm := mastertest.New(t)
	talker := newTestNode(t, fm, "/talker")

	res, err := DialSlave(talker.uri).Invoke(context.Background(), "requestTopic", "/x", "/nope", []interface{}{[]interface{}{"TCPROS"}})
	require.NoError(t, err)
	code, _, _, err := master.ParseResponse("requestTopic", res)
	require.NoError(t, err)
	assert.Equal(t, master.StatusFailure, code)
}

func TestStartRequired(t *testing.T) {
	log := logger.NewTestLogger(t)
	m := NewManager(log, master.Dial("http://127.0.0.1:1/", time.Millisecond, log), connection.NewManager(log, time.Second), callbackqueue.New(log))
	_, err := m.Advertise(context.Background(), AdvertiseOptions{Topic: chatter, DataType: stringType, MD5Sum: stringMD5})
	assert.Error(t, err)
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Error(t, m.Start("http://127.0.0.1:1/", "127.0.0.1"))
}

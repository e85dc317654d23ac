package topic

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/roscomm/roscomm/callbackqueue"
	"github.com/roscomm/roscomm/connection"
)

// Message is an inbound message as handed to a MessageCallback.
type Message struct {
	Topic string
	Data  []byte
	// Header is the header the publisher sent on connect.
	Header     connection.Header
	ConnID     uint32
	ReceivedAt time.Time
}

type MessageCallback func(ctx context.Context, msg *Message) error

type SubscribeOptions struct {
	Topic    string
	DataType string
	// MD5Sum may be connection.MD5Any to accept any publisher.
	MD5Sum   string
	Callback MessageCallback
	// QueueSize bounds the callbacks pending for this subscriber.
	// Newer messages are dropped on overflow. 0 means unbounded.
	QueueSize  int
	TCPNoDelay bool
	// Queue overrides the manager's callback queue.
	Queue *callbackqueue.Queue
}

type subscription struct {
	m          *Manager
	name       string
	datatype   string
	md5sum     string
	tcpNoDelay bool

	ready  chan struct{}
	regErr error

	mtx        sync.Mutex
	closed     bool
	handles    map[*Subscriber]struct{}
	publishers map[string]*publisherLink
}

func newSubscription(m *Manager, opts SubscribeOptions) *subscription {
	return &subscription{
		m:          m,
		name:       opts.Topic,
		datatype:   opts.DataType,
		md5sum:     opts.MD5Sum,
		tcpNoDelay: opts.TCPNoDelay,
		ready:      make(chan struct{}),
		handles:    make(map[*Subscriber]struct{}),
		publishers: make(map[string]*publisherLink),
	}
}

func (s *subscription) registered(err error) {
	s.regErr = err
	close(s.ready)
}

func (s *subscription) waitRegistered(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.regErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription) localHeader(callerID string) connection.Header {
	h := connection.Header{
		connection.HeaderCallerID: callerID,
		connection.HeaderTopic:    s.name,
		connection.HeaderMD5Sum:   s.md5sum,
		connection.HeaderType:     s.datatype,
	}
	if s.tcpNoDelay {
		h[connection.HeaderTCPNoDelay] = "1"
	}
	return h
}

// close marks s closed, evicts pending callbacks of every handle and
// returns the links for the caller to drop.
func (s *subscription) close() []*connection.Link {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.closed = true
	for h := range s.handles {
		h.queue.RemoveByOwner(h.owner)
	}
	var links []*connection.Link
	for _, pl := range s.publishers {
		if pl.link != nil {
			links = append(links, pl.link)
		}
	}
	s.publishers = make(map[string]*publisherLink)
	return links
}

func (s *subscription) activeLinks() []*connection.Link {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var out []*connection.Link
	for _, pl := range s.publishers {
		if pl.link != nil {
			out = append(out, pl.link)
		}
	}
	return out
}

type publisherLinkInfo struct {
	uri  string
	link *connection.Link
}

func (s *subscription) publisherLinks() []publisherLinkInfo {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var out []publisherLinkInfo
	for uri, pl := range s.publishers {
		if pl.link != nil {
			out = append(out, publisherLinkInfo{uri, pl.link})
		}
	}
	return out
}

// forget removes pl if it never got a link.
func (s *subscription) forget(pl *publisherLink) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.publishers[pl.uri] == pl && pl.link == nil {
		delete(s.publishers, pl.uri)
	}
}

// deliver enqueues frame for every handle. It holds s.mtx while enqueueing
// so that a handle removed by Unsubscribe never gets another entry.
func (s *subscription) deliver(l *connection.Link, frame []byte) {
	s.m.metrics.delivered.Inc()
	msg := &Message{
		Topic:      s.name,
		Data:       frame,
		Header:     l.Header(),
		ConnID:     l.ID(),
		ReceivedAt: time.Now(),
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return
	}
	for h := range s.handles {
		if h.queueSize > 0 && atomic.LoadInt64(&h.pending) >= int64(h.queueSize) {
			l.CountDrop()
			s.m.metrics.dropped.WithLabelValues("in").Inc()
			continue
		}
		atomic.AddInt64(&h.pending, 1)
		h := h
		h.queue.Enqueue(func(ctx context.Context) error {
			atomic.AddInt64(&h.pending, -1)
			if atomic.LoadInt32(&h.released) != 0 {
				return nil
			}
			return h.cb(ctx, msg)
		}, h.owner)
	}
}

// publisherLink is the owner of the link to one publisher of a subscription.
type publisherLink struct {
	s   *subscription
	uri string
	// set once the header exchange completes
	link *connection.Link
}

var _ connection.Owner = (*publisherLink)(nil)

func (pl *publisherLink) HeaderReceived(l *connection.Link, peer connection.Header) error {
	s := pl.s
	s.mtx.Lock()
	if s.closed || s.publishers[pl.uri] != pl {
		s.mtx.Unlock()
		return errors.Errorf("publisher %s no longer wanted for %s", pl.uri, s.name)
	}
	pl.link = l
	s.mtx.Unlock()

	if !s.m.goAsync(func() { l.ReadLoop(func(frame []byte) { s.deliver(l, frame) }) }) {
		return errNotRunning
	}
	s.m.log.WithField("topic", s.name).WithField("publisher", pl.uri).WithField("conn_id", l.ID()).
		WithField("latched", l.Header().Latched()).Info("connected to publisher")
	return nil
}

func (pl *publisherLink) LinkDropped(l *connection.Link, reason connection.DropReason) {
	s := pl.s
	s.mtx.Lock()
	if pl.link == l {
		pl.link = nil
	}
	if s.publishers[pl.uri] == pl {
		delete(s.publishers, pl.uri)
	}
	s.mtx.Unlock()
	s.m.log.WithField("topic", s.name).WithField("publisher", pl.uri).
		WithField("reason", reason.String()).Debug("publisher link dropped")
}

// Subscriber is a handle on a subscription. Each handle has its own
// callback and holds one reference.
type Subscriber struct {
	m         *Manager
	s         *subscription
	cb        MessageCallback
	queue     *callbackqueue.Queue
	owner     callbackqueue.OwnerID
	queueSize int
	pending   int64
	released  int32
}

func (h *Subscriber) Topic() string { return h.s.name }

func (h *Subscriber) NumPublishers() int { return len(h.s.activeLinks()) }

func (h *Subscriber) Shutdown(ctx context.Context) error {
	return h.m.Unsubscribe(ctx, h)
}

// Subscribe registers the node as subscriber of opts.Topic and connects to
// the publishers the master returns. Subscribing to an already subscribed
// topic adds a handle to the existing subscription.
func (m *Manager) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscriber, error) {
	if opts.Topic == "" || opts.DataType == "" || opts.MD5Sum == "" {
		return nil, errors.New("subscribe: topic, data type and md5sum are required")
	}
	if opts.Callback == nil {
		return nil, errors.New("subscribe: callback is required")
	}
	h := &Subscriber{
		m:         m,
		cb:        opts.Callback,
		queue:     opts.Queue,
		owner:     callbackqueue.NewOwnerID(),
		queueSize: opts.QueueSize,
	}
	if h.queue == nil {
		h.queue = m.queue
	}

	m.mtx.Lock()
	if !m.started || m.shutdown {
		m.mtx.Unlock()
		return nil, errNotRunning
	}
	if s, ok := m.subscriptions[opts.Topic]; ok {
		s.mtx.Lock()
		if s.datatype != opts.DataType || (s.md5sum != opts.MD5Sum && opts.MD5Sum != connection.MD5Any) {
			s.mtx.Unlock()
			m.mtx.Unlock()
			return nil, &TypeMismatchError{Topic: opts.Topic, Registered: s.datatype, Requested: opts.DataType}
		}
		h.s = s
		s.handles[h] = struct{}{}
		s.mtx.Unlock()
		m.mtx.Unlock()
		if err := s.waitRegistered(ctx); err != nil {
			return nil, err
		}
		return h, nil
	}
	s := newSubscription(m, opts)
	h.s = s
	s.handles[h] = struct{}{}
	m.subscriptions[opts.Topic] = s
	callerURI := m.callerURI
	m.mtx.Unlock()

	publishers, err := m.master.RegisterSubscriber(ctx, opts.Topic, opts.DataType, callerURI)
	if err != nil {
		m.mtx.Lock()
		if m.subscriptions[opts.Topic] == s {
			delete(m.subscriptions, opts.Topic)
		}
		m.mtx.Unlock()
		s.close()
		s.registered(err)
		return nil, errors.Wrapf(err, "subscribe %s", opts.Topic)
	}
	s.registered(nil)
	m.log.WithField("topic", opts.Topic).WithField("type", opts.DataType).
		WithField("publishers", len(publishers)).Info("subscribed to topic")
	m.PublisherUpdate(opts.Topic, publishers, false)
	return h, nil
}

// Unsubscribe releases h. No callback of h starts after Unsubscribe
// returns. When the last handle is released, the subscription is
// unregistered from the master and its links are dropped.
func (m *Manager) Unsubscribe(ctx context.Context, h *Subscriber) error {
	if !atomic.CompareAndSwapInt32(&h.released, 0, 1) {
		return ErrInvalidHandle
	}
	s := h.s
	m.mtx.Lock()
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		m.mtx.Unlock()
		return nil
	}
	delete(s.handles, h)
	h.queue.RemoveByOwner(h.owner)
	last := len(s.handles) == 0
	if last && m.subscriptions[s.name] == s {
		delete(m.subscriptions, s.name)
	}
	callerURI := m.callerURI
	s.mtx.Unlock()
	m.mtx.Unlock()
	if !last {
		return nil
	}

	for _, l := range s.close() {
		l.Drop(connection.DropOwnerClosed)
	}
	if err := m.master.UnregisterSubscriber(ctx, s.name, callerURI); err != nil {
		return errors.Wrapf(err, "unsubscribe %s", s.name)
	}
	m.log.WithField("topic", s.name).Info("unsubscribed from topic")
	return nil
}

// PublisherUpdate applies the publisher list of topic. Publishers not yet
// connected are connected to. Unless additive is set, links to publishers
// missing from the list are dropped. Entries are XML-RPC URIs or node
// names, the latter are resolved with lookupNode.
func (m *Manager) PublisherUpdate(topic string, publishers []string, additive bool) {
	m.mtx.Lock()
	s := m.subscriptions[topic]
	m.mtx.Unlock()
	if s == nil {
		m.log.WithField("topic", topic).Debug("publisher update for unknown topic")
		return
	}

	want := make(map[string]bool, len(publishers))
	var connect []*publisherLink
	var drop []*connection.Link
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return
	}
	for _, uri := range publishers {
		if want[uri] {
			continue
		}
		want[uri] = true
		if _, ok := s.publishers[uri]; ok {
			continue
		}
		pl := &publisherLink{s: s, uri: uri}
		s.publishers[uri] = pl
		connect = append(connect, pl)
	}
	if !additive {
		for uri, pl := range s.publishers {
			if want[uri] {
				continue
			}
			delete(s.publishers, uri)
			if pl.link != nil {
				drop = append(drop, pl.link)
			}
		}
	}
	s.mtx.Unlock()

	for _, l := range drop {
		l.Drop(connection.DropOwnerClosed)
	}
	for _, pl := range connect {
		pl := pl
		if !m.goAsync(func() { m.connectPublisher(pl) }) {
			s.forget(pl)
		}
	}
}

func (m *Manager) connectPublisher(pl *publisherLink) {
	s := pl.s
	log := m.log.WithField("topic", s.name).WithField("publisher", pl.uri)
	ctx := m.ctx
	guard, err := m.connectSem.Acquire(ctx)
	if err != nil {
		s.forget(pl)
		return
	}
	defer guard.Release()

	slaveURI := pl.uri
	if isNodeName(slaveURI) {
		if slaveURI, err = m.master.LookupNode(ctx, pl.uri); err != nil {
			log.WithError(err).Warn("cannot look up publisher node")
			s.forget(pl)
			return
		}
	}
	endpoint, err := m.requestTopic(ctx, slaveURI, s.name)
	if err != nil {
		if isNodeName(pl.uri) {
			m.master.InvalidateNode(pl.uri)
		}
		log.WithError(err).Warn("requestTopic failed")
		s.forget(pl)
		return
	}
	if _, err := m.conns.Connect(ctx, endpoint, s.localHeader(m.master.CallerID()), connection.PeerPublisher, pl); err != nil {
		log.WithError(err).WithField("endpoint", endpoint).Warn("cannot connect to publisher")
		s.forget(pl)
	}
}

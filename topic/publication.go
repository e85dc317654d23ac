package topic

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/roscomm/roscomm/connection"
)

type AdvertiseOptions struct {
	Topic             string
	DataType          string
	MD5Sum            string
	MessageDefinition string
	// Latch replays the last published message to every new subscriber.
	Latch bool
	// QueueSize bounds the outgoing messages per subscriber link.
	// The oldest message is dropped on overflow. Defaults to 100.
	QueueSize int
}

const defaultQueueSize = 100

type publication struct {
	m         *Manager
	name      string
	datatype  string
	md5sum    string
	msgDef    string
	latch     bool
	queueSize int

	ready  chan struct{}
	regErr error

	mtx     sync.Mutex
	refs    int
	closed  bool
	links   map[*connection.Link]*subscriberLink
	latched []byte
}

var _ connection.Owner = (*publication)(nil)

func newPublication(m *Manager, opts AdvertiseOptions) *publication {
	qs := opts.QueueSize
	if qs <= 0 {
		qs = defaultQueueSize
	}
	return &publication{
		m:         m,
		name:      opts.Topic,
		datatype:  opts.DataType,
		md5sum:    opts.MD5Sum,
		msgDef:    opts.MessageDefinition,
		latch:     opts.Latch,
		queueSize: qs,
		ready:     make(chan struct{}),
		links:     make(map[*connection.Link]*subscriberLink),
	}
}

func (p *publication) registered(err error) {
	p.regErr = err
	close(p.ready)
}

func (p *publication) waitRegistered(ctx context.Context) error {
	select {
	case <-p.ready:
		return p.regErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *publication) header(callerID string) connection.Header {
	latching := "0"
	if p.latch {
		latching = "1"
	}
	return connection.Header{
		connection.HeaderCallerID:          callerID,
		connection.HeaderTopic:             p.name,
		connection.HeaderType:              p.datatype,
		connection.HeaderMD5Sum:            p.md5sum,
		connection.HeaderMessageDefinition: p.msgDef,
		connection.HeaderLatching:          latching,
	}
}

// close marks p closed and returns its links for the caller to drop.
func (p *publication) close() []*connection.Link {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.closed = true
	p.refs = 0
	links := make([]*connection.Link, 0, len(p.links))
	for l := range p.links {
		links = append(links, l)
	}
	return links
}

func (p *publication) isClosed() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.closed
}

func (p *publication) activeLinks() []*connection.Link {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	out := make([]*connection.Link, 0, len(p.links))
	for l := range p.links {
		out = append(out, l)
	}
	return out
}

func (p *publication) HeaderReceived(l *connection.Link, peer connection.Header) error {
	sl := &subscriberLink{l: l, out: make(chan []byte, p.queueSize), p: p}
	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		return ErrInvalidHandle
	}
	p.links[l] = sl
	latched := p.latched
	p.mtx.Unlock()

	// subscribers never send after the header, reading detects disconnects
	if !p.m.goAsync(func() { l.ReadLoop(func([]byte) {}) }) || !p.m.goAsync(sl.run) {
		return errNotRunning
	}
	if latched != nil {
		sl.enqueue(latched)
	}
	p.m.log.WithField("topic", p.name).WithField("subscriber", l.CallerID()).
		WithField("conn_id", l.ID()).Info("subscriber connected")
	return nil
}

func (p *publication) LinkDropped(l *connection.Link, reason connection.DropReason) {
	p.mtx.Lock()
	_, ok := p.links[l]
	delete(p.links, l)
	p.mtx.Unlock()
	if ok {
		p.m.log.WithField("topic", p.name).WithField("conn_id", l.ID()).
			WithField("reason", reason.String()).Info("subscriber disconnected")
	}
}

type subscriberLink struct {
	p   *publication
	l   *connection.Link
	out chan []byte
}

// enqueue never blocks. On overflow the oldest message is dropped.
func (sl *subscriberLink) enqueue(msg []byte) {
	for {
		select {
		case sl.out <- msg:
			return
		default:
		}
		select {
		case <-sl.out:
			sl.l.CountDrop()
			sl.p.m.metrics.dropped.WithLabelValues("out").Inc()
		default:
		}
	}
}

func (sl *subscriberLink) run() {
	for {
		select {
		case <-sl.l.Done():
			return
		case msg := <-sl.out:
			_ = sl.l.SetWriteDeadline(time.Now().Add(sl.p.m.writeTimeout))
			if err := sl.l.WriteFrame(msg); err != nil {
				sl.p.m.log.WithError(err).WithField("topic", sl.p.name).WithField("conn_id", sl.l.ID()).
					Warn("cannot write to subscriber")
				sl.l.Drop(connection.DropTransportError)
				return
			}
		}
	}
}

// Publisher is a handle on an advertised topic. Each handle returned by
// Advertise holds one reference.
type Publisher struct {
	m        *Manager
	p        *publication
	released int32
}

func (h *Publisher) Topic() string { return h.p.name }

func (h *Publisher) valid() bool {
	return atomic.LoadInt32(&h.released) == 0 && !h.p.isClosed()
}

// NumSubscribers returns the number of connected subscribers.
func (h *Publisher) NumSubscribers() int {
	return len(h.p.activeLinks())
}

// Publish sends msg to every connected subscriber. msg must not be
// modified afterwards.
func (h *Publisher) Publish(msg []byte) error {
	if atomic.LoadInt32(&h.released) != 0 {
		return ErrInvalidHandle
	}
	p := h.p
	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		return ErrInvalidHandle
	}
	if p.latch {
		p.latched = msg
	}
	targets := make([]*subscriberLink, 0, len(p.links))
	for _, sl := range p.links {
		targets = append(targets, sl)
	}
	p.mtx.Unlock()

	h.m.metrics.published.Inc()
	for _, sl := range targets {
		sl.enqueue(msg)
	}
	return nil
}

// Shutdown releases the handle's reference.
func (h *Publisher) Shutdown(ctx context.Context) error {
	return h.m.Unadvertise(ctx, h)
}

// Advertise registers the node as publisher of opts.Topic. Advertising
// an already advertised topic adds a reference. The data type and md5sum
// must match the existing publication.
func (m *Manager) Advertise(ctx context.Context, opts AdvertiseOptions) (*Publisher, error) {
	if opts.Topic == "" || opts.DataType == "" || opts.MD5Sum == "" {
		return nil, errors.New("advertise: topic, data type and md5sum are required")
	}
	if _, err := m.running(); err != nil {
		return nil, err
	}

	m.mtx.Lock()
	if m.shutdown {
		m.mtx.Unlock()
		return nil, errNotRunning
	}
	if p, ok := m.publications[opts.Topic]; ok {
		p.mtx.Lock()
		if p.datatype != opts.DataType || p.md5sum != opts.MD5Sum {
			p.mtx.Unlock()
			m.mtx.Unlock()
			return nil, &TypeMismatchError{Topic: opts.Topic, Registered: p.datatype, Requested: opts.DataType}
		}
		p.refs++
		p.mtx.Unlock()
		m.mtx.Unlock()
		if err := p.waitRegistered(ctx); err != nil {
			return nil, err
		}
		return &Publisher{m: m, p: p}, nil
	}
	p := newPublication(m, opts)
	p.refs = 1
	m.publications[opts.Topic] = p
	callerURI := m.callerURI
	m.mtx.Unlock()

	subscribers, err := m.master.RegisterPublisher(ctx, opts.Topic, opts.DataType, callerURI)
	if err != nil {
		m.mtx.Lock()
		if m.publications[opts.Topic] == p {
			delete(m.publications, opts.Topic)
		}
		m.mtx.Unlock()
		p.close()
		p.registered(err)
		return nil, errors.Wrapf(err, "advertise %s", opts.Topic)
	}
	p.registered(nil)
	m.log.WithField("topic", opts.Topic).WithField("type", opts.DataType).
		WithField("subscribers", len(subscribers)).Info("advertised topic")
	m.nudge(opts.Topic, subscribers)
	return &Publisher{m: m, p: p}, nil
}

// Unadvertise releases h. When the last reference is released, the
// publication is unregistered from the master and its links are dropped.
func (m *Manager) Unadvertise(ctx context.Context, h *Publisher) error {
	if !atomic.CompareAndSwapInt32(&h.released, 0, 1) {
		return ErrInvalidHandle
	}
	p := h.p
	m.mtx.Lock()
	p.mtx.Lock()
	if p.closed {
		// manager shut down in the meantime
		p.mtx.Unlock()
		m.mtx.Unlock()
		return nil
	}
	p.refs--
	last := p.refs == 0
	if last && m.publications[p.name] == p {
		delete(m.publications, p.name)
	}
	callerURI := m.callerURI
	p.mtx.Unlock()
	m.mtx.Unlock()
	if !last {
		return nil
	}

	for _, l := range p.close() {
		l.Drop(connection.DropOwnerClosed)
	}
	if err := m.master.UnregisterPublisher(ctx, p.name, callerURI); err != nil {
		return errors.Wrapf(err, "unadvertise %s", p.name)
	}
	m.log.WithField("topic", p.name).Info("unadvertised topic")
	return nil
}

// accept routes an inbound subscriber link to the publication it asks for.
func (m *Manager) accept(ctx context.Context, l *connection.Link, peer connection.Header) (connection.Owner, connection.Header, error) {
	topic := peer[connection.HeaderTopic]
	m.mtx.Lock()
	p := m.publications[topic]
	m.mtx.Unlock()
	if p == nil || p.isClosed() {
		return nil, nil, errors.Errorf("no publisher for topic %s", topic)
	}
	return p, p.header(m.master.CallerID()), nil
}

// Package connection manages peer links and the TCPROS header handshake.
package connection

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roscomm/roscomm/logger"
	"github.com/roscomm/roscomm/util/bytecounter"
	"github.com/roscomm/roscomm/util/envconst"
	"github.com/roscomm/roscomm/util/tcpsock"
)

// AcceptHandler decides whether to accept an inbound link whose peer sent
// header. It returns the owner of the link and the header to answer with.
// An error is sent to the peer and the link is dropped.
type AcceptHandler func(ctx context.Context, l *Link, peer Header) (Owner, Header, error)

type Dialer func(ctx context.Context, endpoint string) (net.Conn, error)

var ErrShutdown = errors.New("connection manager is shut down")

var errLinkDropped = errors.New("link dropped during header exchange")

type Manager struct {
	log              logger.Logger
	handshakeTimeout time.Duration
	maxHeaderLen     uint32
	maxFrameLen      uint32
	dial             Dialer

	nextID uint32

	mtx      sync.Mutex
	links    map[*Link]struct{}
	handlers map[string]AcceptHandler
	listener *net.TCPListener
	closed   bool
	wg       sync.WaitGroup

	metrics struct {
		connects          prometheus.Counter
		accepts           prometheus.Counter
		handshakeFailures *prometheus.CounterVec
		drops             *prometheus.CounterVec
		bytes             *prometheus.CounterVec
		active            prometheus.Gauge
	}
}

func NewManager(log logger.Logger, handshakeTimeout time.Duration) *Manager {
	m := &Manager{
		log:              log,
		handshakeTimeout: handshakeTimeout,
		maxHeaderLen:     envconst.Uint32("ROSCOMM_HEADER_MAX_LEN", 1<<20),
		maxFrameLen:      envconst.Uint32("ROSCOMM_FRAME_MAX_LEN", 1<<30),
		dial:             DialTCP,
		links:            make(map[*Link]struct{}),
		handlers:         make(map[string]AcceptHandler),
	}
	m.metrics.connects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roscomm",
		Subsystem: "conn",
		Name:      "connect_attempts_total",
		Help:      "number of outbound link attempts",
	})
	m.metrics.accepts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roscomm",
		Subsystem: "conn",
		Name:      "accepted_total",
		Help:      "number of inbound connections accepted",
	})
	m.metrics.handshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roscomm",
		Subsystem: "conn",
		Name:      "handshake_failures_total",
		Help:      "number of failed header exchanges by peer role",
	}, []string{"role"})
	m.metrics.drops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roscomm",
		Subsystem: "conn",
		Name:      "drops_total",
		Help:      "number of dropped links by reason",
	}, []string{"reason"})
	m.metrics.bytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roscomm",
		Subsystem: "conn",
		Name:      "frame_bytes_total",
		Help:      "number of framed payload bytes by direction",
	}, []string{"direction"})
	m.metrics.active = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "roscomm",
		Subsystem: "conn",
		Name:      "links",
		Help:      "number of links currently registered",
	})
	return m
}

func (m *Manager) RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(m.metrics.connects)
	registerer.MustRegister(m.metrics.accepts)
	registerer.MustRegister(m.metrics.handshakeFailures)
	registerer.MustRegister(m.metrics.drops)
	registerer.MustRegister(m.metrics.bytes)
	registerer.MustRegister(m.metrics.active)
}

// SetDialer replaces the transport used by Connect. Must be called before
// the first Connect.
func (m *Manager) SetDialer(d Dialer) { m.dial = d }

// GetNewConnectionID returns a process-unique, strictly increasing id.
func (m *Manager) GetNewConnectionID() uint32 {
	return atomic.AddUint32(&m.nextID, 1)
}

// HandleAccept routes inbound links whose header carries key
// (HeaderTopic or HeaderService) to h.
func (m *Manager) HandleAccept(key string, h AcceptHandler) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.handlers[key] = h
}

// Listen binds the TCPROS listener.
func (m *Manager) Listen(ctx context.Context, address string, freeBind bool) error {
	l, err := tcpsock.Listen(ctx, address, freeBind)
	if err != nil {
		return err
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed || m.listener != nil {
		l.Close()
		return errors.New("cannot listen: manager closed or already listening")
	}
	m.listener = l
	return nil
}

// Unlisten closes the listener set up by Listen so that Listen can be
// called again. Established links are not affected.
func (m *Manager) Unlisten() {
	m.mtx.Lock()
	l := m.listener
	m.listener = nil
	m.mtx.Unlock()
	if l == nil {
		return
	}
	if err := l.Close(); err != nil {
		m.log.WithError(err).Warn("error closing listener")
	}
}

func (m *Manager) Port() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.listener == nil {
		return 0
	}
	return tcpsock.Port(m.listener)
}

// Start accepts connections on the listener set up by Listen.
func (m *Manager) Start() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return ErrShutdown
	}
	if m.listener == nil {
		return errors.New("connection manager not listening")
	}
	m.wg.Add(1)
	go m.acceptLoop(m.listener)
	return nil
}

func (m *Manager) acceptLoop(l *net.TCPListener) {
	defer m.wg.Done()
	for {
		conn, err := l.AcceptTCP()
		if err != nil {
			m.mtx.Lock()
			closed := m.closed || m.listener != l
			m.mtx.Unlock()
			if closed {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			m.log.WithError(err).Error("accept failed, stop accepting")
			return
		}
		_ = conn.SetNoDelay(true)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			_, _ = m.Accept(conn)
		}()
	}
}

func (m *Manager) register(l *Link) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return ErrShutdown
	}
	m.links[l] = struct{}{}
	m.metrics.active.Set(float64(len(m.links)))
	return nil
}

func (m *Manager) handshakeFailed(l *Link, role PeerRole, err error) {
	m.metrics.handshakeFailures.WithLabelValues(role.String()).Inc()
	m.log.WithError(err).WithField("endpoint", l.endpoint).Warn("header exchange failed")
	m.Drop(l, DropHandshakeFailed)
}

// activate assigns the connection id and hands the link to its owner.
// A link dropped during the header exchange (e.g. reaped) stays dropped.
func (m *Manager) activate(l *Link, owner Owner) error {
	l.mtx.Lock()
	if l.state == LinkDropped {
		l.mtx.Unlock()
		return errLinkDropped
	}
	l.state = LinkHeaderExchanged
	atomic.StoreUint32(&l.id, m.GetNewConnectionID())
	l.owner = owner
	l.state = LinkActive
	l.mtx.Unlock()

	if err := owner.HeaderReceived(l, l.header); err != nil {
		m.log.WithError(err).WithField("conn_id", l.ID()).Warn("owner rejected link")
		m.Drop(l, DropOwnerClosed)
		return err
	}
	m.log.WithField("conn_id", l.ID()).WithField("endpoint", l.endpoint).
		WithField("peer", l.CallerID()).Debug("link active")
	return nil
}

// Connect dials endpoint (host:port), sends local and validates the header
// the peer in role answers with. owner is notified of drops even if the
// handshake fails.
func (m *Manager) Connect(ctx context.Context, endpoint string, local Header, role PeerRole, owner Owner) (*Link, error) {
	m.metrics.connects.Inc()

	conn, err := m.dial(ctx, endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to %s", endpoint)
	}
	l := newLink(m, bytecounter.NewConn(conn), endpoint, true)
	l.role = role
	l.local = local
	l.setOwner(owner)
	if err := m.register(l); err != nil {
		conn.Close()
		return nil, err
	}

	err = func() error {
		if err := conn.SetDeadline(time.Now().Add(m.handshakeTimeout)); err != nil {
			return hsIOErr(err, "cannot set handshake deadline: %s", err)
		}
		enc, err := local.Encode()
		if err != nil {
			return err
		}
		if _, err := l.conn.Write(enc); err != nil {
			return hsIOErr(err, "cannot send header: %s", err)
		}
		peer, err := DecodeHeader(l.conn, m.maxHeaderLen)
		if err != nil {
			return err
		}
		l.header = peer
		if err := ValidateHeader(role, peer, local); err != nil {
			return err
		}
		if err := conn.SetDeadline(time.Time{}); err != nil {
			return hsIOErr(err, "cannot reset handshake deadline: %s", err)
		}
		return nil
	}()
	if err != nil {
		m.handshakeFailed(l, role, err)
		return nil, err
	}
	if err := m.activate(l, owner); err != nil {
		return nil, err
	}
	return l, nil
}

// Accept runs the server side of the header exchange on conn and routes
// the link to the handler registered for its header.
func (m *Manager) Accept(conn net.Conn) (*Link, error) {
	m.metrics.accepts.Inc()

	endpoint := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		endpoint = addr.String()
	}
	l := newLink(m, bytecounter.NewConn(conn), endpoint, false)
	if err := m.register(l); err != nil {
		conn.Close()
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.handshakeTimeout)
	defer cancel()

	role := PeerSubscriber
	var owner Owner
	err := func() error {
		if err := conn.SetDeadline(time.Now().Add(m.handshakeTimeout)); err != nil {
			return hsIOErr(err, "cannot set handshake deadline: %s", err)
		}
		peer, err := DecodeHeader(l.conn, m.maxHeaderLen)
		if err != nil {
			return err
		}
		l.header = peer

		key := HeaderTopic
		if _, ok := peer[HeaderService]; ok {
			key, role = HeaderService, PeerServiceClient
		}
		l.role = role
		m.mtx.Lock()
		handler := m.handlers[key]
		m.mtx.Unlock()

		var resp Header
		if handler == nil {
			err = &HandshakeValidationError{Role: role, CallerID: peer[HeaderCallerID], Reason: "no handler for " + key}
		} else if err = ValidateHeader(role, peer, nil); err == nil {
			owner, resp, err = handler(ctx, l, peer)
			if err == nil && owner == nil {
				err = errors.New("accept handler returned no owner")
			}
			if owner != nil {
				l.setOwner(owner)
			}
			if err == nil {
				err = ValidateHeader(role, peer, resp)
			}
		}
		if err != nil {
			if enc, encErr := (Header{HeaderError: err.Error()}).Encode(); encErr == nil {
				_, _ = l.conn.Write(enc)
			}
			return err
		}

		l.local = resp
		enc, err := resp.Encode()
		if err != nil {
			return err
		}
		if _, err := l.conn.Write(enc); err != nil {
			return hsIOErr(err, "cannot send header: %s", err)
		}
		if err := conn.SetDeadline(time.Time{}); err != nil {
			return hsIOErr(err, "cannot reset handshake deadline: %s", err)
		}
		return nil
	}()
	if err != nil {
		m.handshakeFailed(l, role, err)
		return nil, err
	}
	if err := m.activate(l, owner); err != nil {
		return nil, err
	}
	return l, nil
}

// Drop closes l, removes it from the registry and notifies its owner.
// Idempotent.
func (m *Manager) Drop(l *Link, reason DropReason) {
	l.dropOnce.Do(func() {
		l.setState(LinkDropped)
		if err := l.conn.Close(); err != nil {
			m.log.WithError(err).WithField("conn_id", l.ID()).Debug("error closing link")
		}
		m.mtx.Lock()
		delete(m.links, l)
		m.metrics.active.Set(float64(len(m.links)))
		m.mtx.Unlock()
		close(l.done)
		m.metrics.drops.WithLabelValues(reason.String()).Inc()
		if owner := l.getOwner(); owner != nil {
			owner.LinkDropped(l, reason)
		}
	})
}

// Links returns a snapshot of the registered links.
func (m *Manager) Links() []*Link {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]*Link, 0, len(m.links))
	for l := range m.links {
		out = append(out, l)
	}
	return out
}

// Reap drops links that have not completed the header exchange within the
// handshake timeout. It is run periodically from the poll loop.
func (m *Manager) Reap() {
	cutoff := time.Now().Add(-m.handshakeTimeout)
	for _, l := range m.Links() {
		if l.State() < LinkActive && l.createdAt.Before(cutoff) {
			m.log.WithField("endpoint", l.endpoint).Warn("reaping stale handshake")
			m.Drop(l, DropHandshakeTimeout)
		}
	}
}

// Shutdown stops accepting, drops every link and waits for the accept
// loop and in-flight handshakes. Idempotent.
func (m *Manager) Shutdown() {
	m.mtx.Lock()
	if m.closed {
		m.mtx.Unlock()
		return
	}
	m.closed = true
	if m.listener != nil {
		if err := m.listener.Close(); err != nil {
			m.log.WithError(err).Warn("error closing listener")
		}
	}
	m.mtx.Unlock()

	for _, l := range m.Links() {
		m.Drop(l, DropShutdown)
	}
	m.wg.Wait()
}

// Package topic keeps the node's publications and subscriptions, registers
// them with the master and wires peer links to them.
package topic

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roscomm/roscomm/callbackqueue"
	"github.com/roscomm/roscomm/connection"
	"github.com/roscomm/roscomm/logger"
	"github.com/roscomm/roscomm/master"
	"github.com/roscomm/roscomm/util/envconst"
	"github.com/roscomm/roscomm/util/errorarray"
	"github.com/roscomm/roscomm/util/semaphore"
	"github.com/roscomm/roscomm/xmlrpc"
)

// MasterCallerID is the caller id the master uses for publisherUpdate.
// Updates from any other caller only add publishers.
const MasterCallerID = "/master"

var ErrInvalidHandle = errors.New("operation on invalid topic handle")

var errNotRunning = errors.New("topic manager is not running")

type TypeMismatchError struct {
	Topic      string
	Registered string
	Requested  string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("topic %s already registered with type %s, cannot use it as %s", e.Topic, e.Registered, e.Requested)
}

// Slave is the XML-RPC API of another node.
type Slave interface {
	Invoke(ctx context.Context, method string, args ...interface{}) (interface{}, error)
}

type SlaveDialer func(uri string) Slave

func DialSlave(uri string) Slave { return xmlrpc.NewClient(uri, nil) }

type Manager struct {
	log          logger.Logger
	master       *master.Client
	conns        *connection.Manager
	queue        *callbackqueue.Queue
	dialSlave    SlaveDialer
	connectSem   *semaphore.S
	writeTimeout time.Duration
	slaveTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// lock order: mtx before publication.mtx / subscription.mtx
	mtx           sync.Mutex
	started       bool
	shutdown      bool
	callerURI     string
	host          string
	publications  map[string]*publication
	subscriptions map[string]*subscription
	methods       []*xmlrpc.Method

	metrics struct {
		published prometheus.Counter
		delivered prometheus.Counter
		dropped   *prometheus.CounterVec
	}
}

func NewManager(log logger.Logger, mc *master.Client, conns *connection.Manager, queue *callbackqueue.Queue) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:           log,
		master:        mc,
		conns:         conns,
		queue:         queue,
		dialSlave:     DialSlave,
		connectSem:    semaphore.New(envconst.Int64("ROSCOMM_TOPIC_MAX_CONCURRENT_CONNECTS", 8)),
		writeTimeout:  envconst.Duration("ROSCOMM_TOPIC_WRITE_TIMEOUT", 5*time.Second),
		slaveTimeout:  envconst.Duration("ROSCOMM_SLAVE_CALL_TIMEOUT", 10*time.Second),
		ctx:           ctx,
		cancel:        cancel,
		publications:  make(map[string]*publication),
		subscriptions: make(map[string]*subscription),
	}
	m.metrics.published = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roscomm",
		Subsystem: "topic",
		Name:      "published_messages_total",
		Help:      "number of messages handed to Publish",
	})
	m.metrics.delivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roscomm",
		Subsystem: "topic",
		Name:      "received_messages_total",
		Help:      "number of messages received from publishers",
	})
	m.metrics.dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roscomm",
		Subsystem: "topic",
		Name:      "dropped_messages_total",
		Help:      "number of messages dropped on queue overflow",
	}, []string{"direction"})
	return m
}

func (m *Manager) RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(m.metrics.published)
	registerer.MustRegister(m.metrics.delivered)
	registerer.MustRegister(m.metrics.dropped)
}

// SetSlaveDialer replaces the client used for requestTopic and
// publisherUpdate calls to other nodes. Must be called before Start.
func (m *Manager) SetSlaveDialer(d SlaveDialer) { m.dialSlave = d }

// Start makes the manager accept subscriber links. callerURI is the node's
// XML-RPC URI, host the address advertised in requestTopic replies.
func (m *Manager) Start(callerURI, host string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.shutdown {
		return errNotRunning
	}
	// a Start retried after a failed node start may come with new addresses
	m.callerURI = callerURI
	m.host = host
	if m.started {
		return nil
	}
	m.started = true
	m.conns.HandleAccept(connection.HeaderTopic, m.accept)
	m.log.WithField("caller_uri", callerURI).Debug("topic manager started")
	return nil
}

// BindSlaveMethods exposes requestTopic and publisherUpdate on srv.
// The methods are closed on Shutdown.
func (m *Manager) BindSlaveMethods(srv *xmlrpc.Server) error {
	handlers := map[string]xmlrpc.Handler{
		"requestTopic":    m.handleRequestTopic,
		"publisherUpdate": m.handlePublisherUpdate,
	}
	for name, h := range handlers {
		method, err := srv.CreateMethod(name)
		if err != nil {
			return err
		}
		method.Bind(h)
		m.mtx.Lock()
		m.methods = append(m.methods, method)
		m.mtx.Unlock()
	}
	return nil
}

// UnbindSlaveMethods closes the methods bound by BindSlaveMethods.
func (m *Manager) UnbindSlaveMethods() {
	m.mtx.Lock()
	methods := m.methods
	m.methods = nil
	m.mtx.Unlock()
	for _, method := range methods {
		method.Close()
	}
}

func (m *Manager) running() (callerURI string, err error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if !m.started || m.shutdown {
		return "", errNotRunning
	}
	return m.callerURI, nil
}

// goAsync runs f on a goroutine that Shutdown waits for.
// It returns false once Shutdown has begun.
func (m *Manager) goAsync(f func()) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.shutdown {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f()
	}()
	return true
}

func (m *Manager) tcprosEndpoint() (host string, port int) {
	m.mtx.Lock()
	host = m.host
	m.mtx.Unlock()
	return host, m.conns.Port()
}

func (m *Manager) handleRequestTopic(ctx context.Context, params []interface{}) (interface{}, error) {
	if len(params) < 3 {
		return master.Response(master.StatusError, "requestTopic: expected caller_id, topic, protocols", 0), nil
	}
	topic, _ := params[1].(string)
	protocols, _ := xmlrpc.AsArray(params[2])

	m.mtx.Lock()
	p := m.publications[topic]
	m.mtx.Unlock()
	if p == nil {
		return master.Response(master.StatusFailure, "not a publisher of "+topic, []interface{}{}), nil
	}
	for _, proto := range protocols {
		fields, _ := xmlrpc.AsArray(proto)
		if len(fields) == 0 {
			continue
		}
		if name, _ := fields[0].(string); name == connection.TransportTCPROS {
			host, port := m.tcprosEndpoint()
			return master.Response(master.StatusSuccess, "ready on "+net.JoinHostPort(host, strconv.Itoa(port)),
				[]interface{}{connection.TransportTCPROS, host, port}), nil
		}
	}
	return master.Response(master.StatusFailure, "no supported protocol", []interface{}{}), nil
}

func (m *Manager) handlePublisherUpdate(ctx context.Context, params []interface{}) (interface{}, error) {
	if len(params) < 3 {
		return master.Response(master.StatusError, "publisherUpdate: expected caller_id, topic, publishers", 0), nil
	}
	callerID, _ := params[0].(string)
	topic, _ := params[1].(string)
	pubs, ok := xmlrpc.AsStrings(params[2])
	if !ok {
		return master.Response(master.StatusError, "publisherUpdate: publishers must be a list of strings", 0), nil
	}
	m.PublisherUpdate(topic, pubs, callerID != MasterCallerID)
	return master.Response(master.StatusSuccess, "", 0), nil
}

// requestTopic asks the publisher at slaveURI for a TCPROS endpoint.
func (m *Manager) requestTopic(ctx context.Context, slaveURI, topic string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.slaveTimeout)
	defer cancel()
	protocols := []interface{}{[]interface{}{connection.TransportTCPROS}}
	res, err := m.dialSlave(slaveURI).Invoke(ctx, "requestTopic", m.master.CallerID(), topic, protocols)
	if err != nil {
		return "", errors.Wrapf(err, "requestTopic %s at %s", topic, slaveURI)
	}
	code, msg, payload, err := master.ParseResponse("requestTopic", res)
	if err != nil {
		return "", err
	}
	if code != master.StatusSuccess {
		return "", &master.ProtocolError{Method: "requestTopic", Code: code, Msg: msg}
	}
	fields, ok := xmlrpc.AsArray(payload)
	if !ok || len(fields) < 3 {
		return "", &master.ProtocolError{Method: "requestTopic", Err: errors.Errorf("unexpected protocol params %v", payload)}
	}
	proto, _ := xmlrpc.AsString(fields[0])
	host, hostOK := xmlrpc.AsString(fields[1])
	port, portOK := xmlrpc.AsInt(fields[2])
	if proto != connection.TransportTCPROS || !hostOK || !portOK {
		return "", &master.ProtocolError{Method: "requestTopic", Err: errors.Errorf("unsupported protocol params %v", fields)}
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// nudge tells each subscriber that this node now publishes topic.
func (m *Manager) nudge(topic string, subscribers []string) {
	callerID := m.master.CallerID()
	m.mtx.Lock()
	self := m.callerURI
	m.mtx.Unlock()
	for _, sub := range subscribers {
		sub := sub
		m.goAsync(func() {
			ctx, cancel := context.WithTimeout(m.ctx, m.slaveTimeout)
			defer cancel()
			_, err := m.dialSlave(sub).Invoke(ctx, "publisherUpdate", callerID, topic, []interface{}{self})
			if err != nil {
				m.log.WithError(err).WithField("topic", topic).WithField("subscriber", sub).
					Warn("cannot notify subscriber of new publisher")
			}
		})
	}
}

// Shutdown unregisters every publication and subscription from the master
// and drops their links. Errors are collected, every step still runs.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mtx.Lock()
	if m.shutdown {
		m.mtx.Unlock()
		return nil
	}
	m.shutdown = true
	callerURI := m.callerURI
	pubs, subs, methods := m.publications, m.subscriptions, m.methods
	m.publications = make(map[string]*publication)
	m.subscriptions = make(map[string]*subscription)
	m.methods = nil
	m.mtx.Unlock()

	m.cancel()
	for _, method := range methods {
		method.Close()
	}

	var errs []error
	for name, p := range pubs {
		for _, l := range p.close() {
			l.Drop(connection.DropShutdown)
		}
		if err := m.master.UnregisterPublisher(ctx, name, callerURI); err != nil {
			errs = append(errs, errors.Wrapf(err, "unregister publisher %s", name))
		}
	}
	for name, s := range subs {
		for _, l := range s.close() {
			l.Drop(connection.DropShutdown)
		}
		if err := m.master.UnregisterSubscriber(ctx, name, callerURI); err != nil {
			errs = append(errs, errors.Wrapf(err, "unregister subscriber %s", name))
		}
	}
	m.wg.Wait()
	return errorarray.Collect("topic manager shutdown", errs...)
}

// Publications returns [topic, datatype] pairs for getPublications.
func (m *Manager) Publications() [][]string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([][]string, 0, len(m.publications))
	for name, p := range m.publications {
		out = append(out, []string{name, p.datatype})
	}
	return out
}

// Subscriptions returns [topic, datatype] pairs for getSubscriptions.
func (m *Manager) Subscriptions() [][]string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([][]string, 0, len(m.subscriptions))
	for name, s := range m.subscriptions {
		out = append(out, []string{name, s.datatype})
	}
	return out
}

func (m *Manager) snapshot() ([]*publication, []*subscription) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	pubs := make([]*publication, 0, len(m.publications))
	for _, p := range m.publications {
		pubs = append(pubs, p)
	}
	subs := make([]*subscription, 0, len(m.subscriptions))
	for _, s := range m.subscriptions {
		subs = append(subs, s)
	}
	return pubs, subs
}

// BusStats returns the publish and subscribe parts of getBusStats.
//
//	publish:   [topic, messagesSent, [[connID, bytesSent, messagesSent, connected]...]]
//	subscribe: [topic, [[connID, bytesReceived, drops, connected]...]]
func (m *Manager) BusStats() (publish, subscribe []interface{}) {
	pubs, subs := m.snapshot()
	publish = make([]interface{}, 0, len(pubs))
	for _, p := range pubs {
		var sent int64
		conns := []interface{}{}
		for _, l := range p.activeLinks() {
			st := l.Stats()
			sent += st.MessagesSent
			conns = append(conns, []interface{}{l.ID(), st.BytesSent, st.MessagesSent, true})
		}
		publish = append(publish, []interface{}{p.name, sent, conns})
	}
	subscribe = make([]interface{}, 0, len(subs))
	for _, s := range subs {
		conns := []interface{}{}
		for _, l := range s.activeLinks() {
			st := l.Stats()
			conns = append(conns, []interface{}{l.ID(), st.BytesReceived, st.Drops, true})
		}
		subscribe = append(subscribe, []interface{}{s.name, conns})
	}
	return publish, subscribe
}

// BusInfo returns getBusInfo entries:
// [connID, destination, direction, transport, topic, connected].
func (m *Manager) BusInfo() []interface{} {
	pubs, subs := m.snapshot()
	out := []interface{}{}
	for _, p := range pubs {
		for _, l := range p.activeLinks() {
			out = append(out, []interface{}{l.ID(), l.CallerID(), "o", l.TransportType(), p.name, true})
		}
	}
	for _, s := range subs {
		for _, pl := range s.publisherLinks() {
			out = append(out, []interface{}{pl.link.ID(), pl.uri, "i", pl.link.TransportType(), s.name, true})
		}
	}
	return out
}

func isNodeName(publisher string) bool { return !strings.Contains(publisher, "://") }

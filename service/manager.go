// Package service serves the node's services over TCPROS and calls
// services of other nodes.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roscomm/roscomm/callbackqueue"
	"github.com/roscomm/roscomm/connection"
	"github.com/roscomm/roscomm/logger"
	"github.com/roscomm/roscomm/master"
	"github.com/roscomm/roscomm/util/errorarray"
)

var ErrInvalidHandle = errors.New("operation on invalid service handle")

var errNotRunning = errors.New("service manager is not running")

// Handler answers one request. A returned error is sent to the client as
// a failed response.
type Handler func(ctx context.Context, req []byte) ([]byte, error)

// RequestType returns the request message type of service type srvType.
func RequestType(srvType string) string { return srvType + "Request" }

// ResponseType returns the response message type of service type srvType.
func ResponseType(srvType string) string { return srvType + "Response" }

type Options struct {
	Service  string
	DataType string
	MD5Sum   string
	Handler  Handler
	// Queue overrides the manager's callback queue.
	Queue *callbackqueue.Queue
}

// ServiceError is a failed response from a service server.
type ServiceError struct {
	Service string
	Msg     string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service %s failed: %s", e.Service, e.Msg)
}

type Manager struct {
	log    logger.Logger
	master *master.Client
	conns  *connection.Manager
	queue  *callbackqueue.Queue

	mtx        sync.Mutex
	started    bool
	shutdown   bool
	callerURI  string
	serviceURI string
	servers    map[string]*Server
	wg         sync.WaitGroup

	metrics struct {
		served *prometheus.CounterVec
		calls  *prometheus.CounterVec
	}
}

func NewManager(log logger.Logger, mc *master.Client, conns *connection.Manager, queue *callbackqueue.Queue) *Manager {
	m := &Manager{
		log:     log,
		master:  mc,
		conns:   conns,
		queue:   queue,
		servers: make(map[string]*Server),
	}
	m.metrics.served = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roscomm",
		Subsystem: "service",
		Name:      "served_requests_total",
		Help:      "number of service requests answered by this node",
	}, []string{"outcome"})
	m.metrics.calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roscomm",
		Subsystem: "service",
		Name:      "client_calls_total",
		Help:      "number of service calls made by this node",
	}, []string{"outcome"})
	return m
}

func (m *Manager) RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(m.metrics.served)
	registerer.MustRegister(m.metrics.calls)
}

// Start makes the manager accept service client links. The TCPROS
// listener of the connection manager must be bound.
func (m *Manager) Start(callerURI, host string) error {
	port := m.conns.Port()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.shutdown {
		return errNotRunning
	}
	if port == 0 {
		return errors.New("service manager requires a bound TCPROS listener")
	}
	m.callerURI = callerURI
	m.serviceURI = connection.RosRPCURI(host, port)
	if m.started {
		return nil
	}
	m.started = true
	m.conns.HandleAccept(connection.HeaderService, m.accept)
	m.log.WithField("service_uri", m.serviceURI).Debug("service manager started")
	return nil
}

// ServiceURI is the rosrpc URI services of this node are registered with.
func (m *Manager) ServiceURI() string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.serviceURI
}

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

// AdvertiseService registers opts.Service with the master and serves it.
// A node serves each service at most once.
func (m *Manager) AdvertiseService(ctx context.Context, opts Options) (*Server, error) {
	if opts.Service == "" || opts.DataType == "" || opts.MD5Sum == "" {
		return nil, errors.New("advertise service: service, data type and md5sum are required")
	}
	if opts.Handler == nil {
		return nil, errors.New("advertise service: handler is required")
	}
	s := &Server{
		m:        m,
		name:     opts.Service,
		datatype: opts.DataType,
		md5sum:   opts.MD5Sum,
		handler:  opts.Handler,
		queue:    opts.Queue,
		owner:    callbackqueue.NewOwnerID(),
		links:    make(map[*connection.Link]struct{}),
		closed:   make(chan struct{}),
	}
	if s.queue == nil {
		s.queue = m.queue
	}

	m.mtx.Lock()
	if !m.started || m.shutdown {
		m.mtx.Unlock()
		return nil, errNotRunning
	}
	if _, ok := m.servers[opts.Service]; ok {
		m.mtx.Unlock()
		return nil, errors.Errorf("service %s is already advertised by this node", opts.Service)
	}
	m.servers[opts.Service] = s
	serviceURI, callerURI := m.serviceURI, m.callerURI
	m.mtx.Unlock()

	if err := m.master.RegisterService(ctx, opts.Service, serviceURI, callerURI); err != nil {
		m.mtx.Lock()
		if m.servers[opts.Service] == s {
			delete(m.servers, opts.Service)
		}
		m.mtx.Unlock()
		s.close()
		return nil, errors.Wrapf(err, "advertise service %s", opts.Service)
	}
	m.log.WithField("service", opts.Service).WithField("type", opts.DataType).Info("advertised service")
	return s, nil
}

// UnadvertiseService unregisters s from the master and drops its links.
// Pending requests are discarded.
func (m *Manager) UnadvertiseService(ctx context.Context, s *Server) error {
	m.mtx.Lock()
	if m.servers[s.name] != s {
		m.mtx.Unlock()
		return ErrInvalidHandle
	}
	delete(m.servers, s.name)
	serviceURI := m.serviceURI
	m.mtx.Unlock()

	for _, l := range s.close() {
		l.Drop(connection.DropOwnerClosed)
	}
	if err := m.master.UnregisterService(ctx, s.name, serviceURI); err != nil {
		return errors.Wrapf(err, "unadvertise service %s", s.name)
	}
	m.log.WithField("service", s.name).Info("unadvertised service")
	return nil
}

func (m *Manager) accept(ctx context.Context, l *connection.Link, peer connection.Header) (connection.Owner, connection.Header, error) {
	name := peer[connection.HeaderService]
	m.mtx.Lock()
	s := m.servers[name]
	m.mtx.Unlock()
	if s == nil {
		return nil, nil, errors.Errorf("no provider for service %s", name)
	}
	return s, s.header(m.master.CallerID()), nil
}

// Services returns the names of the services served by this node.
func (m *Manager) Services() []string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]string, 0, len(m.servers))
	for name := range m.servers {
		out = append(out, name)
	}
	return out
}

// BusStats returns the service part of getBusStats:
// [numRequests, bytesReceived, bytesSent].
func (m *Manager) BusStats() []interface{} {
	m.mtx.Lock()
	servers := make([]*Server, 0, len(m.servers))
	for _, s := range m.servers {
		servers = append(servers, s)
	}
	m.mtx.Unlock()
	var requests, received, sent int64
	for _, s := range servers {
		r, rx, tx := s.stats()
		requests += r
		received += rx
		sent += tx
	}
	return []interface{}{requests, received, sent}
}

// Shutdown unregisters every service and drops their links.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mtx.Lock()
	if m.shutdown {
		m.mtx.Unlock()
		return nil
	}
	m.shutdown = true
	servers, serviceURI := m.servers, m.serviceURI
	m.servers = make(map[string]*Server)
	m.mtx.Unlock()

	var errs []error
	for name, s := range servers {
		for _, l := range s.close() {
			l.Drop(connection.DropShutdown)
		}
		if err := m.master.UnregisterService(ctx, name, serviceURI); err != nil {
			errs = append(errs, errors.Wrapf(err, "unregister service %s", name))
		}
	}
	m.wg.Wait()
	return errorarray.Collect("service manager shutdown", errs...)
}

type clientOwner struct{}

func (clientOwner) HeaderReceived(*connection.Link, connection.Header) error { return nil }
func (clientOwner) LinkDropped(*connection.Link, connection.DropReason)      {}

// Call looks up service with the master, sends req and returns the
// response. md5sum may be connection.MD5Any.
func (m *Manager) Call(ctx context.Context, service, md5sum string, req []byte) (resp []byte, err error) {
	outcome := "ok"
	defer func() { m.metrics.calls.WithLabelValues(outcome).Inc() }()

	uri, err := m.master.LookupService(ctx, service)
	if err != nil {
		outcome = "lookup_failed"
		return nil, errors.Wrapf(err, "lookup service %s", service)
	}
	endpoint, err := connection.ParseRosRPCURI(uri)
	if err != nil {
		outcome = "lookup_failed"
		return nil, err
	}
	local := connection.Header{
		connection.HeaderCallerID:   m.master.CallerID(),
		connection.HeaderService:    service,
		connection.HeaderMD5Sum:     md5sum,
		connection.HeaderPersistent: "0",
	}
	l, err := m.conns.Connect(ctx, endpoint, local, connection.PeerServiceServer, clientOwner{})
	if err != nil {
		outcome = "connect_failed"
		return nil, err
	}
	defer l.Drop(connection.DropOwnerClosed)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.Drop(connection.DropOwnerClosed)
		case <-stop:
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		_ = l.SetWriteDeadline(deadline)
	}
	if err := l.WriteFrame(req); err != nil {
		outcome = "transport_error"
		return nil, errors.Wrapf(err, "send request to %s", service)
	}
	ok, payload, err := l.ReadServiceResponse()
	if err != nil {
		outcome = "transport_error"
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(err, "read response from %s", service)
	}
	if !ok {
		outcome = "service_error"
		return nil, &ServiceError{Service: service, Msg: string(payload)}
	}
	return payload, nil
}

// WaitForService blocks until service is registered with the master or
// ctx is done.
func (m *Manager) WaitForService(ctx context.Context, service string, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		_, err := m.master.LookupService(ctx, service)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var perr *master.ProtocolError
		if !errors.As(err, &perr) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func headerOnly(h connection.Header) bool { return strings.TrimSpace(h[connection.HeaderInfoOnly]) == "1" }

package xmlrpc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"

	"github.com/roscomm/roscomm/logger"
	"github.com/roscomm/roscomm/util/envconst"
	"github.com/roscomm/roscomm/util/tcpsock"
)

// Handler serves one invocation. params are positional; by convention the
// first one is the caller's node name.
type Handler func(ctx context.Context, params []interface{}) (interface{}, error)

type Server struct {
	log        logger.Logger
	maxReqLen  int64
	mtx        sync.RWMutex
	methods    map[string]*Method
	httpServer *http.Server
	listener   net.Listener
	served     chan struct{}
}

func NewServer(log logger.Logger) *Server {
	return &Server{
		log:       log,
		maxReqLen: envconst.Int64("ROSCOMM_XMLRPC_MAX_REQUEST_LEN", 16<<20),
		methods:   make(map[string]*Method),
	}
}

// Method is a named remote-callable method on a Server.
// It is owned by its creator and removed from the server on Close.
type Method struct {
	name    string
	server  *Server
	mtx     sync.Mutex
	handler Handler
	closed  bool
}

var ErrMethodExists = errors.New("method already exists")

// CreateMethod registers name on s. The method answers with a fault until
// a handler is bound.
func (s *Server) CreateMethod(name string) (*Method, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.methods[name]; ok {
		return nil, errors.Wrap(ErrMethodExists, name)
	}
	m := &Method{name: name, server: s}
	s.methods[name] = m
	return m, nil
}

func (m *Method) Name() string { return m.name }

// Bind replaces the handler. A nil handler unbinds.
func (m *Method) Bind(h Handler) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.handler = h
}

// Close detaches m from its server. Idempotent.
func (m *Method) Close() {
	m.mtx.Lock()
	if m.closed {
		m.mtx.Unlock()
		return
	}
	m.closed = true
	m.handler = nil
	m.mtx.Unlock()

	s := m.server
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.methods[m.name] == m {
		delete(s.methods, m.name)
	}
}

func (m *Method) getHandler() Handler {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.handler
}

// Listen binds the server to address. The number of concurrently served
// connections is limited by ROSCOMM_XMLRPC_MAX_CONNS.
func (s *Server) Listen(ctx context.Context, address string, freeBind bool) error {
	l, err := tcpsock.Listen(ctx, address, freeBind)
	if err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.listener != nil {
		l.Close()
		return errors.New("xmlrpc server already listening")
	}
	s.listener = netutil.LimitListener(l, envconst.Int("ROSCOMM_XMLRPC_MAX_CONNS", 128))
	return nil
}

// Port returns the bound port. Listen must have succeeded.
func (s *Server) Port() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return tcpsock.Port(s.listener)
}

// Start serves on the listener set up by Listen in a new goroutine.
func (s *Server) Start() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.listener == nil {
		return errors.New("xmlrpc server not listening")
	}
	if s.httpServer != nil {
		return nil
	}
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: envconst.Duration("ROSCOMM_XMLRPC_READ_HEADER_TIMEOUT", 10*time.Second),
	}
	s.served = make(chan struct{})
	go func(srv *http.Server, l net.Listener, served chan struct{}) {
		defer close(served)
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("xmlrpc server stopped serving")
		}
	}(s.httpServer, s.listener, s.served)
	return nil
}

// Shutdown stops the server and waits for in-flight requests until ctx
// is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mtx.Lock()
	srv, served, l := s.httpServer, s.served, s.listener
	s.httpServer, s.listener = nil, nil
	s.mtx.Unlock()

	if srv == nil {
		if l != nil {
			return l.Close()
		}
		return nil
	}
	err := srv.Shutdown(ctx)
	select {
	case <-served:
	case <-ctx.Done():
	}
	return err
}

type contextKey int

const (
	contextKeyRequestID contextKey = 1 + iota
	contextKeyRemoteAddr
)

// RequestID returns the id the server assigned to the request served with ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

func RemoteAddr(ctx context.Context) string {
	a, _ := ctx.Value(contextKeyRemoteAddr).(string)
	return a
}

const FaultCodeServer = -32500

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()
	log := s.log.WithField("req", reqID).WithField("remote", r.RemoteAddr)

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	method, params, err := DecodeCall(r.Body, s.maxReqLen)
	if err != nil {
		log.WithError(err).Warn("cannot decode request")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, err.Error())
		return
	}
	log = log.WithField("method", method)
	log.Debug("start")
	defer log.Debug("finish")

	s.mtx.RLock()
	m := s.methods[method]
	s.mtx.RUnlock()

	var h Handler
	if m != nil {
		h = m.getHandler()
	}
	if h == nil {
		log.Warn("call to unknown method")
		s.writeFault(w, log, &Fault{Code: FaultCodeServer, String: fmt.Sprintf("method %q not found", method)})
		return
	}

	ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
	ctx = context.WithValue(ctx, contextKeyRemoteAddr, r.RemoteAddr)
	result, err := s.invoke(ctx, h, params)
	if err != nil {
		log.WithError(err).Error("method returned error")
		f, ok := errors.Cause(err).(*Fault)
		if !ok {
			f = &Fault{Code: FaultCodeServer, String: err.Error()}
		}
		s.writeFault(w, log, f)
		return
	}
	resp, err := EncodeResponse(result)
	if err != nil {
		log.WithError(err).Error("cannot encode response")
		s.writeFault(w, log, &Fault{Code: FaultCodeServer, String: "cannot encode response"})
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	if _, err := w.Write(resp); err != nil {
		log.WithError(err).Warn("cannot write response")
	}
}

func (s *Server) invoke(ctx context.Context, h Handler, params []interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, params)
}

func (s *Server) writeFault(w http.ResponseWriter, log logger.Logger, f *Fault) {
	w.Header().Set("Content-Type", "text/xml")
	if _, err := w.Write(EncodeFault(f)); err != nil {
		log.WithError(err).Warn("cannot write fault")
	}
}

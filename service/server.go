package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/roscomm/roscomm/callbackqueue"
	"github.com/roscomm/roscomm/connection"
)

// Server is a service advertised by this node.
type Server struct {
	m        *Manager
	name     string
	datatype string
	md5sum   string
	handler  Handler
	queue    *callbackqueue.Queue
	owner    callbackqueue.OwnerID

	mtx      sync.Mutex
	links    map[*connection.Link]struct{}
	isClosed bool
	closed   chan struct{}

	requests int64
}

var _ connection.Owner = (*Server)(nil)

func (s *Server) Name() string { return s.name }

// URI is the rosrpc URI the service is registered with.
func (s *Server) URI() string { return s.m.ServiceURI() }

func (s *Server) Shutdown(ctx context.Context) error {
	return s.m.UnadvertiseService(ctx, s)
}

func (s *Server) header(callerID string) connection.Header {
	return connection.Header{
		connection.HeaderCallerID:     callerID,
		connection.HeaderMD5Sum:       s.md5sum,
		connection.HeaderType:         s.datatype,
		connection.HeaderRequestType:  RequestType(s.datatype),
		connection.HeaderResponseType: ResponseType(s.datatype),
	}
}

// close evicts pending requests and returns the links for the caller to
// drop. Idempotent.
func (s *Server) close() []*connection.Link {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.isClosed {
		s.isClosed = true
		close(s.closed)
		s.queue.RemoveByOwner(s.owner)
	}
	links := make([]*connection.Link, 0, len(s.links))
	for l := range s.links {
		links = append(links, l)
	}
	return links
}

func (s *Server) stats() (requests, received, sent int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for l := range s.links {
		st := l.Stats()
		received += st.BytesReceived
		sent += st.BytesSent
	}
	return atomic.LoadInt64(&s.requests), received, sent
}

func (s *Server) HeaderReceived(l *connection.Link, peer connection.Header) error {
	s.mtx.Lock()
	if s.isClosed {
		s.mtx.Unlock()
		return ErrInvalidHandle
	}
	s.links[l] = struct{}{}
	s.mtx.Unlock()
	if headerOnly(peer) {
		// the client only wanted the header
		return nil
	}
	if !s.m.goAsync(func() { s.serve(l) }) {
		return errNotRunning
	}
	return nil
}

func (s *Server) LinkDropped(l *connection.Link, reason connection.DropReason) {
	s.mtx.Lock()
	delete(s.links, l)
	s.mtx.Unlock()
}

// serve answers requests on l one at a time. Handlers run on the callback
// queue.
func (s *Server) serve(l *connection.Link) {
	log := s.m.log.WithField("service", s.name).WithField("conn_id", l.ID())
	for {
		req, err := l.ReadFrame()
		if err != nil {
			select {
			case <-l.Done():
			default:
				log.WithError(err).Debug("service client disconnected")
				l.Drop(connection.DropPeerClosed)
			}
			return
		}
		atomic.AddInt64(&s.requests, 1)

		answered := make(chan struct{})
		cb := func(ctx context.Context) error {
			defer close(answered)
			resp, herr := s.handler(ctx, req)
			outcome := "ok"
			var werr error
			if herr != nil {
				outcome = "error"
				werr = l.WriteServiceResponse(false, []byte(herr.Error()))
			} else {
				werr = l.WriteServiceResponse(true, resp)
			}
			s.m.metrics.served.WithLabelValues(outcome).Inc()
			if werr != nil {
				l.Drop(connection.DropTransportError)
				return werr
			}
			return herr
		}
		// enqueue under s.mtx so close cannot miss the entry
		s.mtx.Lock()
		if s.isClosed {
			s.mtx.Unlock()
			return
		}
		s.queue.Enqueue(cb, s.owner)
		s.mtx.Unlock()

		select {
		case <-answered:
		case <-l.Done():
			return
		case <-s.closed:
			return
		}
	}
}

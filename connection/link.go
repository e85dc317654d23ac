package connection

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/roscomm/roscomm/util/bytecounter"
)

//go:generate enumer -type=LinkState -trimprefix=Link
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkHeaderExchanged
	LinkActive
	LinkDropped
)

const TransportTCPROS = "TCPROS"

type DropReason int

const (
	DropHandshakeFailed DropReason = iota
	DropHandshakeTimeout
	DropTransportError
	DropPeerClosed
	DropOwnerClosed
	DropShutdown
)

func (r DropReason) String() string {
	switch r {
	case DropHandshakeFailed:
		return "handshake_failed"
	case DropHandshakeTimeout:
		return "handshake_timeout"
	case DropTransportError:
		return "transport_error"
	case DropPeerClosed:
		return "peer_closed"
	case DropOwnerClosed:
		return "owner_closed"
	case DropShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("DropReason(%d)", int(r))
	}
}

// Owner is the topic or service entry a link belongs to.
type Owner interface {
	// HeaderReceived is called once when the link becomes Active.
	// Returning an error drops the link.
	HeaderReceived(l *Link, peer Header) error
	// LinkDropped is called exactly once when the link is dropped,
	// including when the handshake fails.
	LinkDropped(l *Link, reason DropReason)
}

// Stats are per-link counters.
type Stats struct {
	BytesReceived    int64
	BytesSent        int64
	MessagesReceived int64
	MessagesSent     int64
	// Drops counts messages discarded locally, e.g. on queue overflow.
	Drops int64
}

type Link struct {
	mgr       *Manager
	conn      *bytecounter.Conn
	createdAt time.Time
	endpoint  string
	outbound  bool

	// set before the link is published to the owner
	id     uint32
	role   PeerRole
	local  Header
	header Header

	mtx   sync.Mutex
	state LinkState
	owner Owner

	writeMtx sync.Mutex

	messagesReceived, messagesSent, drops int64

	dropOnce sync.Once
	done     chan struct{}
}

func newLink(mgr *Manager, conn *bytecounter.Conn, endpoint string, outbound bool) *Link {
	return &Link{
		mgr:       mgr,
		conn:      conn,
		createdAt: time.Now(),
		endpoint:  endpoint,
		outbound:  outbound,
		state:     LinkConnecting,
		done:      make(chan struct{}),
	}
}

// ID is assigned when the header exchange completes. It is 0 before.
func (l *Link) ID() uint32 { return atomic.LoadUint32(&l.id) }

func (l *Link) Role() PeerRole { return l.role }

// Endpoint is the remote address of the link.
func (l *Link) Endpoint() string { return l.endpoint }

func (l *Link) Outbound() bool { return l.outbound }

func (l *Link) TransportType() string { return TransportTCPROS }

// Header returns the header received from the peer.
func (l *Link) Header() Header { return l.header }

func (l *Link) LocalHeader() Header { return l.local }

func (l *Link) CallerID() string { return l.header[HeaderCallerID] }

func (l *Link) State() LinkState {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.state
}

func (l *Link) setState(s LinkState) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.state = s
}

func (l *Link) getOwner() Owner {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.owner
}

func (l *Link) setOwner(o Owner) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.owner = o
}

// Done is closed when the link is dropped.
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) Stats() Stats {
	return Stats{
		BytesReceived:    l.conn.BytesRead(),
		BytesSent:        l.conn.BytesWritten(),
		MessagesReceived: atomic.LoadInt64(&l.messagesReceived),
		MessagesSent:     atomic.LoadInt64(&l.messagesSent),
		Drops:            atomic.LoadInt64(&l.drops),
	}
}

// CountDrop records a message that was discarded locally.
func (l *Link) CountDrop() { atomic.AddInt64(&l.drops, 1) }

// Drop drops the link. Idempotent.
func (l *Link) Drop(reason DropReason) { l.mgr.Drop(l, reason) }

// ReadFrame reads one length-prefixed payload.
func (l *Link) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(l.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > l.mgr.maxFrameLen {
		return nil, errors.Errorf("frame length exceeds max length (%d vs %d)", n, l.mgr.maxFrameLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(l.conn, buf); err != nil {
		return nil, err
	}
	atomic.AddInt64(&l.messagesReceived, 1)
	l.mgr.metrics.bytes.WithLabelValues("in").Add(float64(4 + n))
	return buf, nil
}

// WriteFrame writes one length-prefixed payload. Safe for concurrent use.
func (l *Link) WriteFrame(payload []byte) error {
	return l.writeFrame(nil, payload)
}

func (l *Link) writeFrame(prefix []byte, payload []byte) error {
	buf := make([]byte, 0, len(prefix)+4+len(payload))
	buf = append(buf, prefix...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)

	l.writeMtx.Lock()
	defer l.writeMtx.Unlock()
	if _, err := l.conn.Write(buf); err != nil {
		return err
	}
	atomic.AddInt64(&l.messagesSent, 1)
	l.mgr.metrics.bytes.WithLabelValues("out").Add(float64(len(buf)))
	return nil
}

// WriteServiceResponse writes a service response: one ok byte followed by
// a length-prefixed payload. If ok is false, payload is an error message.
func (l *Link) WriteServiceResponse(ok bool, payload []byte) error {
	var okByte byte
	if ok {
		okByte = 1
	}
	return l.writeFrame([]byte{okByte}, payload)
}

func (l *Link) ReadServiceResponse() (ok bool, payload []byte, err error) {
	var okByte [1]byte
	if _, err := io.ReadFull(l.conn, okByte[:]); err != nil {
		return false, nil, err
	}
	payload, err = l.ReadFrame()
	return okByte[0] == 1, payload, err
}

// ReadLoop calls onFrame for every frame read from the link until reading
// fails, then drops the link.
func (l *Link) ReadLoop(onFrame func(frame []byte)) {
	for {
		frame, err := l.ReadFrame()
		if err != nil {
			select {
			case <-l.done:
				// dropped locally
			default:
				reason := DropTransportError
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					reason = DropPeerClosed
				}
				l.mgr.log.WithError(err).WithField("conn_id", l.ID()).Debug("link read failed")
				l.Drop(reason)
			}
			return
		}
		onFrame(frame)
	}
}

// SetWriteDeadline bounds subsequent writes.
func (l *Link) SetWriteDeadline(t time.Time) error {
	return l.conn.SetWriteDeadline(t)
}

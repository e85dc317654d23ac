package connection

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
)

// Header is the set of key=value fields exchanged once per connection
// before any payload.
//
// Wire format: a little-endian uint32 with the total length of the fields,
// followed by the fields, each a little-endian uint32 length and key=value.
type Header map[string]string

const (
	HeaderCallerID          = "callerid"
	HeaderTopic             = "topic"
	HeaderService           = "service"
	HeaderMD5Sum            = "md5sum"
	HeaderType              = "type"
	HeaderLatching          = "latching"
	HeaderError             = "error"
	HeaderPersistent        = "persistent"
	HeaderTCPNoDelay        = "tcp_nodelay"
	HeaderMessageDefinition = "message_definition"
	HeaderRequestType       = "request_type"
	HeaderResponseType      = "response_type"
	HeaderInfoOnly          = "probe"

	// MD5Any matches every md5sum.
	MD5Any = "*"
)

// A HandshakeError describes an I/O or framing failure during the header
// exchange. It implements net.Error.
type HandshakeError struct {
	msg string
	// If not nil, the underlying IO error that caused the handshake to fail.
	IOError error
}

var _ net.Error = &HandshakeError{}

func (e *HandshakeError) Error() string { return e.msg }

func (e *HandshakeError) Unwrap() error { return e.IOError }

func (e *HandshakeError) Temporary() bool {
	te, ok := e.IOError.(interface{ Temporary() bool })
	return ok && te.Temporary()
}

// If the underlying IOError was net.Error.Timeout(), Timeout() returns that value.
func (e *HandshakeError) Timeout() bool {
	if neterr, ok := e.IOError.(net.Error); ok {
		return neterr.Timeout()
	}
	return false
}

func hsErr(format string, args ...interface{}) *HandshakeError {
	return &HandshakeError{msg: fmt.Sprintf(format, args...)}
}

func hsIOErr(err error, format string, args ...interface{}) *HandshakeError {
	return &HandshakeError{IOError: err, msg: fmt.Sprintf(format, args...)}
}

// Encode renders h in wire format. Fields are sorted by key.
// Only returns *HandshakeError as error.
func (h Header) Encode() ([]byte, error) {
	keys := make([]string, 0, len(h))
	for k := range h {
		if k == "" || strings.Contains(k, "=") {
			return nil, hsErr("invalid header key %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var fields bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		field := k + "=" + h[k]
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(field)))
		fields.Write(lenBuf[:])
		fields.WriteString(field)
	}

	out := make([]byte, 4, 4+fields.Len())
	binary.LittleEndian.PutUint32(out, uint32(fields.Len()))
	return append(out, fields.Bytes()...), nil
}

// DecodeHeader reads one header from r.
// Only returns *HandshakeError as error.
func DecodeHeader(r io.Reader, maxLen uint32) (Header, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, hsIOErr(err, "error reading header length: %s", err)
	}
	total := binary.LittleEndian.Uint32(lenBuf[:])
	if total > maxLen {
		return nil, hsErr("header length exceeds max length (%d vs %d)", total, maxLen)
	}
	buf := make([]byte, total)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, hsIOErr(err, "error reading header body: %s", err)
	}
	return parseFields(buf)
}

func parseFields(buf []byte) (Header, error) {
	h := make(Header)
	for off := 0; off < len(buf); {
		if len(buf)-off < 4 {
			return nil, hsErr("truncated field length at offset %d", off)
		}
		flen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if flen > len(buf)-off {
			return nil, hsErr("field length %d at offset %d exceeds header", flen, off)
		}
		field := string(buf[off : off+flen])
		off += flen
		i := strings.IndexByte(field, '=')
		if i <= 0 {
			return nil, hsErr("malformed header field %q", field)
		}
		h[field[:i]] = field[i+1:]
	}
	return h, nil
}

// Latched reports whether the publisher header marks a latched topic.
func (h Header) Latched() bool {
	return h[HeaderLatching] == "1"
}

// Clone returns a copy of h.
func (h Header) Clone() Header {
	c := make(Header, len(h))
	for k, v := range h {
		c[k] = v
	}
	return c
}

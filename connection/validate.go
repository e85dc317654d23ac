package connection

import (
	"fmt"
)

// PeerRole is the role of the remote end of a link, i.e. the role
// whose header we validate.
type PeerRole int

const (
	PeerPublisher PeerRole = iota
	PeerSubscriber
	PeerServiceClient
	PeerServiceServer
)

func (r PeerRole) String() string {
	switch r {
	case PeerPublisher:
		return "publisher"
	case PeerSubscriber:
		return "subscriber"
	case PeerServiceClient:
		return "service-client"
	case PeerServiceServer:
		return "service-server"
	default:
		return fmt.Sprintf("PeerRole(%d)", int(r))
	}
}

func (r PeerRole) requiredKeys() []string {
	switch r {
	case PeerPublisher:
		return []string{HeaderCallerID, HeaderMD5Sum, HeaderLatching}
	case PeerSubscriber:
		return []string{HeaderCallerID, HeaderTopic, HeaderMD5Sum}
	case PeerServiceClient:
		return []string{HeaderCallerID, HeaderService, HeaderMD5Sum}
	case PeerServiceServer:
		return []string{HeaderCallerID, HeaderMD5Sum}
	default:
		panic(r)
	}
}

// HandshakeValidationError is returned when the peer's header is
// incomplete, incompatible, or carries an error field.
type HandshakeValidationError struct {
	Role     PeerRole
	CallerID string
	Reason   string
}

func (e *HandshakeValidationError) Error() string {
	peer := e.CallerID
	if peer == "" {
		peer = "<unknown>"
	}
	return fmt.Sprintf("invalid %s header from %s: %s", e.Role, peer, e.Reason)
}

// ValidateHeader checks the header received from a peer in the given role
// against the required keys for that role and against the md5sum of the
// local header, if any.
func ValidateHeader(role PeerRole, peer, local Header) error {
	invalid := func(format string, args ...interface{}) error {
		return &HandshakeValidationError{
			Role:     role,
			CallerID: peer[HeaderCallerID],
			Reason:   fmt.Sprintf(format, args...),
		}
	}
	if msg, ok := peer[HeaderError]; ok {
		return invalid("peer reported error: %s", msg)
	}
	for _, key := range role.requiredKeys() {
		if _, ok := peer[key]; !ok {
			return invalid("missing required field %q", key)
		}
	}
	ours, theirs := local[HeaderMD5Sum], peer[HeaderMD5Sum]
	if ours != "" && ours != MD5Any && theirs != MD5Any && ours != theirs {
		return invalid("md5sum mismatch: ours is %s, theirs is %s", ours, theirs)
	}
	return nil
}

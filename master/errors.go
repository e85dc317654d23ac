package master

import (
	"fmt"
)

// MasterUnreachableError is returned when the master could not be reached
// within the retry timeout.
type MasterUnreachableError struct {
	URI      string
	Method   string
	Attempts int
	Err      error
}

func (e *MasterUnreachableError) Error() string {
	return fmt.Sprintf("master %s unreachable: %s: gave up after %d attempts: %s", e.URI, e.Method, e.Attempts, e.Err)
}

func (e *MasterUnreachableError) Unwrap() error { return e.Err }

// ProtocolError is returned when the master answered, but with a malformed
// response or a non-success status code. It is never retried.
type ProtocolError struct {
	Method string
	Code   int
	Msg    string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("master protocol error: %s: %s", e.Method, e.Err)
	}
	return fmt.Sprintf("master protocol error: %s: status %d: %s", e.Method, e.Code, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

const (
	StatusError   = -1
	StatusFailure = 0
	StatusSuccess = 1
)

// ParseResponse splits a [code, statusMessage, payload] response.
func ParseResponse(method string, res interface{}) (code int, msg string, payload interface{}, err error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return 0, "", nil, &ProtocolError{Method: method, Err: fmt.Errorf("expected [code, msg, payload], got %T %v", res, res)}
	}
	code, ok = asInt(arr[0])
	if !ok {
		return 0, "", nil, &ProtocolError{Method: method, Err: fmt.Errorf("status code is %T, not int", arr[0])}
	}
	msg, ok = arr[1].(string)
	if !ok {
		return 0, "", nil, &ProtocolError{Method: method, Err: fmt.Errorf("status message is %T, not string", arr[1])}
	}
	return code, msg, arr[2], nil
}

// Response builds a [code, statusMessage, payload] response, as returned by
// master and slave API methods.
func Response(code int, msg string, payload interface{}) []interface{} {
	return []interface{}{code, msg, payload}
}

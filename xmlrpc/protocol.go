package xmlrpc

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

const xmlHeader = `<?xml version="1.0"?>` + "\n"

// Fault is an XML-RPC fault response.
type Fault struct {
	Code   int
	String string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("xmlrpc fault %d: %s", f.Code, f.String)
}

// MalformedError indicates that the peer sent a message that is not
// valid XML-RPC.
type MalformedError struct {
	Msg string
	Err error
}

func (e *MalformedError) Error() string {
	if e.Err == nil {
		return "malformed xmlrpc message: " + e.Msg
	}
	return fmt.Sprintf("malformed xmlrpc message: %s: %s", e.Msg, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

func malformed(err error, msg string) error {
	return &MalformedError{Msg: msg, Err: err}
}

// EncodeCall renders a <methodCall>.
func EncodeCall(method string, params []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	buf.WriteString("<methodCall><methodName>")
	escape(&buf, method)
	buf.WriteString("</methodName><params>")
	for i, p := range params {
		buf.WriteString("<param>")
		if err := encodeValue(&buf, p); err != nil {
			return nil, errors.Wrapf(err, "param %d", i)
		}
		buf.WriteString("</param>")
	}
	buf.WriteString("</params></methodCall>")
	return buf.Bytes(), nil
}

// EncodeResponse renders a successful <methodResponse> carrying result.
func EncodeResponse(result interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	buf.WriteString("<methodResponse><params><param>")
	if err := encodeValue(&buf, result); err != nil {
		return nil, err
	}
	buf.WriteString("</param></params></methodResponse>")
	return buf.Bytes(), nil
}

func EncodeFault(f *Fault) []byte {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	buf.WriteString("<methodResponse><fault>")
	// cannot fail for these types
	_ = encodeValue(&buf, map[string]interface{}{
		"faultCode":   f.Code,
		"faultString": f.String,
	})
	buf.WriteString("</fault></methodResponse>")
	return buf.Bytes()
}

func parse(r io.Reader, maxLen int64) (*node, error) {
	var root node
	dec := xml.NewDecoder(io.LimitReader(r, maxLen))
	if err := dec.Decode(&root); err != nil {
		return nil, malformed(err, "cannot parse xml")
	}
	return &root, nil
}

func decodeParams(root *node) ([]interface{}, error) {
	params, ok := root.child("params")
	if !ok {
		return nil, nil
	}
	out := make([]interface{}, 0, len(params.Nodes))
	for i := range params.Nodes {
		p := &params.Nodes[i]
		v, ok := p.child("value")
		if p.XMLName.Local != "param" || !ok {
			return nil, malformed(nil, fmt.Sprintf("param %d: expected <param><value>", i))
		}
		d, err := decodeValue(v)
		if err != nil {
			return nil, malformed(err, fmt.Sprintf("param %d", i))
		}
		out = append(out, d)
	}
	return out, nil
}

// DecodeCall parses a <methodCall>.
func DecodeCall(r io.Reader, maxLen int64) (method string, params []interface{}, err error) {
	root, err := parse(r, maxLen)
	if err != nil {
		return "", nil, err
	}
	if root.XMLName.Local != "methodCall" {
		return "", nil, malformed(nil, "expected <methodCall>, got <"+root.XMLName.Local+">")
	}
	name, ok := root.child("methodName")
	if !ok {
		return "", nil, malformed(nil, "missing <methodName>")
	}
	params, err = decodeParams(root)
	return name.Content, params, err
}

// DecodeResponse parses a <methodResponse>. A fault is returned as *Fault.
func DecodeResponse(r io.Reader, maxLen int64) (interface{}, error) {
	root, err := parse(r, maxLen)
	if err != nil {
		return nil, err
	}
	if root.XMLName.Local != "methodResponse" {
		return nil, malformed(nil, "expected <methodResponse>, got <"+root.XMLName.Local+">")
	}
	if fault, ok := root.child("fault"); ok {
		v, ok := fault.child("value")
		if !ok {
			return nil, malformed(nil, "<fault> without <value>")
		}
		d, err := decodeValue(v)
		if err != nil {
			return nil, malformed(err, "fault value")
		}
		m, ok := d.(map[string]interface{})
		if !ok {
			return nil, malformed(nil, "fault value is not a struct")
		}
		code, _ := AsInt(m["faultCode"])
		str, _ := AsString(m["faultString"])
		return nil, &Fault{Code: code, String: str}
	}
	params, err := decodeParams(root)
	if err != nil {
		return nil, err
	}
	if len(params) != 1 {
		return nil, malformed(nil, fmt.Sprintf("expected exactly one response param, got %d", len(params)))
	}
	return params[0], nil
}

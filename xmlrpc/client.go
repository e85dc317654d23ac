package xmlrpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/roscomm/roscomm/util/envconst"
)

// Client invokes methods on the XML-RPC server at a fixed URI.
type Client struct {
	uri        string
	httpClient *http.Client
	maxRespLen int64
}

// NewClient returns a client for uri. If httpClient is nil, a client with
// a per-request timeout of ROSCOMM_XMLRPC_CALL_TIMEOUT is used.
func NewClient(uri string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: envconst.Duration("ROSCOMM_XMLRPC_CALL_TIMEOUT", 60*time.Second),
		}
	}
	return &Client{
		uri:        uri,
		httpClient: httpClient,
		maxRespLen: envconst.Int64("ROSCOMM_XMLRPC_MAX_RESPONSE_LEN", 64<<20),
	}
}

func (c *Client) URI() string { return c.uri }

// Invoke calls method with positional args.
//
// Errors are *Fault if the server answered with a fault, *MalformedError
// if the answer could not be understood, and transport errors otherwise.
func (c *Client) Invoke(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	body, err := EncodeCall(method, args)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot encode call to %q", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid uri %q", c.uri)
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var msg bytes.Buffer
		_, _ = io.CopyN(&msg, resp.Body, 4096)
		return nil, malformed(nil, fmt.Sprintf("http status %d: %s", resp.StatusCode, msg.String()))
	}
	return DecodeResponse(resp.Body, c.maxRespLen)
}

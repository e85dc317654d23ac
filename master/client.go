// Package master implements the node's client side of the master API.
package master

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roscomm/roscomm/logger"
	"github.com/roscomm/roscomm/util/envconst"
	"github.com/roscomm/roscomm/xmlrpc"
)

// Invoker is the RPC transport boundary the client talks through.
// *xmlrpc.Client implements it.
type Invoker interface {
	URI() string
	Invoke(ctx context.Context, method string, args ...interface{}) (interface{}, error)
}

type Client struct {
	log logger.Logger
	rpc Invoker

	retryInterval time.Duration
	lookupCache   *expirable.LRU[string, string]

	mtx          sync.Mutex
	callerID     string
	retryTimeout time.Duration

	metrics struct {
		calls *prometheus.HistogramVec
	}
}

// NewClient returns a client for the master reachable through rpc.
// retryTimeout bounds how long a call keeps retrying while the master is
// unreachable; 0 retries forever.
func NewClient(rpc Invoker, retryTimeout time.Duration, log logger.Logger) *Client {
	c := &Client{
		log:           log,
		rpc:           rpc,
		retryTimeout:  retryTimeout,
		retryInterval: envconst.Duration("ROSCOMM_MASTER_RETRY_INTERVAL", 250*time.Millisecond),
		lookupCache: expirable.NewLRU[string, string](
			envconst.Int("ROSCOMM_MASTER_LOOKUP_CACHE_SIZE", 256), nil,
			envconst.Duration("ROSCOMM_MASTER_LOOKUP_CACHE_TTL", 30*time.Second)),
		callerID: "/unnamed",
	}
	c.metrics.calls = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roscomm",
		Subsystem: "master",
		Name:      "call_duration_seconds",
		Help:      "duration of master API calls including retries",
	}, []string{"method", "outcome"})
	return c
}

// Dial is NewClient over an XML-RPC client for uri.
func Dial(uri string, retryTimeout time.Duration, log logger.Logger) *Client {
	return NewClient(xmlrpc.NewClient(uri, nil), retryTimeout, log)
}

func (c *Client) RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(c.metrics.calls)
}

func (c *Client) URI() string { return c.rpc.URI() }

// SetCallerID sets the node name sent as the first parameter of every call.
func (c *Client) SetCallerID(id string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.callerID = id
}

func (c *Client) CallerID() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.callerID
}

func (c *Client) SetRetryTimeout(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.retryTimeout = d
}

func (c *Client) RetryTimeout() time.Duration {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.retryTimeout
}

// WaitForMaster makes every subsequent call block until the master is
// reachable.
func (c *Client) WaitForMaster() { c.SetRetryTimeout(0) }

// Call invokes method on the master with the caller id prepended to args
// and returns the payload of a successful response.
func (c *Client) Call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	begin := time.Now()
	outcome := "ok"
	defer func() {
		c.metrics.calls.WithLabelValues(method, outcome).Observe(time.Since(begin).Seconds())
	}()

	c.mtx.Lock()
	callerID, retryTimeout := c.callerID, c.retryTimeout
	c.mtx.Unlock()

	log := c.log.WithField("method", method)
	params := append([]interface{}{callerID}, args...)

	var deadline time.Time
	if retryTimeout > 0 {
		deadline = begin.Add(retryTimeout)
	}
	for attempt := 1; ; attempt++ {
		res, err := c.rpc.Invoke(ctx, method, params...)
		if err == nil {
			code, msg, payload, err := ParseResponse(method, res)
			if err != nil {
				outcome = "protocol_error"
				return nil, err
			}
			if code != StatusSuccess {
				outcome = "protocol_error"
				return nil, &ProtocolError{Method: method, Code: code, Msg: msg}
			}
			return payload, nil
		}

		var fault *xmlrpc.Fault
		var malformed *xmlrpc.MalformedError
		if errors.As(err, &fault) || errors.As(err, &malformed) {
			outcome = "protocol_error"
			return nil, &ProtocolError{Method: method, Err: err}
		}
		if ctx.Err() != nil {
			outcome = "canceled"
			return nil, errors.Wrapf(ctx.Err(), "master call %s", method)
		}
		if !deadline.IsZero() && !time.Now().Add(c.retryInterval).Before(deadline) {
			outcome = "unreachable"
			return nil, &MasterUnreachableError{URI: c.rpc.URI(), Method: method, Attempts: attempt, Err: err}
		}
		if attempt == 1 {
			log.WithError(err).Warn("master not reachable, retrying")
		} else {
			log.WithError(err).WithField("attempt", attempt).Debug("master still not reachable")
		}

		t := time.NewTimer(c.retryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
}

func asInt(v interface{}) (int, bool) { return xmlrpc.AsInt(v) }

func asStrings(method string, v interface{}) ([]string, error) {
	s, ok := xmlrpc.AsStrings(v)
	if !ok {
		return nil, &ProtocolError{Method: method, Err: errors.Errorf("expected list of strings, got %T", v)}
	}
	return s, nil
}

func asString(method string, v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", &ProtocolError{Method: method, Err: errors.Errorf("expected string, got %T", v)}
	}
	return s, nil
}

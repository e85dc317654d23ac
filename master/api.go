package master

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// RegisterPublisher registers the caller as publisher of topic and returns
// the XML-RPC URIs of the topic's current subscribers.
func (c *Client) RegisterPublisher(ctx context.Context, topic, datatype, callerURI string) ([]string, error) {
	res, err := c.Call(ctx, "registerPublisher", topic, datatype, callerURI)
	if err != nil {
		return nil, err
	}
	return asStrings("registerPublisher", res)
}

func (c *Client) UnregisterPublisher(ctx context.Context, topic, callerURI string) error {
	_, err := c.Call(ctx, "unregisterPublisher", topic, callerURI)
	return err
}

// RegisterSubscriber registers the caller as subscriber of topic and returns
// the XML-RPC URIs of the topic's current publishers.
func (c *Client) RegisterSubscriber(ctx context.Context, topic, datatype, callerURI string) ([]string, error) {
	res, err := c.Call(ctx, "registerSubscriber", topic, datatype, callerURI)
	if err != nil {
		return nil, err
	}
	return asStrings("registerSubscriber", res)
}

func (c *Client) UnregisterSubscriber(ctx context.Context, topic, callerURI string) error {
	_, err := c.Call(ctx, "unregisterSubscriber", topic, callerURI)
	return err
}

// RegisterService registers serviceURI (rosrpc://host:port) for service.
func (c *Client) RegisterService(ctx context.Context, service, serviceURI, callerURI string) error {
	_, err := c.Call(ctx, "registerService", service, serviceURI, callerURI)
	return err
}

func (c *Client) UnregisterService(ctx context.Context, service, serviceURI string) error {
	_, err := c.Call(ctx, "unregisterService", service, serviceURI)
	return err
}

// LookupNode returns the XML-RPC URI of the named node.
// Results are cached; use InvalidateNode when the URI turns out stale.
func (c *Client) LookupNode(ctx context.Context, name string) (string, error) {
	if uri, ok := c.lookupCache.Get(name); ok {
		return uri, nil
	}
	res, err := c.Call(ctx, "lookupNode", name)
	if err != nil {
		return "", err
	}
	uri, err := asString("lookupNode", res)
	if err != nil {
		return "", err
	}
	c.lookupCache.Add(name, uri)
	return uri, nil
}

func (c *Client) InvalidateNode(name string) {
	c.lookupCache.Remove(name)
}

// LookupService returns the rosrpc URI registered for service.
func (c *Client) LookupService(ctx context.Context, service string) (string, error) {
	res, err := c.Call(ctx, "lookupService", service)
	if err != nil {
		return "", err
	}
	return asString("lookupService", res)
}

// GetURI returns the master's own URI as the master sees it.
func (c *Client) GetURI(ctx context.Context) (string, error) {
	res, err := c.Call(ctx, "getUri")
	if err != nil {
		return "", err
	}
	return asString("getUri", res)
}

// GraphEntry is a topic or service and the nodes participating in it.
type GraphEntry struct {
	Name  string   `mapstructure:"name"`
	Nodes []string `mapstructure:"nodes"`
}

type SystemState struct {
	Publishers  []GraphEntry `mapstructure:"publishers"`
	Subscribers []GraphEntry `mapstructure:"subscribers"`
	Services    []GraphEntry `mapstructure:"services"`
}

func (c *Client) GetSystemState(ctx context.Context) (*SystemState, error) {
	res, err := c.Call(ctx, "getSystemState")
	if err != nil {
		return nil, err
	}
	state, err := decodeSystemState(res)
	if err != nil {
		return nil, &ProtocolError{Method: "getSystemState", Err: err}
	}
	return state, nil
}

// decodeSystemState converts [[[name, [node...]]...] x3] into a SystemState.
func decodeSystemState(res interface{}) (*SystemState, error) {
	lists, ok := res.([]interface{})
	if !ok || len(lists) != 3 {
		return nil, errors.Errorf("expected [publishers, subscribers, services], got %v", res)
	}
	keyed := make(map[string]interface{}, 3)
	for i, key := range []string{"publishers", "subscribers", "services"} {
		entries, ok := lists[i].([]interface{})
		if !ok {
			return nil, errors.Errorf("%s: expected list, got %T", key, lists[i])
		}
		out := make([]map[string]interface{}, 0, len(entries))
		for j, e := range entries {
			pair, ok := e.([]interface{})
			if !ok || len(pair) != 2 {
				return nil, errors.Errorf("%s[%d]: expected [name, nodes]", key, j)
			}
			out = append(out, map[string]interface{}{"name": pair[0], "nodes": pair[1]})
		}
		keyed[key] = out
	}
	var state SystemState
	if err := mapstructure.Decode(keyed, &state); err != nil {
		return nil, errors.Wrap(err, "cannot decode system state")
	}
	return &state, nil
}

func (c *Client) SetParam(ctx context.Context, key string, value interface{}) error {
	_, err := c.Call(ctx, "setParam", key, value)
	return err
}

// GetParam returns the value of key. A missing key is a *ProtocolError
// with a non-success code.
func (c *Client) GetParam(ctx context.Context, key string) (interface{}, error) {
	return c.Call(ctx, "getParam", key)
}

func (c *Client) HasParam(ctx context.Context, key string) (bool, error) {
	res, err := c.Call(ctx, "hasParam", key)
	if err != nil {
		return false, err
	}
	b, ok := res.(bool)
	if !ok {
		return false, &ProtocolError{Method: "hasParam", Err: fmt.Errorf("expected bool, got %T", res)}
	}
	return b, nil
}

func (c *Client) DeleteParam(ctx context.Context, key string) error {
	_, err := c.Call(ctx, "deleteParam", key)
	return err
}

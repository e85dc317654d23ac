// Package mastertest provides an in-memory master for tests.
package mastertest

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/roscomm/roscomm/logger"
	"github.com/roscomm/roscomm/xmlrpc"
)

type registration struct {
	callerID string
	api      string
}

type service struct {
	callerID string
	uri      string
}

// Master implements the registration, lookup and parameter parts of the
// master API and notifies subscribers with publisherUpdate.
type Master struct {
	t      testing.TB
	server *xmlrpc.Server
	http   *httptest.Server

	mtx         sync.Mutex
	calls       map[string]int
	publishers  map[string][]registration
	subscribers map[string][]registration
	topicTypes  map[string]string
	services    map[string]service
	nodes       map[string]string
	params      map[string]interface{}
	notify      bool
	notifyWG    sync.WaitGroup
}

// New starts a master. It is stopped when the test completes.
func New(t testing.TB) *Master {
	m := &Master{
		t:           t,
		server:      xmlrpc.NewServer(logger.NewTestLogger(t).WithField("component", "fakemaster")),
		calls:       make(map[string]int),
		publishers:  make(map[string][]registration),
		subscribers: make(map[string][]registration),
		topicTypes:  make(map[string]string),
		services:    make(map[string]service),
		nodes:       make(map[string]string),
		params:      make(map[string]interface{}),
		notify:      true,
	}
	handlers := map[string]func(params []interface{}) (interface{}, error){
		"registerPublisher":    m.registerPublisher,
		"unregisterPublisher":  m.unregisterPublisher,
		"registerSubscriber":   m.registerSubscriber,
		"unregisterSubscriber": m.unregisterSubscriber,
		"registerService":      m.registerService,
		"unregisterService":    m.unregisterService,
		"lookupNode":           m.lookupNode,
		"lookupService":        m.lookupService,
		"getSystemState":       m.getSystemState,
		"getUri":               m.getURI,
		"setParam":             m.setParam,
		"getParam":             m.getParam,
		"hasParam":             m.hasParam,
		"deleteParam":          m.deleteParam,
	}
	for name, h := range handlers {
		method, err := m.server.CreateMethod(name)
		if err != nil {
			t.Fatal(err)
		}
		name, h := name, h
		method.Bind(func(ctx context.Context, params []interface{}) (interface{}, error) {
			m.mtx.Lock()
			m.calls[name]++
			m.mtx.Unlock()
			if len(params) < 1 {
				return fail("missing caller_id"), nil
			}
			return h(params)
		})
	}
	m.http = httptest.NewServer(m.server)
	t.Cleanup(func() {
		m.http.Close()
		m.notifyWG.Wait()
	})
	return m
}

func (m *Master) URI() string { return m.http.URL + "/" }

// Calls returns how often method was invoked.
func (m *Master) Calls(method string) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.calls[method]
}

// SetNotify enables or disables publisherUpdate calls to subscribers.
func (m *Master) SetNotify(notify bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.notify = notify
}

// AddSubscriber registers a subscriber without going through the API.
func (m *Master) AddSubscriber(topic, callerID, api string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.subscribers[topic] = append(m.subscribers[topic], registration{callerID, api})
	m.nodes[callerID] = api
}

// Publishers returns the APIs of the publishers of topic.
func (m *Master) Publishers(topic string) []string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return apis(m.publishers[topic])
}

func (m *Master) Subscribers(topic string) []string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return apis(m.subscribers[topic])
}

func ok(msg string, payload interface{}) []interface{} {
	return []interface{}{1, msg, payload}
}

func fail(msg string) []interface{} {
	return []interface{}{-1, msg, 0}
}

func apis(regs []registration) []string {
	out := make([]string, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.api)
	}
	return out
}

func stringParams(params []interface{}, n int) ([]string, error) {
	if len(params) != n {
		return nil, fmt.Errorf("expected %d params, got %d", n, len(params))
	}
	out := make([]string, n)
	for i := range params {
		s, isString := params[i].(string)
		if !isString {
			return nil, fmt.Errorf("param %d is %T, not string", i, params[i])
		}
		out[i] = s
	}
	return out, nil
}

func add(regs []registration, r registration) []registration {
	for _, e := range regs {
		if e == r {
			return regs
		}
	}
	return append(regs, r)
}

func remove(regs []registration, callerID, api string) ([]registration, int) {
	out := regs[:0]
	removed := 0
	for _, e := range regs {
		if e.callerID == callerID && e.api == api {
			removed++
			continue
		}
		out = append(out, e)
	}
	return out, removed
}

// callers must hold m.mtx
func (m *Master) notifySubscribers(topic string) {
	if !m.notify {
		return
	}
	pubs := apis(m.publishers[topic])
	for _, sub := range m.subscribers[topic] {
		m.notifyWG.Add(1)
		go func(api string) {
			defer m.notifyWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = xmlrpc.NewClient(api, nil).Invoke(ctx, "publisherUpdate", "/master", topic, pubs)
		}(sub.api)
	}
}

func (m *Master) registerPublisher(params []interface{}) (interface{}, error) {
	p, err := stringParams(params, 4)
	if err != nil {
		return fail(err.Error()), nil
	}
	callerID, topic, datatype, api := p[0], p[1], p[2], p[3]
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.publishers[topic] = add(m.publishers[topic], registration{callerID, api})
	m.topicTypes[topic] = datatype
	m.nodes[callerID] = api
	m.notifySubscribers(topic)
	return ok("registered", apis(m.subscribers[topic])), nil
}

func (m *Master) unregisterPublisher(params []interface{}) (interface{}, error) {
	p, err := stringParams(params, 3)
	if err != nil {
		return fail(err.Error()), nil
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var n int
	m.publishers[p[1]], n = remove(m.publishers[p[1]], p[0], p[2])
	if n > 0 {
		m.notifySubscribers(p[1])
	}
	return ok("unregistered", n), nil
}

func (m *Master) registerSubscriber(params []interface{}) (interface{}, error) {
	p, err := stringParams(params, 4)
	if err != nil {
		return fail(err.Error()), nil
	}
	callerID, topic, datatype, api := p[0], p[1], p[2], p[3]
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.subscribers[topic] = add(m.subscribers[topic], registration{callerID, api})
	if _, found := m.topicTypes[topic]; !found {
		m.topicTypes[topic] = datatype
	}
	m.nodes[callerID] = api
	return ok("subscribed", apis(m.publishers[topic])), nil
}

func (m *Master) unregisterSubscriber(params []interface{}) (interface{}, error) {
	p, err := stringParams(params, 3)
	if err != nil {
		return fail(err.Error()), nil
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var n int
	m.subscribers[p[1]], n = remove(m.subscribers[p[1]], p[0], p[2])
	return ok("unsubscribed", n), nil
}

func (m *Master) registerService(params []interface{}) (interface{}, error) {
	p, err := stringParams(params, 4)
	if err != nil {
		return fail(err.Error()), nil
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.services[p[1]] = service{callerID: p[0], uri: p[2]}
	m.nodes[p[0]] = p[3]
	return ok("registered", 1), nil
}

func (m *Master) unregisterService(params []interface{}) (interface{}, error) {
	p, err := stringParams(params, 3)
	if err != nil {
		return fail(err.Error()), nil
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if s, found := m.services[p[1]]; !found || s.uri != p[2] {
		return ok("not registered", 0), nil
	}
	delete(m.services, p[1])
	return ok("unregistered", 1), nil
}

func (m *Master) lookupNode(params []interface{}) (interface{}, error) {
	p, err := stringParams(params, 2)
	if err != nil {
		return fail(err.Error()), nil
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	api, found := m.nodes[p[1]]
	if !found {
		return fail("unknown node " + p[1]), nil
	}
	return ok("node api", api), nil
}

func (m *Master) lookupService(params []interface{}) (interface{}, error) {
	p, err := stringParams(params, 2)
	if err != nil {
		return fail(err.Error()), nil
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	s, found := m.services[p[1]]
	if !found {
		return fail("no provider for " + p[1]), nil
	}
	return ok("rosrpc URI", s.uri), nil
}

func graph(regs map[string][]registration) []interface{} {
	names := make([]string, 0, len(regs))
	for name, r := range regs {
		if len(r) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]interface{}, 0, len(names))
	for _, name := range names {
		var nodes []interface{}
		for _, r := range regs[name] {
			nodes = append(nodes, r.callerID)
		}
		out = append(out, []interface{}{name, nodes})
	}
	return out
}

func (m *Master) getSystemState(params []interface{}) (interface{}, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	srvs := make(map[string][]registration, len(m.services))
	for name, s := range m.services {
		srvs[name] = []registration{{callerID: s.callerID}}
	}
	return ok("state", []interface{}{graph(m.publishers), graph(m.subscribers), graph(srvs)}), nil
}

func (m *Master) getURI(params []interface{}) (interface{}, error) {
	return ok("", m.URI()), nil
}

func (m *Master) setParam(params []interface{}) (interface{}, error) {
	if len(params) != 3 {
		return fail("expected 3 params"), nil
	}
	key, _ := params[1].(string)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.params[key] = params[2]
	return ok("set", 0), nil
}

func (m *Master) getParam(params []interface{}) (interface{}, error) {
	p, err := stringParams(params, 2)
	if err != nil {
		return fail(err.Error()), nil
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	v, found := m.params[p[1]]
	if !found {
		return fail("parameter " + p[1] + " is not set"), nil
	}
	return ok("", v), nil
}

func (m *Master) hasParam(params []interface{}) (interface{}, error) {
	p, err := stringParams(params, 2)
	if err != nil {
		return fail(err.Error()), nil
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	_, found := m.params[p[1]]
	return ok(p[1], found), nil
}

func (m *Master) deleteParam(params []interface{}) (interface{}, error) {
	p, err := stringParams(params, 2)
	if err != nil {
		return fail(err.Error()), nil
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, found := m.params[p[1]]; !found {
		return fail("parameter " + p[1] + " is not set"), nil
	}
	delete(m.params, p[1])
	return ok("deleted", 0), nil
}

// Package pollmanager runs periodic housekeeping listeners on a single
// goroutine.
//
// Socket readiness is left to the Go runtime: every link has its own reader
// goroutine. What remains of the poll loop is a fixed cadence on which every
// registered listener is invoked once per iteration.
package pollmanager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roscomm/roscomm/logger"
)

// DefaultWallDuration is the default interval between loop iterations.
const DefaultWallDuration = 10 * time.Millisecond

// Listener is invoked once per loop iteration. ctx is done once Shutdown
// has been requested.
type Listener func(ctx context.Context)

type ListenerID uint64

type contextKey struct{ m *Manager }

type Manager struct {
	log  logger.Logger
	wall time.Duration

	mtx       sync.Mutex
	listeners map[ListenerID]Listener
	nextID    ListenerID
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	done      chan struct{}

	wake chan struct{}

	iterations prometheus.Counter
}

func New(log logger.Logger, wallDuration time.Duration) *Manager {
	if wallDuration <= 0 {
		wallDuration = DefaultWallDuration
	}
	m := &Manager{
		log:       log,
		wall:      wallDuration,
		listeners: make(map[ListenerID]Listener),
		wake:      make(chan struct{}, 1),
	}
	m.iterations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roscomm",
		Subsystem: "poll",
		Name:      "iterations_total",
		Help:      "number of poll loop iterations",
	})
	return m
}

func (m *Manager) RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(m.iterations)
}

func (m *Manager) WallDuration() time.Duration { return m.wall }

// AddListener registers fn. Listeners are invoked in registration order.
func (m *Manager) AddListener(fn Listener) ListenerID {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.nextID++
	m.listeners[m.nextID] = fn
	return m.nextID
}

// RemoveListener unregisters id. An invocation that is already running
// completes. Unknown ids are ignored.
func (m *Manager) RemoveListener(id ListenerID) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.listeners, id)
}

func (m *Manager) getListener(id ListenerID) (Listener, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	l, ok := m.listeners[id]
	return l, ok
}

func (m *Manager) listenerIDs() []ListenerID {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	ids := make([]ListenerID, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Signal wakes the loop for an early iteration.
func (m *Manager) Signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) Start() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.stopped {
		return errors.New("poll manager is shut down")
	}
	if m.started {
		return nil
	}
	m.started = true
	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, contextKey{m}, true)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	return nil
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	m.log.WithField("wall_duration", m.wall.String()).Debug("poll loop started")
	timer := time.NewTimer(m.wall)
	defer timer.Stop()
	for {
		for _, id := range m.listenerIDs() {
			if ctx.Err() != nil {
				break
			}
			if l, ok := m.getListener(id); ok {
				m.invoke(ctx, id, l)
			}
		}
		m.iterations.Inc()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.wall)
		select {
		case <-ctx.Done():
			m.log.Debug("poll loop stopped")
			return
		case <-m.wake:
		case <-timer.C:
		}
	}
}

func (m *Manager) invoke(ctx context.Context, id ListenerID, l Listener) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("listener", uint64(id)).WithField("panic", r).Error("poll listener panicked")
		}
	}()
	l(ctx)
}

// InLoop reports whether ctx is the context handed to listeners of m.
func (m *Manager) InLoop(ctx context.Context) bool {
	v, _ := ctx.Value(contextKey{m}).(bool)
	return v
}

// Shutdown stops the loop. When called with a listener's ctx, the
// remaining listeners of the current iteration are skipped and Shutdown
// returns without waiting for the loop. Otherwise it waits until the loop
// has exited. In both cases, no listener starts after Shutdown returns.
// Idempotent.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mtx.Lock()
	m.stopped = true
	cancel, done := m.cancel, m.done
	m.mtx.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if m.InLoop(ctx) {
		return
	}
	<-done
}

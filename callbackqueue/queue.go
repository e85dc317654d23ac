// Package callbackqueue decouples network goroutines from user callbacks.
//
// Producers Enqueue closures tagged with an OwnerID. Consumers (CallOne,
// CallAvailable, Spin) dequeue them in enqueue order. A queue starts
// disabled: entries can be enqueued but are not dequeued until Enable.
package callbackqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roscomm/roscomm/logger"
	"github.com/roscomm/roscomm/util/chainlock"
)

type Callback func(ctx context.Context) error

// OwnerID tags entries so they can be evicted in bulk when their owner
// (a subscription, a service server) is torn down.
type OwnerID uint64

var lastOwnerID uint64

// NewOwnerID returns a process-unique OwnerID.
func NewOwnerID() OwnerID {
	return OwnerID(atomic.AddUint64(&lastOwnerID, 1))
}

type CallResult int

const (
	Called CallResult = iota
	Empty
	Disabled
)

func (r CallResult) String() string {
	switch r {
	case Called:
		return "called"
	case Empty:
		return "empty"
	case Disabled:
		return "disabled"
	default:
		return fmt.Sprintf("CallResult(%d)", int(r))
	}
}

type entry struct {
	cb         Callback
	owner      OwnerID
	enqueuedAt time.Time
}

type Queue struct {
	log logger.Logger

	mtx     *chainlock.L
	entries []*entry
	// dequeued by a consumer but not started yet
	inflight map[*entry]struct{}
	enabled  bool
	// closed and replaced whenever entries or enabled change
	changed chan struct{}

	metrics struct {
		depth   prometheus.Gauge
		calls   *prometheus.CounterVec
		latency prometheus.Histogram
		evicted prometheus.Counter
	}
}

func New(log logger.Logger) *Queue {
	q := &Queue{
		log:      log,
		mtx:      chainlock.New(),
		inflight: make(map[*entry]struct{}),
		changed:  make(chan struct{}),
	}
	q.metrics.depth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "roscomm",
		Subsystem: "cbqueue",
		Name:      "depth",
		Help:      "number of pending callbacks",
	})
	q.metrics.calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roscomm",
		Subsystem: "cbqueue",
		Name:      "calls_total",
		Help:      "number of executed callbacks by outcome",
	}, []string{"outcome"})
	q.metrics.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "roscomm",
		Subsystem: "cbqueue",
		Name:      "queue_latency_seconds",
		Help:      "time between enqueue and start of execution",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
	q.metrics.evicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roscomm",
		Subsystem: "cbqueue",
		Name:      "evicted_total",
		Help:      "number of callbacks discarded by Clear or RemoveByOwner",
	})
	return q
}

func (q *Queue) RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(q.metrics.depth)
	registerer.MustRegister(q.metrics.calls)
	registerer.MustRegister(q.metrics.latency)
	registerer.MustRegister(q.metrics.evicted)
}

// must hold q.mtx
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
	q.metrics.depth.Set(float64(len(q.entries)))
}

// Enqueue appends cb. Safe for concurrent use, also while disabled.
func (q *Queue) Enqueue(cb Callback, owner OwnerID) {
	defer q.mtx.Lock().Unlock()
	q.entries = append(q.entries, &entry{cb: cb, owner: owner, enqueuedAt: time.Now()})
	q.notifyLocked()
}

// RemoveByOwner evicts every entry tagged with owner that has not started
// yet, including entries a consumer has dequeued but not invoked. No such
// entry starts after RemoveByOwner returns. Running entries complete.
func (q *Queue) RemoveByOwner(owner OwnerID) {
	defer q.mtx.Lock().Unlock()
	kept := q.entries[:0]
	evicted := 0
	for _, e := range q.entries {
		if e.owner == owner {
			evicted++
			continue
		}
		kept = append(kept, e)
	}
	for e := range q.inflight {
		if e.owner == owner {
			delete(q.inflight, e)
			evicted++
		}
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	if evicted > 0 {
		q.metrics.evicted.Add(float64(evicted))
		q.notifyLocked()
	}
}

func (q *Queue) Enable() {
	defer q.mtx.Lock().Unlock()
	if !q.enabled {
		q.enabled = true
		q.notifyLocked()
	}
}

// Disable stops dequeuing. Pending entries are kept.
func (q *Queue) Disable() {
	defer q.mtx.Lock().Unlock()
	if q.enabled {
		q.enabled = false
		q.notifyLocked()
	}
}

func (q *Queue) IsEnabled() bool {
	defer q.mtx.Lock().Unlock()
	return q.enabled
}

// Clear discards every entry that has not started, like RemoveByOwner
// for all owners.
func (q *Queue) Clear() {
	defer q.mtx.Lock().Unlock()
	n := len(q.entries) + len(q.inflight)
	if n == 0 {
		return
	}
	q.metrics.evicted.Add(float64(n))
	q.entries = nil
	q.inflight = make(map[*entry]struct{})
	q.notifyLocked()
}

func (q *Queue) Len() int {
	defer q.mtx.Lock().Unlock()
	return len(q.entries)
}

// dequeue pops the head entry. If there is none, it returns the channel
// that is closed on the next change.
func (q *Queue) dequeue() (e *entry, res CallResult, changed <-chan struct{}) {
	defer q.mtx.Lock().Unlock()
	if !q.enabled {
		return nil, Disabled, q.changed
	}
	if len(q.entries) == 0 {
		return nil, Empty, q.changed
	}
	e = q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]
	q.inflight[e] = struct{}{}
	q.metrics.depth.Set(float64(len(q.entries)))
	return e, Called, nil
}

// start claims a dequeued entry. It fails if the entry was evicted since.
func (q *Queue) start(e *entry) bool {
	defer q.mtx.Lock().Unlock()
	if _, ok := q.inflight[e]; !ok {
		return false
	}
	delete(q.inflight, e)
	return true
}

// invoke runs a dequeued entry unless it was evicted. It reports whether
// the callback ran.
func (q *Queue) invoke(ctx context.Context, e *entry) bool {
	if !q.start(e) {
		return false
	}
	q.metrics.latency.Observe(time.Since(e.enqueuedAt).Seconds())
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			q.log.WithField("owner", uint64(e.owner)).WithField("panic", fmt.Sprint(r)).
				WithField("stack", string(debug.Stack())).Error("callback panicked")
		}
		q.metrics.calls.WithLabelValues(outcome).Inc()
	}()
	if err := e.cb(ctx); err != nil {
		outcome = "error"
		q.log.WithError(err).WithField("owner", uint64(e.owner)).Error("callback failed")
	}
	return true
}

// CallOne runs the head entry, waiting up to timeout for one to arrive.
// A zero timeout does not wait.
func (q *Queue) CallOne(ctx context.Context, timeout time.Duration) CallResult {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		e, res, changed := q.dequeue()
		switch res {
		case Called:
			if q.invoke(ctx, e) {
				return Called
			}
			continue
		case Disabled:
			return Disabled
		}
		select {
		case <-changed:
		case <-timer.C:
			return Empty
		case <-ctx.Done():
			return Empty
		}
	}
}

// CallAvailable waits up to timeout for the queue to become non-empty, then
// runs the entries that were pending at that point. It returns the number of
// entries run. Entries evicted while CallAvailable runs are skipped.
func (q *Queue) CallAvailable(ctx context.Context, timeout time.Duration) int {
	if q.CallOne(ctx, timeout) != Called {
		return 0
	}
	n := 1
	budget := q.Len()
	for ; budget > 0; budget-- {
		e, res, _ := q.dequeue()
		if res != Called {
			break
		}
		if q.invoke(ctx, e) {
			n++
		}
	}
	return n
}

// Spin runs threads consumers until ctx is done. With threads == 1 callbacks
// execute strictly in enqueue order. With more, they are dequeued in order
// but may overlap.
func (q *Queue) Spin(ctx context.Context, threads int) {
	if threads < 1 {
		threads = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				e, res, changed := q.dequeue()
				if res == Called {
					q.invoke(ctx, e)
					continue
				}
				select {
				case <-changed:
				case <-ctx.Done():
				}
			}
		}()
	}
	wg.Wait()
}

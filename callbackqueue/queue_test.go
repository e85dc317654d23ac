package callbackqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roscomm/roscomm/logger"
)

func record(mtx *sync.Mutex, out *[]int, i int) Callback {
	return func(ctx context.Context) error {
		mtx.Lock()
		defer mtx.Unlock()
		*out = append(*out, i)
		return nil
	}
}

func TestFIFO(t *testing.T) {
	q := New(logger.NewTestLogger(t))
	q.Enable()
	var mtx sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		q.Enqueue(record(&mtx, &got, i), 1)
	}
	assert.Equal(t, 100, q.CallAvailable(context.Background(), 0))
	require.Len(t, got, 100)
	for i := range got {
		assert.Equal(t, i, got[i])
	}
	assert.Equal(t, Empty, q.CallOne(context.Background(), 0))
}

func TestStartsDisabled_EnqueueKeepsEntries(t *testing.T) {
	q := New(logger.NewTestLogger(t))
	var mtx sync.Mutex
	var got []int
	q.Enqueue(record(&mtx, &got, 1), 1)
	q.Enqueue(record(&mtx, &got, 2), 1)

	assert.False(t, q.IsEnabled())
	assert.Equal(t, Disabled, q.CallOne(context.Background(), 10*time.Millisecond))
	assert.Equal(t, 2, q.Len())

	q.Enable()
	q.Enable()
	assert.Equal(t, Called, q.CallOne(context.Background(), 0))
	q.Disable()
	q.Disable()
	assert.Equal(t, Disabled, q.CallOne(context.Background(), 0))
	assert.Equal(t, []int{1}, got)
	assert.Equal(t, 1, q.Len())
}

func TestClear(t *testing.T) {
	q := New(logger.NewTestLogger(t))
	var called int32
	for i := 0; i < 10; i++ {
		q.Enqueue(func(ctx context.Context) error {
			atomic.AddInt32(&called, 1)
			return nil
		}, 1)
	}
	q.Clear()
	q.Clear()
	q.Enable()
	assert.Equal(t, Empty, q.CallOne(context.Background(), 0))
	assert.Zero(t, atomic.LoadInt32(&called))
	assert.Equal(t, 10.0, testutil.ToFloat64(q.metrics.evicted))
}

func TestCallOne_WaitsForEnqueue(t *testing.T) {
	q := New(logger.NewTestLogger(t))
	q.Enable()
	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Enqueue(func(ctx context.Context) error {
			close(done)
			return nil
		}, 1)
	}()
	assert.Equal(t, Called, q.CallOne(context.Background(), 5*time.Second))
	<-done
}

func TestErrorsAndPanicsDoNotStopTheQueue(t *testing.T) {
	q := New(logger.NewTestLogger(t))
	q.Enable()
	var ran int32
	q.Enqueue(func(ctx context.Context) error { return errors.New("callback error") }, 1)
	q.Enqueue(func(ctx context.Context) error { panic("callback panic") }, 1)
	q.Enqueue(func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, 1)
	assert.Equal(t, 3, q.CallAvailable(context.Background(), 0))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	assert.Equal(t, 1.0, testutil.ToFloat64(q.metrics.calls.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(q.metrics.calls.WithLabelValues("panic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(q.metrics.calls.WithLabelValues("ok")))
}

func TestRemoveByOwner_PendingEntriesNeverRun(t *testing.T) {
	q := New(logger.NewTestLogger(t))
	q.Enable()

	const a, b OwnerID = 1, 2
	var ranA, ranB int32
	blockB := make(chan struct{})
	inB := make(chan struct{})
	q.Enqueue(func(ctx context.Context) error {
		close(inB)
		<-blockB
		atomic.AddInt32(&ranB, 1)
		return nil
	}, b)
	for i := 0; i < 50; i++ {
		q.Enqueue(func(ctx context.Context) error {
			atomic.AddInt32(&ranA, 1)
			return nil
		}, a)
		q.Enqueue(func(ctx context.Context) error {
			atomic.AddInt32(&ranB, 1)
			return nil
		}, b)
	}

	ctx, cancel := context.WithCancel(context.Background())
	spinDone := make(chan struct{})
	go func() {
		defer close(spinDone)
		q.Spin(ctx, 1)
	}()
	<-inB

	q.RemoveByOwner(a)
	close(blockB)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ranB) == 51 }, 5*time.Second, time.Millisecond)
	cancel()
	<-spinDone

	assert.Zero(t, atomic.LoadInt32(&ranA))
	assert.Zero(t, q.Len())
}

func TestRemoveByOwner_DequeuedEntryDoesNotStart(t *testing.T) {
	q := New(logger.NewTestLogger(t))
	q.Enable()
	ctx := context.Background()

	const a, b OwnerID = 1, 2
	var ranA, ranB int32
	q.Enqueue(func(ctx context.Context) error {
		atomic.AddInt32(&ranA, 1)
		return nil
	}, a)
	q.Enqueue(func(ctx context.Context) error {
		atomic.AddInt32(&ranB, 1)
		return nil
	}, b)

	// a consumer dequeued the entry of a but was preempted before running it
	e, res, _ := q.dequeue()
	require.Equal(t, Called, res)
	q.RemoveByOwner(a)
	assert.False(t, q.invoke(ctx, e))
	assert.Zero(t, atomic.LoadInt32(&ranA))
	assert.Equal(t, float64(1), testutil.ToFloat64(q.metrics.evicted))

	// entries of other owners are unaffected
	assert.Equal(t, Called, q.CallOne(ctx, 0))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ranB))
}

func TestClear_DequeuedEntryDoesNotStart(t *testing.T) {
	q := New(logger.NewTestLogger(t))
	q.Enable()
	var ran int32
	q.Enqueue(func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, 1)

	e, res, _ := q.dequeue()
	require.Equal(t, Called, res)
	q.Clear()
	assert.False(t, q.invoke(context.Background(), e))
	assert.Zero(t, atomic.LoadInt32(&ran))
}

func TestRemoveByOwner_ConcurrentProducers(t *testing.T) {
	q := New(logger.NewNullLogger())
	q.Enable()

	const a OwnerID = 1
	const threads = 4
	var ranA int32
	for i := 0; i < 1000; i++ {
		q.Enqueue(func(ctx context.Context) error {
			atomic.AddInt32(&ranA, 1)
			return nil
		}, a)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Spin(ctx, threads)
	}()
	stopProducers := make(chan struct{})
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(owner OwnerID) {
			defer wg.Done()
			for {
				select {
				case <-stopProducers:
					return
				default:
				}
				q.Enqueue(func(ctx context.Context) error { return nil }, owner)
			}
		}(OwnerID(10 + p))
	}

	time.Sleep(time.Millisecond)
	q.RemoveByOwner(a)
	after := atomic.LoadInt32(&ranA)
	close(stopProducers)
	require.Eventually(t, func() bool { return q.Len() == 0 }, 5*time.Second, time.Millisecond)
	cancel()
	wg.Wait()

	// only entries already dequeued by a consumer may still finish
	assert.LessOrEqual(t, atomic.LoadInt32(&ranA)-after, int32(threads))
}

func TestSpin_StopsOnCancel(t *testing.T) {
	q := New(logger.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Spin(ctx, 2)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Spin did not return after cancel")
	}
}

func TestNewOwnerID_Unique(t *testing.T) {
	a, b := NewOwnerID(), NewOwnerID()
	assert.NotEqual(t, a, b)
	assert.Greater(t, b, a)
}

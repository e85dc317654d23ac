package pollmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roscomm/roscomm/logger"
)

func TestListenersInvokedEveryIteration(t *testing.T) {
	m := New(logger.NewTestLogger(t), time.Millisecond)
	var mtx sync.Mutex
	var order []int
	m.AddListener(func(ctx context.Context) {
		mtx.Lock()
		defer mtx.Unlock()
		order = append(order, 1)
	})
	m.AddListener(func(ctx context.Context) {
		mtx.Lock()
		defer mtx.Unlock()
		order = append(order, 2)
	})
	require.NoError(t, m.Start())
	require.NoError(t, m.Start())
	require.Eventually(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return len(order) >= 10
	}, 5*time.Second, time.Millisecond)
	m.Shutdown(context.Background())

	mtx.Lock()
	defer mtx.Unlock()
	for i := 0; i+1 < len(order); i += 2 {
		assert.Equal(t, []int{1, 2}, order[i:i+2])
	}
}

func TestNoInvocationAfterShutdown(t *testing.T) {
	m := New(logger.NewTestLogger(t), time.Millisecond)
	var calls int64
	m.AddListener(func(ctx context.Context) { atomic.AddInt64(&calls, 1) })
	require.NoError(t, m.Start())
	require.Eventually(t, func() bool { return atomic.LoadInt64(&calls) > 0 }, 5*time.Second, time.Millisecond)

	m.Shutdown(context.Background())
	m.Shutdown(context.Background())
	after := atomic.LoadInt64(&calls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt64(&calls))
	assert.Error(t, m.Start())
}

func TestShutdownFromListener(t *testing.T) {
	m := New(logger.NewTestLogger(t), time.Millisecond)
	var second int64
	returned := make(chan struct{})
	m.AddListener(func(ctx context.Context) {
		assert.True(t, m.InLoop(ctx))
		m.Shutdown(ctx)
		select {
		case <-returned:
		default:
			close(returned)
		}
	})
	m.AddListener(func(ctx context.Context) { atomic.AddInt64(&second, 1) })
	require.NoError(t, m.Start())

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown called from a listener must not wait for the loop")
	}
	m.Shutdown(context.Background())
	assert.Zero(t, atomic.LoadInt64(&second), "remaining listeners of the iteration are skipped")
	assert.False(t, m.InLoop(context.Background()))
}

func TestRemoveListenerAndSignal(t *testing.T) {
	m := New(logger.NewTestLogger(t), time.Hour)
	assert.Equal(t, time.Hour, m.WallDuration())
	var a, b int64
	idA := m.AddListener(func(ctx context.Context) { atomic.AddInt64(&a, 1) })
	m.AddListener(func(ctx context.Context) { atomic.AddInt64(&b, 1) })
	require.NoError(t, m.Start())
	defer m.Shutdown(context.Background())

	require.Eventually(t, func() bool { return atomic.LoadInt64(&b) == 1 }, 5*time.Second, time.Millisecond)
	m.RemoveListener(idA)
	m.RemoveListener(idA)
	m.Signal()
	require.Eventually(t, func() bool { return atomic.LoadInt64(&b) == 2 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&a))
}

func TestShutdownBeforeStart(t *testing.T) {
	m := New(logger.NewTestLogger(t), 0)
	assert.Equal(t, DefaultWallDuration, m.WallDuration())
	m.Shutdown(context.Background())
	assert.Error(t, m.Start())
}

func TestListenerPanicIsContained(t *testing.T) {
	m := New(logger.NewTestLogger(t), time.Millisecond)
	var after int64
	m.AddListener(func(ctx context.Context) { panic("listener panic") })
	m.AddListener(func(ctx context.Context) { atomic.AddInt64(&after, 1) })
	require.NoError(t, m.Start())
	require.Eventually(t, func() bool { return atomic.LoadInt64(&after) >= 2 }, 5*time.Second, time.Millisecond)
	m.Shutdown(context.Background())
}

package semaphore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphore(t *testing.T) {
	const numGoroutines = 10
	const concurrentSemaphore = 5
	const holdTime = 200 * time.Millisecond

	sem := New(concurrentSemaphore)

	var inside, maxInside int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			g, err := sem.Acquire(context.Background())
			require.NoError(t, err)
			defer g.Release()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(holdTime)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxInside, int32(concurrentSemaphore))
}

func TestTryAcquireAndDoubleRelease(t *testing.T) {
	sem := New(1)
	g := sem.TryAcquire()
	require.NotNil(t, g)
	assert.Nil(t, sem.TryAcquire())
	g.Release()
	g.Release()
	g2 := sem.TryAcquire()
	require.NotNil(t, g2)
	assert.Nil(t, sem.TryAcquire(), "double release must not free a second slot")
	g2.Release()
}

func TestAcquireCanceled(t *testing.T) {
	sem := New(1)
	g := sem.TryAcquire()
	require.NotNil(t, g)
	defer g.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sem.Acquire(ctx)
	assert.Error(t, err)
}

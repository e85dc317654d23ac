package semaphore

import (
	"context"

	wsemaphore "golang.org/x/sync/semaphore"
)

type S struct {
	max int64
	ws  *wsemaphore.Weighted
}

func New(max int64) *S {
	return &S{max, wsemaphore.NewWeighted(max)}
}

func (s *S) Max() int64 { return s.max }

type AcquireGuard struct {
	s        *S
	released bool
}

// The returned AcquireGuard is not goroutine-safe.
func (s *S) Acquire(ctx context.Context) (*AcquireGuard, error) {
	if err := s.ws.Acquire(ctx, 1); err != nil {
		return nil, err
	} else if err := ctx.Err(); err != nil {
		s.ws.Release(1)
		return nil, err
	}
	return &AcquireGuard{s, false}, nil
}

// TryAcquire returns nil if no slot is available.
func (s *S) TryAcquire() *AcquireGuard {
	if !s.ws.TryAcquire(1) {
		return nil
	}
	return &AcquireGuard{s, false}
}

func (g *AcquireGuard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	g.s.ws.Release(1)
}

package asyncx

import (
	"context"
	"sync"
)

// Pool bounds the number of tasks running concurrently. It exists for the
// deliberately slow work in this service: bcrypt verification takes tens of
// milliseconds by design, so a login flood must queue rather than spawn an
// unbounded goroutine per request.
type Pool struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

// NewPool creates a pool with the given number of concurrent slots.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Submit runs fn synchronously once a slot is free, or returns ctx.Err() if
// the context expires while waiting. The caller observes fn's result.
func (p *Pool) Submit(ctx context.Context, fn func() error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.wg.Add(1)
	defer func() {
		<-p.slots
		p.wg.Done()
	}()
	return fn()
}

// Wait blocks until all in-flight tasks have finished.
func (p *Pool) Wait() { p.wg.Wait() }

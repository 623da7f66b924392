package client

import (
	"context"
	"sync"
)

// Flight coalesces concurrent executions of the same keyed async operation:
// at most one underlying execution per key, with every concurrent caller
// observing the same result. Once the operation settles the slot is cleared,
// so a later call starts a fresh attempt.
//
// The flight itself never times out; the operation must carry its own bounded
// deadline (see TokenManager.Refresh) so that waiters are always released.
type Flight struct {
	mu       sync.Mutex
	inflight map[string]*flightCall
}

type flightCall struct {
	done chan struct{}
	val  any
	err  error
}

// NewFlight creates an empty single-flight group.
func NewFlight() *Flight {
	return &Flight{inflight: make(map[string]*flightCall)}
}

// Run executes op under key. If an execution for key is already in flight,
// the caller attaches to it and receives that execution's result instead of
// starting a second one. A waiter whose ctx is cancelled detaches with
// ctx.Err(); the shared execution keeps running for the remaining waiters.
func (f *Flight) Run(ctx context.Context, key string, op func() (any, error)) (any, error) {
	f.mu.Lock()
	if call, ok := f.inflight[key]; ok {
		f.mu.Unlock()
		select {
		case <-call.done:
			return call.val, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call := &flightCall{done: make(chan struct{})}
	f.inflight[key] = call
	f.mu.Unlock()

	call.val, call.err = op()

	// Clear the slot before releasing waiters so that a caller arriving
	// after completion starts a new attempt rather than reading a stale one.
	f.mu.Lock()
	delete(f.inflight, key)
	f.mu.Unlock()
	close(call.done)

	return call.val, call.err
}

package broker

import (
	"context"
	"encoding/json"
	"sync"
)

// Result is the outcome of a correlated transaction.
type Result struct {
	Payload json.RawMessage
	Err     error
}

// Future is resolved exactly once by the broker.
type Future struct {
	tx   string
	done chan struct{}
	once sync.Once
	res  Result
}

func newFuture(tx string) *Future {
	return &Future{tx: tx, done: make(chan struct{})}
}

func (f *Future) Transaction() string { return f.tx }

func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) resolve(r Result) bool {
	ok := false
	f.once.Do(func() {
		f.res = r
		close(f.done)
		ok = true
	})
	return ok
}

// Result returns the outcome if the future is resolved.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return Result{}, false
	}
}

// Wait blocks until resolution or ctx end. ctx ending does not cancel the
// transaction; the broker deadline still applies.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.res.Payload, f.res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Then runs fn on its own goroutine once the future resolves.
func (f *Future) Then(fn func(Result)) {
	go func() {
		<-f.done
		fn(f.res)
	}()
}

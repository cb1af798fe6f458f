package processes

import (
	"context"

	"github.com/tomyedwab/sqlworker/sqlproxy/types"
)

// Call is a request sent to a worker. It settles exactly once, with either a
// result or an error.
type Call struct {
	ID     int64
	Method string

	done   chan struct{}
	result *types.Result
	err    error
}

func newCall(id int64, method string) *Call {
	return &Call{ID: id, Method: method, done: make(chan struct{})}
}

// failedCall returns a Call that is already settled with err.
func failedCall(method string, err error) *Call {
	c := newCall(0, method)
	c.settle(nil, err)
	return c
}

// settle must be called at most once; the pending table guarantees that.
func (c *Call) settle(result *types.Result, err error) {
	c.result, c.err = result, err
	close(c.done)
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result blocks until the call settles.
func (c *Call) Result() (*types.Result, error) {
	<-c.done
	return c.result, c.err
}

// Wait blocks until the call settles or ctx is done. Giving up on a call
// does not cancel it on the worker.
func (c *Call) Wait(ctx context.Context) (*types.Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

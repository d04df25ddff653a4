package transport

import (
	"context"
	"sync/atomic"
	"time"
)

type state int32

const (
	statePending state = iota
	stateSucceeded
	stateFailed
	stateCancelled
)

// Pending is the handle of one in-flight request. It reaches exactly one
// terminal outcome: success, failure, or cancellation.
type Pending struct {
	// ID uniquely identifies this request within its Transport.
	ID uint64
	// Request is the request this handle was created for.
	Request Request

	t      *Transport
	cancel context.CancelFunc
	start  time.Time

	state atomic.Int32
	done  chan struct{}

	// body and err are written once before done is closed.
	body []byte
	err  error
}

// Done returns a channel that is closed when the request reaches its
// terminal outcome.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome of the request. It must only be called after
// Done is closed.
func (p *Pending) Result() ([]byte, error) {
	return p.body, p.err
}

// Wait waits for the terminal outcome. If ctx expires first, the request is
// cancelled (or, on deadline, failed as a timeout) and the resulting
// outcome is returned.
func (p *Pending) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		kind := KindCancelled
		st := stateCancelled
		if ctx.Err() == context.DeadlineExceeded {
			kind, st = KindTransport, stateFailed
		}
		p.finish(st, nil, &Error{
			Kind: kind, Method: p.Request.Method, URL: p.Request.Path, Err: ctx.Err(),
		})
		<-p.done
	}
	return p.body, p.err
}

// Cancel cancels the request. It returns false if the request had already
// completed, in which case its outcome is left untouched.
func (p *Pending) Cancel() bool {
	return p.finish(stateCancelled, nil, &Error{
		Kind: KindCancelled, Method: p.Request.Method, URL: p.Request.Path, Err: context.Canceled,
	})
}

// Cancelled returns true if the request ended because it was cancelled.
func (p *Pending) Cancelled() bool {
	return state(p.state.Load()) == stateCancelled
}

// finish moves p to a terminal state. Only the first call has any effect.
func (p *Pending) finish(s state, body []byte, err error) bool {
	if !p.state.CompareAndSwap(int32(statePending), int32(s)) {
		return false
	}
	p.body, p.err = body, err
	p.t.forget(p)
	close(p.done)
	// Aborts the HTTP exchange, if it is still running.
	p.cancel()
	recordOutcome(p, s)
	return true
}

package control

import "context"

// Result is the outcome of an operation run with Async: either a value or
// a categorized error.
type Result[T any] struct {
	Value T
	Err   error
}

// Async runs fn in a new goroutine and delivers its single outcome on the
// returned channel, which is then closed. The channel is buffered, so the
// goroutine never leaks if nobody reads the result.
//
//	ch := control.Async(ctx, client.GetQoSParams)
//	r := <-ch
func Async[T any](ctx context.Context, fn func(context.Context) (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	go func() {
		defer close(ch)
		v, err := fn(ctx)
		ch <- Result[T]{Value: v, Err: err}
	}()
	return ch
}

package control

import (
	"fmt"
)

// Emitter is an interface for observing a Client's operations.
type Emitter interface {
	// OnStateChange is called on every state transition of an operation.
	OnStateChange(op string, from, to State)
	// OnDispatch is called when an operation issues a request.
	OnDispatch(op, endpoint string)
	// OnError is called when an operation fails or is cancelled.
	OnError(op string, err error)
	// OnDebug is called to print debug information.
	OnDebug(msg string)
}

// HumanReadable prints human-readable output to stdout.
// It can be configured to include debug output, too.
type HumanReadable struct {
	Debug bool
}

// OnStateChange prints the terminal state of each operation, and every
// transition in debug mode.
func (e HumanReadable) OnStateChange(op string, from, to State) {
	if e.Debug {
		fmt.Printf("DEBUG: %s: %s -> %s\n", op, from, to)
		return
	}
	if to.Terminal() {
		fmt.Printf("%s %s\n", op, to)
	}
}

// OnDispatch prints the endpoint an operation is talking to.
func (e HumanReadable) OnDispatch(op, endpoint string) {
	if e.Debug {
		fmt.Printf("DEBUG: %s: dispatching to %s\n", op, endpoint)
	}
}

// OnError is called on errors.
func (HumanReadable) OnError(op string, err error) {
	fmt.Printf("%s: %s error: %v\n", op, KindOf(err), err)
}

// OnDebug is called to print debug information.
func (e HumanReadable) OnDebug(msg string) {
	if e.Debug {
		fmt.Printf("DEBUG: %s\n", msg)
	}
}

// Discard is an Emitter that ignores everything.
type Discard struct{}

func (Discard) OnStateChange(string, State, State) {}
func (Discard) OnDispatch(string, string)          {}
func (Discard) OnError(string, error)              {}
func (Discard) OnDebug(string)                     {}

// Checks that HumanReadable and Discard implement Emitter.
var (
	_ Emitter = &HumanReadable{}
	_ Emitter = Discard{}
)

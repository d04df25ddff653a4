package control

import (
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

// State is the state of a single operation invocation.
type State int

const (
	// StateIdle is the initial state.
	StateIdle State = iota
	// StateBootstrapping is entered when the identity is missing and the
	// operation waits for the settings bootstrap.
	StateBootstrapping
	// StateDispatched means the primary request has been issued.
	StateDispatched
	// StateSucceeded is terminal.
	StateSucceeded
	// StateFailed is terminal.
	StateFailed
	// StateCancelled is terminal.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBootstrapping:
		return "bootstrapping"
	case StateDispatched:
		return "dispatched"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal returns true for states no operation transitions out of.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// transitions lists the allowed transitions out of each non-terminal state.
var transitions = map[State][]State{
	StateIdle:          {StateBootstrapping, StateDispatched, StateFailed, StateCancelled},
	StateBootstrapping: {StateDispatched, StateFailed, StateCancelled},
	StateDispatched:    {StateSucceeded, StateFailed, StateCancelled},
}

// ErrInvalidTransition is returned for transitions the state machine forbids.
var ErrInvalidTransition = errors.New("invalid state transition")

// operation tracks one invocation of a Client operation.
type operation struct {
	name    string
	emitter Emitter
	logger  *log.Logger

	mu    sync.Mutex
	state State
}

func newOperation(name string, emitter Emitter, logger *log.Logger) *operation {
	return &operation{
		name:    name,
		emitter: emitter,
		logger:  logger,
		state:   StateIdle,
	}
}

// State returns the current state.
func (op *operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// transition moves op to the given state.
func (op *operation) transition(to State) error {
	op.mu.Lock()
	from := op.state
	allowed := false
	for _, s := range transitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		op.mu.Unlock()
		op.logger.Error("invalid transition", "op", op.name, "from", from, "to", to)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	op.state = to
	op.mu.Unlock()

	op.logger.Debug("operation state", "op", op.name, "from", from, "to", to)
	op.emitter.OnStateChange(op.name, from, to)
	return nil
}

// finish moves op to the terminal state matching err and returns err.
func (op *operation) finish(err error) error {
	to := StateSucceeded
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled):
		to = StateCancelled
	default:
		to = StateFailed
	}
	if err != nil {
		op.emitter.OnError(op.name, err)
	}
	if terr := op.transition(to); terr != nil && err == nil {
		return terr
	}
	return err
}

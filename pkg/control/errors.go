package control

import (
	"errors"
	"fmt"

	"github.com/m-lab/rmbt-control/internal/transport"
)

// ErrorKind is the category of an operation failure. Callers decide whether
// to retry, prompt the user, or discard based on the kind alone.
type ErrorKind int

const (
	// KindUnknown is returned for nil errors and errors not produced by a Client.
	KindUnknown ErrorKind = iota
	// KindTransport is a connectivity failure or a timeout.
	KindTransport
	// KindServer is a failure reported by the control server.
	KindServer
	// KindDecode is a malformed response.
	KindDecode
	// KindCancelled is an operation aborted by the caller.
	KindCancelled
	// KindIdentityBootstrap is a failure of the settings fetch needed to
	// obtain a client identity. The underlying failure is wrapped.
	KindIdentityBootstrap
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindServer:
		return "server"
	case KindDecode:
		return "decode"
	case KindCancelled:
		return "cancelled"
	case KindIdentityBootstrap:
		return "identity-bootstrap"
	default:
		return "unknown"
	}
}

var (
	// ErrTransport matches transport failures.
	ErrTransport = transport.ErrTransport
	// ErrServer matches server errors.
	ErrServer = transport.ErrServer
	// ErrDecode matches decode failures.
	ErrDecode = transport.ErrDecode
	// ErrCancelled matches cancelled operations, including operations
	// cancelled while bootstrapping their identity.
	ErrCancelled = transport.ErrCancelled
	// ErrIdentityBootstrap matches failures of the identity bootstrap.
	ErrIdentityBootstrap = errors.New("identity bootstrap failed")

	// ErrNoIdentity is returned when the settings response carries no
	// identity and none is known yet.
	ErrNoIdentity = errors.New("control server did not assign an identity")
	// ErrEmptySettings is returned when the settings response is empty.
	ErrEmptySettings = errors.New("empty settings response")
	// ErrSyncFailed is returned when the server rejects a sync code.
	ErrSyncFailed = errors.New("sync failed")
	// ErrNoStatsURL is returned by open data requests when the settings did
	// not advertise a statistics server.
	ErrNoStatsURL = errors.New("no statistics server available")
)

// BootstrapError is the failure of the settings fetch that an
// identity-gated operation depends on.
type BootstrapError struct {
	Err error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("%v: %v", ErrIdentityBootstrap, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

// Is matches ErrIdentityBootstrap.
func (e *BootstrapError) Is(target error) bool {
	return target == ErrIdentityBootstrap
}

// KindOf returns the category of an error returned by a Client.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var be *BootstrapError
	if errors.As(err, &be) {
		return KindIdentityBootstrap
	}
	switch transport.KindOf(err) {
	case transport.KindTransport:
		return KindTransport
	case transport.KindServer:
		return KindServer
	case transport.KindDecode:
		return KindDecode
	case transport.KindCancelled:
		return KindCancelled
	}
	return KindUnknown
}

// decodeError wraps err as a decode failure.
func decodeError(err error) error {
	return &transport.Error{Kind: transport.KindDecode, Err: err}
}

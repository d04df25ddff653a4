package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is the category of a request failure.
type Kind int

const (
	// KindTransport is a connectivity failure or a timeout.
	KindTransport Kind = iota + 1
	// KindServer is a non-success status, or a success status carrying an
	// error description.
	KindServer
	// KindDecode is a malformed request or response payload.
	KindDecode
	// KindCancelled is a request aborted by the caller.
	KindCancelled
)

var (
	// ErrTransport matches failures of kind KindTransport.
	ErrTransport = errors.New("transport failure")
	// ErrServer matches failures of kind KindServer.
	ErrServer = errors.New("server error")
	// ErrDecode matches failures of kind KindDecode.
	ErrDecode = errors.New("decode failure")
	// ErrCancelled matches failures of kind KindCancelled.
	ErrCancelled = errors.New("request cancelled")
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindServer:
		return "server"
	case KindDecode:
		return "decode"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindTransport:
		return ErrTransport
	case KindServer:
		return ErrServer
	case KindDecode:
		return ErrDecode
	case KindCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// Error is a categorized request failure.
type Error struct {
	Kind Kind
	// Method and URL identify the failed request, when known.
	Method string
	URL    string
	// StatusCode is the HTTP status for KindServer failures.
	StatusCode int
	// Messages are the error descriptions supplied by the server.
	Messages []string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.sentinel().Error())
	if e.Method != "" || e.URL != "" {
		fmt.Fprintf(&b, " (%s %s)", e.Method, e.URL)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if len(e.Messages) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Messages, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrServer) and friends match on the Kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf returns the Kind of err, or zero if err is not a transport Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// errorEnvelope is the error array the control server adds to its responses.
type errorEnvelope struct {
	Error []string `json:"error"`
}

// serverMessages extracts the server-supplied error descriptions from body,
// if any. Bodies that are not JSON objects carry no descriptions.
func serverMessages(body []byte) []string {
	var env errorEnvelope
	if json.Unmarshal(body, &env) != nil {
		return nil
	}
	return env.Error
}

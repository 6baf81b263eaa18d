// ABOUTME: Error taxonomy shared by the transport, catalog and orchestrator layers.
// ABOUTME: Each request failure is classified into exactly one Kind for presentation.

package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a terminal request failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindConnection
	KindAuthorization
	KindProtocol
	KindDecision
)

// String returns the lowercase name used in logs and API responses.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnection:
		return "connection"
	case KindAuthorization:
		return "authorization"
	case KindProtocol:
		return "protocol"
	case KindDecision:
		return "decision"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks against a Kind.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrConnection    = errors.New("connection error")
	ErrAuthorization = errors.New("authorization error")
	ErrProtocol      = errors.New("protocol error")
	ErrDecision      = errors.New("decision error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindConnection:
		return ErrConnection
	case KindAuthorization:
		return ErrAuthorization
	case KindProtocol:
		return ErrProtocol
	case KindDecision:
		return ErrDecision
	default:
		return nil
	}
}

// Error is a classified failure. Service and Op are optional and name the
// remote service and operation involved, when there is one.
type Error struct {
	Kind    Kind
	Service string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	switch {
	case e.Service != "" && e.Op != "":
		msg += fmt.Sprintf(": %s %s", e.Service, e.Op)
	case e.Service != "":
		msg += ": " + e.Service
	case e.Op != "":
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's Kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// New builds a classified error.
func New(kind Kind, service, op string, err error) *Error {
	return &Error{Kind: kind, Service: service, Op: op, Err: err}
}

// Configuration reports a request that cannot run because of setup, such as an unknown tenant.
func Configuration(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Err: fmt.Errorf(format, args...)}
}

// Authorization reports a policy denial.
func Authorization(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Err: fmt.Errorf(format, args...)}
}

// Decision reports a delegate response that could not be used.
func Decision(err error) *Error {
	return &Error{Kind: KindDecision, Err: err}
}

// Connection reports an unreachable service or a timed-out exchange.
func Connection(service, op string, err error) *Error {
	return &Error{Kind: KindConnection, Service: service, Op: op, Err: err}
}

// Protocol reports an error envelope returned by a remote service.
func Protocol(service, op string, err error) *Error {
	return &Error{Kind: KindProtocol, Service: service, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

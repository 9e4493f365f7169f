// Package tunnelerr defines the categorized errors surfaced by the tunnel
// subsystem. Every failure that crosses a component boundary is an *Error so
// callers can decide whether to retry, prompt for new credentials, or give up.
package tunnelerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the top-level error category.
type Kind int

const (
	KindUnknown Kind = iota
	PortExhausted
	TransportConnectFailed
	AuthenticationFailed
	ChannelRejected
	ListenerBindFailed
	ConnectionUnhealthy
	MaxRetriesExceeded
	// ConnectBlocked is returned when the rate limiter or the gateway allow
	// list refuses a connection attempt before any dial happens.
	ConnectBlocked
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	PortExhausted:          "port_exhausted",
	TransportConnectFailed: "transport_connect_failed",
	AuthenticationFailed:   "authentication_failed",
	ChannelRejected:        "channel_rejected",
	ListenerBindFailed:     "listener_bind_failed",
	ConnectionUnhealthy:    "connection_unhealthy",
	MaxRetriesExceeded:     "max_retries_exceeded",
	ConnectBlocked:         "connect_blocked",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Reason refines ChannelRejected where the gateway tells us why.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNoRoute
	ReasonRefused
	ReasonTimeout
	ReasonProhibited
	ReasonUnknown
)

var reasonNames = map[Reason]string{
	ReasonNone:       "",
	ReasonNoRoute:    "no_route",
	ReasonRefused:    "refused",
	ReasonTimeout:    "timeout",
	ReasonProhibited: "prohibited",
	ReasonUnknown:    "unknown",
}

func (r Reason) String() string {
	return reasonNames[r]
}

// Hops name which leg of the path failed.
const (
	HopLocal   = "local"
	HopGateway = "gateway"
	HopTarget  = "target"
)

// Error is a categorized tunnel failure.
type Error struct {
	Kind   Kind
	Reason Reason
	Hop    string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Reason != ReasonNone {
		b.WriteString("/")
		b.WriteString(e.Reason.String())
	}
	if e.Hop != "" {
		b.WriteString(" at ")
		b.WriteString(e.Hop)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, and by Reason when the target sets one.
// This lets callers write errors.Is(err, tunnelerr.ErrChannelRejected).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == ReasonNone || t.Reason == e.Reason
}

// Sentinels for errors.Is.
var (
	ErrPortExhausted          = &Error{Kind: PortExhausted}
	ErrTransportConnectFailed = &Error{Kind: TransportConnectFailed}
	ErrAuthenticationFailed   = &Error{Kind: AuthenticationFailed}
	ErrChannelRejected        = &Error{Kind: ChannelRejected}
	ErrListenerBindFailed     = &Error{Kind: ListenerBindFailed}
	ErrConnectionUnhealthy    = &Error{Kind: ConnectionUnhealthy}
	ErrMaxRetriesExceeded     = &Error{Kind: MaxRetriesExceeded}
	ErrConnectBlocked         = &Error{Kind: ConnectBlocked}
)

// New builds an *Error.
func New(kind Kind, hop, op string, err error) *Error {
	return &Error{Kind: kind, Hop: hop, Op: op, Err: err}
}

// Rejected builds a ChannelRejected error with the given reason.
func Rejected(reason Reason, op string, err error) *Error {
	return &Error{Kind: ChannelRejected, Reason: reason, Hop: HopTarget, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// ReasonOf returns the Reason of the first *Error in err's chain.
func ReasonOf(err error) Reason {
	var te *Error
	if errors.As(err, &te) {
		return te.Reason
	}
	return ReasonNone
}

// Retryable reports whether a failure may succeed if attempted again without
// new input from the user. Authentication failures never are.
func Retryable(err error) bool {
	switch KindOf(err) {
	case AuthenticationFailed, ConnectBlocked, MaxRetriesExceeded:
		return false
	default:
		return true
	}
}

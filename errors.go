package waengine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure the way callers need to branch on it —
// "should I retry", "should I re-pair", "should I give up" — rather than
// on the specific wrapped error type (spec.md's ambient error-handling
// expansion, grounded on the teacher's error-kind enum in toxcore.go's
// ToxError family).
type ErrorKind int

const (
	// ErrKindUnknown is the zero value: a failure not yet classified.
	ErrKindUnknown ErrorKind = iota
	// ErrKindTransport covers dial/read/write/websocket failures.
	ErrKindTransport
	// ErrKindTimeout covers a context deadline or iq wait expiring.
	ErrKindTimeout
	// ErrKindProtocol covers malformed or unexpected binary-node/protobuf
	// data from the server.
	ErrKindProtocol
	// ErrKindCrypto covers handshake, session, or decrypt failures.
	ErrKindCrypto
	// ErrKindAuth covers pairing/login rejection (stream:error, 401, etc).
	ErrKindAuth
	// ErrKindRate covers the server or our own flood guard throttling us.
	ErrKindRate
	// ErrKindUser covers caller misuse (bad argument, closed client, ...).
	ErrKindUser
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindTransport:
		return "transport"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindProtocol:
		return "protocol"
	case ErrKindCrypto:
		return "crypto"
	case ErrKindAuth:
		return "auth"
	case ErrKindRate:
		return "rate"
	case ErrKindUser:
		return "user"
	default:
		return "unknown"
	}
}

// Error is the engine's wrapped error type: every error the public API
// returns is (or wraps) one of these, so callers can type-assert once
// and inspect Kind instead of string-matching messages.
type Error struct {
	Kind ErrorKind
	Op   string // the operation that failed, e.g. "transport.Dial"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("waengine: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("waengine: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrapErr builds an *Error, or returns nil if err is nil, so call sites
// can write `return wrapErr(...)` unconditionally at the end of a
// function without an extra if.
func wrapErr(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err is (or wraps) a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

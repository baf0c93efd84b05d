// Package rpcerr defines the error taxonomy shared by every layer of XIC.
//
// Transport and protocol failures are reported as *Error values carrying a
// Kind, so callers can tell "wrong credentials" from "network down" without
// string matching. Failures raised by a remote servant travel inside an
// Answer and surface as *RemoteError.
package rpcerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown        Kind = iota
	KindProtocol            // malformed header/flags, unexpected message for the state
	KindAuthentication      // handshake verification failure or FORBIDDEN received
	KindTimeout             // connect, authenticate, message or close timeout
	KindConnection          // socket closed, reset, connect failed
	KindSize                // message exceeds the configured maximum
	KindApplication         // remote servant raised an exception
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuthentication:
		return "authentication"
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindSize:
		return "size"
	case KindApplication:
		return "application"
	}
	return "unknown"
}

// Stage tells which timer expired for KindTimeout errors.
type Stage string

const (
	StageConnect      Stage = "connect"
	StageAuthenticate Stage = "authenticate"
	StageMessage      Stage = "message"
	StageClose        Stage = "close"
)

// Error is the single error type returned by the transport layers.
type Error struct {
	Kind  Kind
	Stage Stage  // only for KindTimeout
	Op    string // short operation name, e.g. "decode", "dial"
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Stage != "" {
		s += " (" + string(e.Stage) + ")"
	}
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Protocol builds a KindProtocol error.
func Protocol(op, format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Authentication builds a KindAuthentication error.
func Authentication(op, format string, args ...any) *Error {
	return &Error{Kind: KindAuthentication, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Timeout builds a KindTimeout error for the given stage.
func Timeout(stage Stage, op string) *Error {
	return &Error{Kind: KindTimeout, Stage: stage, Op: op}
}

// Connection wraps a socket level failure.
func Connection(op string, err error) *Error {
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

// Size builds a KindSize error.
func Size(op string, size, max uint32) *Error {
	return &Error{Kind: KindSize, Op: op, Msg: fmt.Sprintf("message size %d exceeds limit %d", size, max)}
}

// KindOf returns the kind of err, looking through wrapped errors.
// A *RemoteError reports KindApplication.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return KindApplication
	}
	return KindUnknown
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// StageOf returns the timeout stage of err, or "" if err is not a timeout.
func StageOf(err error) Stage {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindTimeout {
		return e.Stage
	}
	return ""
}

// Package rferrors holds the error kinds spec'd for this bridge's policy
// layer: each wraps an underlying cause with enough context for the
// pipeline to decide whether it is fatal or can be swallowed.
package rferrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the pipeline's resilience policy.
type Kind string

const (
	KindConfiguration   Kind = "configuration"
	KindAuth            Kind = "auth"
	KindSourceTransient Kind = "source_transient"
	KindSourceFatal     Kind = "source_fatal"
	KindReplayStore     Kind = "replay_store"
	KindSinkNetwork     Kind = "sink_network"
	KindRouting         Kind = "routing"
)

// Error wraps a cause with the Kind the pipeline dispatches error policy on.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Configuration(op, format string, args ...any) *Error {
	return newf(KindConfiguration, op, format, args...)
}

func Auth(op string, err error) *Error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

func SourceTransient(op string, err error) *Error {
	return &Error{Kind: KindSourceTransient, Op: op, Err: err}
}

func SourceFatal(op string, err error) *Error {
	return &Error{Kind: KindSourceFatal, Op: op, Err: err}
}

func ReplayStore(op string, err error) *Error {
	return &Error{Kind: KindReplayStore, Op: op, Err: err}
}

func SinkNetwork(op string, err error) *Error {
	return &Error{Kind: KindSinkNetwork, Op: op, Err: err}
}

func Routing(op string, err error) *Error {
	return &Error{Kind: KindRouting, Op: op, Err: err}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

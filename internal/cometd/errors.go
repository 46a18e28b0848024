package cometd

import "errors"

// errTransient marks 5xx responses; like plain network errors, they are
// retried with backoff.
// errFatalStatus marks permanent 4xx responses that end the client.
var (
	errTransient   = errors.New("cometd: transient failure")
	errFatalStatus = errors.New("cometd: fatal status")
)

package server

import "errors"

// ErrBindFailure is returned by Start when the listener exits before it is ready,
// for example because the address is invalid or the port is owned by another process.
var ErrBindFailure = errors.New("embedded server failed to bind")

// ErrBindTimeout is returned by Start when the listener does not become ready
// within the configured start timeout.
var ErrBindTimeout = errors.New("embedded server bind timed out")

// ErrShutdownTimeout is returned by Stop when in-flight requests do not drain
// within the configured shutdown timeout. Connections are force closed before
// it is returned.
var ErrShutdownTimeout = errors.New("embedded server shutdown timed out")

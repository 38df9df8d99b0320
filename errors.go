package warpgate

import "errors"

var (
	// ErrInvalidChannel is returned for channel names that cannot be LISTENed on.
	ErrInvalidChannel = errors.New("invalid channel name")
	// ErrNotConnected is returned by operations that need a live upstream connection.
	ErrNotConnected = errors.New("not connected to database")
	// ErrUnknownDriver is returned when an endpoint names an unsupported driver.
	ErrUnknownDriver = errors.New("unknown database driver")
	// ErrSessionClosed is returned by sinks of a session that has gone away.
	ErrSessionClosed = errors.New("session closed")
)

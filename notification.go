package warpgate

import (
	"context"
	"fmt"
)

// maxChannelLength is the Postgres identifier limit (NAMEDATALEN - 1).
const maxChannelLength = 63

// Notification is a single NOTIFY event received from the database. The
// payload is forwarded verbatim.
type Notification struct {
	Channel string `json:"channel"`
	Payload string `json:"payload"`
}

// Conn is a live upstream connection able to LISTEN on channels.
//
// Listen and Unlisten may be called while another goroutine is blocked in
// WaitForNotification. Done is closed once the connection is known to be
// dead, after which Err reports why.
type Conn interface {
	Listen(ctx context.Context, channel string) error
	Unlisten(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (*Notification, error)
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Pool hands out upstream connections.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
}

// ValidateChannel reports whether channel can be used as a LISTEN target.
func ValidateChannel(channel string) error {
	if channel == "" {
		return fmt.Errorf("%w: empty", ErrInvalidChannel)
	}
	if len(channel) > maxChannelLength {
		return fmt.Errorf("%w: '%s' is longer than %d bytes", ErrInvalidChannel, channel, maxChannelLength)
	}
	return nil
}

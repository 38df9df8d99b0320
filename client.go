package warpgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// DefaultWriteTimeout bounds a single websocket write.
const DefaultWriteTimeout = 10 * time.Second

// Request types sent by clients.
const (
	RequestSubscribe   = "subscribe"
	RequestUnsubscribe = "unsubscribe"
	RequestPing        = "ping"
)

// Message types sent to clients.
const (
	MessageNotification = "notification"
	MessageReadiness    = "readiness"
	MessageSubscribed   = "subscribed"
	MessageUnsubscribed = "unsubscribed"
	MessagePong         = "pong"
	MessageError        = "error"
)

// Request is a message received from a client.
type Request struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// Message is a message sent to a client.
type Message struct {
	Type    string  `json:"type"`
	Channel string  `json:"channel,omitempty"`
	Payload *string `json:"payload,omitempty"`
	Ready   *bool   `json:"ready,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Subscriber is the part of a Listener a Client drives.
type Subscriber interface {
	Subscribe(ctx context.Context, s Session, channel string) error
	Unsubscribe(ctx context.Context, s Session, channel string) error
}

// ClientOption is a Client option function
type ClientOption func(*Client)

// ClientLogger is an option for setting the logger
func ClientLogger(logger *log.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.WithFields(log.Fields{"component": "client", "client": c.id})
	}
}

// ClientWriteTimeout is an option for setting the write deadline applied to
// each message.
func ClientWriteTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// Client is a Session served over a websocket-like Transport. Its request
// loop turns subscribe and unsubscribe requests into Subscriber calls.
type Client struct {
	id           string
	transport    Transport
	subscriber   Subscriber
	writeTimeout time.Duration
	logger       *log.Entry

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient returns a Client reading requests from t.
func NewClient(t Transport, subscriber Subscriber, opts ...ClientOption) *Client {
	c := &Client{
		id:           uuid.New().String(),
		transport:    t,
		subscriber:   subscriber,
		writeTimeout: DefaultWriteTimeout,
		done:         make(chan struct{}),
	}
	c.logger = log.WithFields(log.Fields{"component": "client", "client": c.id})

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ID returns the client's unique id.
func (c *Client) ID() string {
	return c.id
}

// Serve runs the request loop until the transport fails or ctx is canceled.
// A normal websocket close ends the loop without error.
func (c *Client) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var req Request
		if err := c.transport.ReadJSON(&req); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if isMalformed(err) {
				if werr := c.reply(Message{Type: MessageError, Error: "malformed request"}); werr != nil {
					return werr
				}
				continue
			}
			return fmt.Errorf("read request: %w", err)
		}

		if err := c.handle(ctx, req); err != nil {
			return err
		}
	}
}

func isMalformed(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (c *Client) handle(ctx context.Context, req Request) error {
	switch req.Type {
	case RequestSubscribe:
		if err := c.subscriber.Subscribe(ctx, c, req.Channel); err != nil {
			return c.reply(Message{Type: MessageError, Channel: req.Channel, Error: err.Error()})
		}
		c.logger.WithField("channel", req.Channel).Debug("subscribed")
		return c.reply(Message{Type: MessageSubscribed, Channel: req.Channel})
	case RequestUnsubscribe:
		if err := c.subscriber.Unsubscribe(ctx, c, req.Channel); err != nil {
			return c.reply(Message{Type: MessageError, Channel: req.Channel, Error: err.Error()})
		}
		c.logger.WithField("channel", req.Channel).Debug("unsubscribed")
		return c.reply(Message{Type: MessageUnsubscribed, Channel: req.Channel})
	case RequestPing:
		return c.reply(Message{Type: MessagePong})
	default:
		return c.reply(Message{Type: MessageError, Error: fmt.Sprintf("unknown request type '%s'", req.Type)})
	}
}

func (c *Client) reply(m Message) error {
	if err := c.write(m); err != nil {
		return fmt.Errorf("write %s: %w", m.Type, err)
	}
	return nil
}

// SendNotification implements Session.
func (c *Client) SendNotification(channel, payload string) error {
	return c.write(Message{Type: MessageNotification, Channel: channel, Payload: &payload})
}

// SendDatabaseReadiness implements Session.
func (c *Client) SendDatabaseReadiness(ready bool) error {
	return c.write(Message{Type: MessageReadiness, Ready: &ready})
}

// write sends m with a deadline. A failed write leaves the websocket unusable,
// so the transport is closed, which also ends the request loop.
func (c *Client) write(m Message) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.Close()
		return err
	}
	if err := c.transport.WriteJSON(m); err != nil {
		c.logger.WithError(err).Debug("write failed, closing client")
		c.Close()
		return err
	}
	return nil
}

// Close closes the transport. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.transport.Close(); err != nil {
			c.logger.WithError(err).Debug("error when closing transport")
		}
	})
}

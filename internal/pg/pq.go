package pg

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	warpgate "github.com/perangel/warp-gate"
)

// notificationBuffer bounds how many notifications lib/pq may queue before
// its receive loop blocks on us.
const notificationBuffer = 64

// PQPool is a warpgate.Pool that opens lib/pq listener connections. Each
// Acquire dials a new dedicated connection; lib/pq closes the notification
// channel when that connection dies, which is used as the close signal.
type PQPool struct {
	dsn    string
	logger *log.Entry
}

// NewPQPool returns a PQPool for dsn.
func NewPQPool(dsn string, opts ...Option) *PQPool {
	o := newOptions(opts)
	return &PQPool{
		dsn:    dsn,
		logger: o.logger.WithField("driver", DriverPQ),
	}
}

// Acquire dials a new listener connection.
func (p *PQPool) Acquire(ctx context.Context) (warpgate.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	notifications := make(chan *pq.Notification, notificationBuffer)
	lc, err := pq.NewListenerConn(p.dsn, notifications)
	if err != nil {
		return nil, fmt.Errorf("dial listener connection: %w", err)
	}
	p.logger.Debug("opened listener connection")

	return &pqConn{
		conn:          lc,
		notifications: notifications,
		done:          make(chan struct{}),
	}, nil
}

type pqConn struct {
	conn          *pq.ListenerConn
	notifications chan *pq.Notification

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (c *pqConn) Listen(_ context.Context, channel string) error {
	_, err := c.conn.Listen(channel)
	return c.check(err)
}

func (c *pqConn) Unlisten(_ context.Context, channel string) error {
	_, err := c.conn.Unlisten(channel)
	return c.check(err)
}

func (c *pqConn) check(err error) error {
	if err == nil {
		return nil
	}
	if cerr := c.conn.Err(); cerr != nil {
		c.kill(cerr)
	}
	return err
}

func (c *pqConn) WaitForNotification(ctx context.Context) (*warpgate.Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case n, ok := <-c.notifications:
		if !ok {
			err := c.conn.Err()
			if err == nil {
				err = errors.New("listener connection closed")
			}
			c.kill(err)
			return nil, err
		}
		return &warpgate.Notification{Channel: n.Channel, Payload: n.Extra}, nil
	}
}

func (c *pqConn) kill(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *pqConn) Done() <-chan struct{} {
	return c.done
}

func (c *pqConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *pqConn) Close() error {
	c.kill(errConnClosed)
	return c.conn.Close()
}

package pg

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	warpgate "github.com/perangel/warp-gate"
)

const defaultMaxConnections = 2

var errConnClosed = errors.New("connection closed")

// PgxPool is a warpgate.Pool backed by a pgx.ConnPool. The underlying pool is
// created on the first Acquire so no connection exists until it is needed.
type PgxPool struct {
	connConfig   pgx.ConnConfig
	pollInterval time.Duration
	logger       *log.Entry

	mu   sync.Mutex
	pool *pgx.ConnPool
}

// NewPgxPool parses dsn and returns a lazily connecting PgxPool.
func NewPgxPool(dsn string, opts ...Option) (*PgxPool, error) {
	connConfig, err := pgx.ParseConnectionString(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	o := newOptions(opts)
	return &PgxPool{
		connConfig:   connConfig,
		pollInterval: o.pollInterval,
		logger:       o.logger.WithField("driver", DriverPgx),
	}, nil
}

func (p *PgxPool) connPool() (*pgx.ConnPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool != nil {
		return p.pool, nil
	}

	pool, err := pgx.NewConnPool(pgx.ConnPoolConfig{
		ConnConfig:     p.connConfig,
		MaxConnections: defaultMaxConnections,
	})
	if err != nil {
		return nil, err
	}
	p.pool = pool
	return pool, nil
}

// Acquire checks a connection out of the pool. Canceling ctx stops a wait for
// a free connection.
func (p *PgxPool) Acquire(ctx context.Context) (warpgate.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pool, err := p.connPool()
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	conn, err := pool.AcquireEx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	p.logger.WithField("pid", conn.PID()).Debug("acquired connection")

	c := &pgxConn{
		conn: conn,
		pool: pool,
		done: make(chan struct{}),
	}
	go c.watch(p.pollInterval)
	return c, nil
}

// Close closes every connection in the pool.
func (p *PgxPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	return nil
}

// pgxConn adapts a pooled *pgx.Conn. A pgx connection serves one operation at
// a time, so Listen and Unlisten interrupt a pending WaitForNotification, run
// their statement, and let the wait resume.
type pgxConn struct {
	conn *pgx.Conn
	pool *pgx.ConnPool

	mu      sync.Mutex // serializes use of conn
	pending int32      // statements waiting for mu

	waitMu     sync.Mutex
	cancelWait context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
	release   sync.Once
	err       atomic.Value
}

func (c *pgxConn) Listen(ctx context.Context, channel string) error {
	return c.exec(ctx, "LISTEN "+pq.QuoteIdentifier(channel))
}

func (c *pgxConn) Unlisten(ctx context.Context, channel string) error {
	return c.exec(ctx, "UNLISTEN "+pq.QuoteIdentifier(channel))
}

// lock takes the connection away from a pending WaitForNotification.
func (c *pgxConn) lock() {
	atomic.AddInt32(&c.pending, 1)
	c.interrupt()
	c.mu.Lock()
	atomic.AddInt32(&c.pending, -1)
}

func (c *pgxConn) exec(ctx context.Context, sql string) error {
	c.lock()
	defer c.mu.Unlock()

	if err := c.alive(); err != nil {
		return err
	}

	if _, err := c.conn.ExecEx(ctx, sql, nil); err != nil {
		if !c.conn.IsAlive() {
			c.kill(err)
		}
		return err
	}
	return nil
}

func (c *pgxConn) interrupt() {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	if c.cancelWait != nil {
		c.cancelWait()
	}
}

func (c *pgxConn) WaitForNotification(ctx context.Context) (*warpgate.Notification, error) {
	for {
		if err := c.alive(); err != nil {
			return nil, err
		}
		c.mu.Lock()

		waitCtx, cancel := context.WithCancel(ctx)
		c.waitMu.Lock()
		if atomic.LoadInt32(&c.pending) > 0 {
			c.waitMu.Unlock()
			cancel()
			c.mu.Unlock()
			runtime.Gosched()
			continue
		}
		c.cancelWait = cancel
		c.waitMu.Unlock()

		n, err := c.conn.WaitForNotification(waitCtx)

		c.waitMu.Lock()
		c.cancelWait = nil
		c.waitMu.Unlock()
		interrupted := waitCtx.Err() != nil
		cancel()
		c.mu.Unlock()

		if err == nil {
			return &warpgate.Notification{Channel: n.Channel, Payload: n.Payload}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if interrupted && c.conn.IsAlive() {
			continue
		}

		c.kill(err)
		return nil, err
	}
}

// watch is the fallback death detector for connections that die while no
// operation is running on them.
func (c *pgxConn) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.conn.IsAlive() {
				c.kill(c.conn.CauseOfDeath())
				return
			}
		}
	}
}

func (c *pgxConn) alive() error {
	select {
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return warpgate.ErrNotConnected
	default:
		return nil
	}
}

func (c *pgxConn) kill(err error) {
	if err == nil {
		err = warpgate.ErrNotConnected
	}
	c.closeOnce.Do(func() {
		c.err.Store(err)
		close(c.done)
	})
}

func (c *pgxConn) Done() <-chan struct{} {
	return c.done
}

func (c *pgxConn) Err() error {
	if err, ok := c.err.Load().(error); ok {
		return err
	}
	return nil
}

// Close clears the connection's LISTEN registrations and returns it to the
// pool. The pool discards it if it is dead.
func (c *pgxConn) Close() error {
	c.kill(errConnClosed)

	var err error
	c.release.Do(func() {
		c.lock()
		defer c.mu.Unlock()

		if c.conn.IsAlive() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, uerr := c.conn.ExecEx(ctx, "UNLISTEN *", nil); uerr != nil {
				err = uerr
				_ = c.conn.Close()
			}
		}
		c.pool.Release(c.conn)
	})
	return err
}

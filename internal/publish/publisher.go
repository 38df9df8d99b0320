// Package publish sends NOTIFY events to a database. It backs the `notify`
// command and the integration tests.
package publish

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	// registers the "postgres" driver
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	warpgate "github.com/perangel/warp-gate"
)

// Option is a Publisher option function
type Option func(*Publisher)

// Logger is an option for setting the logger
func Logger(logger *log.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger.WithFields(log.Fields{"component": "publisher"})
	}
}

// Publisher issues pg_notify calls over a database/sql connection.
type Publisher struct {
	db     *sqlx.DB
	logger *log.Entry
}

// Open connects to the database at dsn.
func Open(ctx context.Context, dsn string, opts ...Option) (*Publisher, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return New(db, opts...), nil
}

// New returns a Publisher using db.
func New(db *sqlx.DB, opts ...Option) *Publisher {
	p := &Publisher{
		db:     db,
		logger: log.WithFields(log.Fields{"component": "publisher"}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Notify sends payload on channel. The notification is delivered to
// listeners when the implicit transaction commits.
func (p *Publisher) Notify(ctx context.Context, channel, payload string) error {
	if err := warpgate.ValidateChannel(channel); err != nil {
		return err
	}

	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	p.logger.WithFields(log.Fields{"channel": channel, "bytes": len(payload)}).Debug("sent notification")
	return nil
}

// NotifyBatch sends every notification in a single transaction, so listeners
// receive all of them or none.
func (p *Publisher) NotifyBatch(ctx context.Context, notifications []warpgate.Notification) error {
	for _, n := range notifications {
		if err := warpgate.ValidateChannel(n.Channel); err != nil {
			return err
		}
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for _, n := range notifications {
		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", n.Channel, n.Payload); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("notify %s: %w", n.Channel, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit notifications: %w", err)
	}
	p.logger.WithField("count", len(notifications)).Debug("sent notification batch")
	return nil
}

// TerminateListeners kills every other backend on the database whose last
// statement was a LISTEN or UNLISTEN, and returns how many were terminated.
func (p *Publisher) TerminateListeners(ctx context.Context) (int, error) {
	var terminated []bool
	err := p.db.SelectContext(ctx, &terminated, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = current_database()
		  AND pid <> pg_backend_pid()
		  AND query ILIKE '%LISTEN %'`)
	if err != nil {
		return 0, fmt.Errorf("terminate listeners: %w", err)
	}

	n := 0
	for _, ok := range terminated {
		if ok {
			n++
		}
	}
	p.logger.WithField("count", n).Info("terminated listener backends")
	return n, nil
}

// Close closes the underlying database handle.
func (p *Publisher) Close() error {
	return p.db.Close()
}

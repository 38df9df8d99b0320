package warpgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// cleanupTimeout bounds the UNLISTEN statements issued while removing a
// session whose own context is already gone.
const cleanupTimeout = 10 * time.Second

var errAlreadyStarted = errors.New("endpoint already started")

// PoolOpener creates the connection pool of an endpoint.
type PoolOpener func(cfg EndpointConfig) (Pool, error)

// Transport is the client connection a Session talks over. It is satisfied
// by *websocket.Conn.
type Transport interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// EndpointOption is an Endpoint option function
type EndpointOption func(*Endpoint)

// EndpointLogger is an option for setting the logger used by the endpoint,
// its listener and its clients.
func EndpointLogger(logger *log.Logger) EndpointOption {
	return func(e *Endpoint) {
		e.baseLogger = logger
	}
}

// EndpointMetrics is an option for recording metrics.
func EndpointMetrics(m *Metrics) EndpointOption {
	return func(e *Endpoint) {
		e.metrics.m = m
	}
}

// OpenPoolWith is an option for setting how the endpoint creates its pool.
func OpenPoolWith(opener PoolOpener) EndpointOption {
	return func(e *Endpoint) {
		e.openPool = opener
	}
}

// CheckOrigin is an option for setting the websocket origin check.
func CheckOrigin(fn func(r *http.Request) bool) EndpointOption {
	return func(e *Endpoint) {
		e.upgrader.CheckOrigin = fn
	}
}

// Endpoint serves websocket clients for one database. It owns the pool, the
// Listener, and the set of connected sessions.
type Endpoint struct {
	config     EndpointConfig
	openPool   PoolOpener
	baseLogger *log.Logger
	logger     *log.Entry
	metrics    endpointMetrics
	listener   *Listener
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	sessions map[Session]struct{}
	pool     Pool
	done     chan struct{}
}

// NewEndpoint returns an Endpoint for cfg. Call Start before accepting clients.
func NewEndpoint(cfg EndpointConfig, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		config:     cfg,
		baseLogger: log.StandardLogger(),
		sessions:   make(map[Session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.baseLogger.WithFields(log.Fields{"component": "endpoint", "endpoint": cfg.Path})
	e.metrics.name = cfg.Path
	e.listener = NewListener(
		ListenerLogger(e.baseLogger),
		ListenerName(cfg.Path),
		ListenerMetrics(e.metrics.m),
		ReconnectBackoff(cfg.MinBackoff, cfg.MaxBackoff),
		OutboxSize(cfg.OutboxSize),
	)

	return e
}

// Path returns the HTTP path the endpoint is served on.
func (e *Endpoint) Path() string {
	return e.config.Path
}

// Listener returns the endpoint's database listener.
func (e *Endpoint) Listener() *Listener {
	return e.listener
}

// Ready reports whether the endpoint's listener is ready.
func (e *Endpoint) Ready() bool {
	return e.listener.Ready()
}

// Start opens the pool and launches the listener in the background. It does
// not wait for the listener to become ready.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done != nil {
		return errAlreadyStarted
	}
	if e.openPool == nil {
		return fmt.Errorf("endpoint %s: no pool opener configured", e.config.Path)
	}

	pool, err := e.openPool(e.config)
	if err != nil {
		return fmt.Errorf("open pool: %w", err)
	}
	e.pool = pool
	e.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		err := e.listener.Run(ctx, pool)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.WithError(err).Error("listener stopped")
			return
		}
		e.logger.Info("listener stopped")
	}(e.done)

	e.logger.WithField("driver", e.config.Driver).Info("endpoint started")
	return nil
}

// Done is closed once the listener started by Start has returned. It is nil
// before Start.
func (e *Endpoint) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Accept runs a client session over t until its request loop ends, then
// unregisters it and drops all of its subscriptions.
func (e *Endpoint) Accept(ctx context.Context, t Transport) (err error) {
	client := NewClient(t, e.listener,
		ClientLogger(e.baseLogger),
		ClientWriteTimeout(e.config.WriteTimeout),
	)
	logger := e.logger.WithField("client", client.ID())

	e.register(client)
	logger.Info("client connected")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panicked: %v", r)
		}

		e.unregister(client)
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		e.listener.RemoveSession(cleanupCtx, client)
		client.Close()

		if err != nil {
			logger.WithError(err).Warn("client session ended with error")
			return
		}
		logger.Info("client disconnected")
	}()

	return client.Serve(ctx)
}

func (e *Endpoint) register(s Session) {
	e.mu.Lock()
	e.sessions[s] = struct{}{}
	n := len(e.sessions)
	e.mu.Unlock()

	e.listener.Attach(s)
	e.metrics.setSessions(n)
}

func (e *Endpoint) unregister(s Session) {
	e.mu.Lock()
	delete(e.sessions, s)
	n := len(e.sessions)
	e.mu.Unlock()

	e.metrics.setSessions(n)
}

// Sessions returns the number of connected sessions.
func (e *Endpoint) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// ServeHTTP upgrades the request to a websocket and serves it as a session.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.WithError(err).Warn("failed to upgrade websocket connection")
		return
	}

	_ = e.Accept(r.Context(), conn)
}

// CloseSessions closes the transport of every connected session, which ends
// their request loops.
func (e *Endpoint) CloseSessions() {
	e.mu.Lock()
	closers := make([]interface{ Close() }, 0, len(e.sessions))
	for s := range e.sessions {
		if c, ok := s.(interface{ Close() }); ok {
			closers = append(closers, c)
		}
	}
	e.mu.Unlock()

	for _, c := range closers {
		c.Close()
	}
}

// Close closes every session and, once the listener has stopped, the pool.
// The context passed to Start must already be canceled or Close blocks until
// it is.
func (e *Endpoint) Close() error {
	e.CloseSessions()

	e.mu.Lock()
	done, pool := e.done, e.pool
	e.mu.Unlock()

	if done == nil {
		return nil
	}
	<-done

	if c, ok := pool.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

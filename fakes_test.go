package warpgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	errAcquire   = errors.New("connection refused")
	errConnReset = errors.New("connection reset by peer")
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// fakeConn is an in-memory Conn.
type fakeConn struct {
	log           *eventLog
	notifications chan *Notification

	mu          sync.Mutex
	listening   map[string]bool
	listenErr   error
	unlistenErr error

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newFakeConn(log *eventLog) *fakeConn {
	return &fakeConn{
		log:           log,
		notifications: make(chan *Notification, 64),
		listening:     make(map[string]bool),
		done:          make(chan struct{}),
	}
}

func (c *fakeConn) Listen(_ context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listenErr != nil {
		return c.listenErr
	}
	c.listening[channel] = true
	c.log.add("LISTEN %s", channel)
	return nil
}

func (c *fakeConn) Unlisten(_ context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unlistenErr != nil {
		return c.unlistenErr
	}
	delete(c.listening, channel)
	c.log.add("UNLISTEN %s", channel)
	return nil
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.Err()
	case n := <-c.notifications:
		return n, nil
	}
}

func (c *fakeConn) notify(channel, payload string) {
	c.notifications <- &Notification{Channel: channel, Payload: payload}
}

func (c *fakeConn) kill(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.log.add("closed")
		close(c.done)
	})
}

func (c *fakeConn) Done() <-chan struct{} {
	return c.done
}

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.kill(io.EOF)
	return nil
}

func (c *fakeConn) channels() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.listening))
	for k, v := range c.listening {
		out[k] = v
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// fakePool hands out fakeConns, failing the first `failures` acquisitions.
type fakePool struct {
	log      *eventLog
	acquired chan *fakeConn

	mu       sync.Mutex
	failures int
	conns    []*fakeConn
	prepare  func(c *fakeConn)
}

func newFakePool(log *eventLog) *fakePool {
	return &fakePool{log: log, acquired: make(chan *fakeConn, 64)}
}

func (p *fakePool) Acquire(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.failures > 0 {
		p.failures--
		p.mu.Unlock()
		p.log.add("acquire failed")
		return nil, errAcquire
	}
	c := newFakeConn(p.log)
	if p.prepare != nil {
		p.prepare(c)
	}
	p.conns = append(p.conns, c)
	p.mu.Unlock()

	p.log.add("acquired")
	select {
	case p.acquired <- c:
	default:
	}
	return c, nil
}

func (p *fakePool) setFailures(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
}

func (p *fakePool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// recordingSession records what the listener pushes to it.
type recordingSession struct {
	name string
	log  *eventLog

	notifications chan Notification
	readiness     chan bool

	mu    sync.Mutex
	block chan struct{}
	fail  error
	panic bool
}

func newRecordingSession(name string, log *eventLog) *recordingSession {
	return &recordingSession{
		name:          name,
		log:           log,
		notifications: make(chan Notification, 1024),
		readiness:     make(chan bool, 1024),
	}
}

func (s *recordingSession) SendNotification(channel, payload string) error {
	s.mu.Lock()
	block, fail, shouldPanic := s.block, s.fail, s.panic
	s.mu.Unlock()

	if block != nil {
		<-block
	}
	if shouldPanic {
		panic("sink exploded")
	}
	if fail != nil {
		return fail
	}
	s.notifications <- Notification{Channel: channel, Payload: payload}
	return nil
}

func (s *recordingSession) SendDatabaseReadiness(ready bool) error {
	s.log.add("%s ready=%t", s.name, ready)
	s.readiness <- ready
	return nil
}

// waitReady blocks until the session observes the given readiness value.
func (s *recordingSession) waitReady(want bool, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case got := <-s.readiness:
			if got == want {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func (s *recordingSession) received(timeout time.Duration) (Notification, bool) {
	select {
	case n := <-s.notifications:
		return n, true
	case <-time.After(timeout):
		return Notification{}, false
	}
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// fakeTransport is an in-memory Transport fed with raw JSON frames.
type fakeTransport struct {
	incoming chan string
	written  chan Message

	mu        sync.Mutex
	writeErr  error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan string, 64),
		written:  make(chan Message, 1024),
		closed:   make(chan struct{}),
	}
}

func (t *fakeTransport) ReadJSON(v interface{}) error {
	select {
	case <-t.closed:
		return &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	case frame, ok := <-t.incoming:
		if !ok {
			return &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return json.Unmarshal([]byte(frame), v)
	}
}

func (t *fakeTransport) WriteJSON(v interface{}) error {
	t.mu.Lock()
	err := t.writeErr
	t.mu.Unlock()
	if err != nil {
		return err
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	t.written <- m
	return nil
}

func (t *fakeTransport) SetWriteDeadline(time.Time) error {
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) send(req Request) {
	b, _ := json.Marshal(req)
	t.incoming <- string(b)
}

// next returns the next written message of the given type, skipping others.
func (t *fakeTransport) next(typ string, timeout time.Duration) (Message, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case m := <-t.written:
			if m.Type == typ {
				return m, true
			}
		case <-deadline:
			return Message{}, false
		}
	}
}

package warpgate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Listener owns the single upstream connection of an endpoint and the
// registry of which sessions are subscribed to which channels.
//
// Run keeps a connection alive, reconnecting with exponential backoff and
// replaying LISTEN for every subscribed channel before reporting readiness.
// Notifications are fanned out to the subscribed sessions through per-session
// outboxes, so a slow session never delays the others.
type Listener struct {
	name       string
	logger     *log.Entry
	metrics    endpointMetrics
	minBackoff time.Duration
	maxBackoff time.Duration
	outboxSize int
	sleep      func(context.Context, time.Duration) error

	// mu guards every field below. LISTEN and UNLISTEN statements for the
	// affected channels are issued while it is held.
	mu              sync.Mutex
	conn            Conn
	ready           bool
	subscriptions   map[string]*subscriberSet
	sessionChannels map[Session]map[string]struct{}
	outboxes        map[Session]*outbox
}

// NewListener returns a Listener that is not yet connected.
func NewListener(opts ...ListenerOption) *Listener {
	l := &Listener{
		logger:          log.WithFields(log.Fields{"component": "listener"}),
		minBackoff:      DefaultMinBackoff,
		maxBackoff:      DefaultMaxBackoff,
		outboxSize:      DefaultOutboxSize,
		sleep:           sleepContext,
		subscriptions:   make(map[string]*subscriberSet),
		sessionChannels: make(map[Session]map[string]struct{}),
		outboxes:        make(map[Session]*outbox),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.name != "" {
		l.logger = l.logger.WithField("endpoint", l.name)
	}
	l.metrics.name = l.name

	return l
}

// Run maintains the upstream connection until ctx is canceled. Connection
// failures are never fatal: they are logged and retried after a delay that
// starts at the minimum backoff, doubles on each consecutive failure up to the
// maximum, and resets once a connection has replayed every LISTEN and become
// ready. A connection that fails during replay counts as a failure.
func (l *Listener) Run(ctx context.Context, pool Pool) error {
	backoff := NewBackoff(l.minBackoff, l.maxBackoff)

	for {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.metrics.connectFailed()
			delay := backoff.Next()
			l.logger.WithError(err).WithField("retry_in", delay).Error("failed to connect to database")
			if err := l.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		l.metrics.reconnected()

		ready, err := l.serve(ctx, conn)
		if ready {
			backoff.Reset()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := backoff.Next()
		l.logger.WithError(err).WithField("retry_in", delay).Warn("database connection lost")
		if err := l.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// serve replays subscriptions on conn, reports readiness, and dispatches
// notifications until the connection dies or ctx is canceled. It reports
// whether conn became ready.
func (l *Listener) serve(ctx context.Context, conn Conn) (bool, error) {
	l.mu.Lock()
	for channel := range l.subscriptions {
		if err := conn.Listen(ctx, channel); err != nil {
			l.mu.Unlock()
			_ = conn.Close()
			return false, fmt.Errorf("replay LISTEN %s: %w", channel, err)
		}
	}
	l.conn = conn
	l.ready = true
	channels := len(l.subscriptions)
	l.mu.Unlock()

	l.metrics.setReady(true)
	l.logger.WithField("channels", channels).Info("database listener ready")
	l.broadcastReadiness(true)

	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	dispatchErr := make(chan error, 1)
	go func() {
		dispatchErr <- l.dispatch(dispatchCtx, conn)
	}()

	var err error
	select {
	case <-conn.Done():
		err = conn.Err()
	case err = <-dispatchErr:
		dispatchErr = nil
	case <-ctx.Done():
		err = ctx.Err()
	}

	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.ready = false
	l.mu.Unlock()
	l.metrics.setReady(false)

	cancel()
	if dispatchErr != nil {
		<-dispatchErr
	}
	if cerr := conn.Close(); cerr != nil {
		l.logger.WithError(cerr).Debug("error when closing database connection")
	}

	l.logger.Info("database listener not ready")
	l.broadcastReadiness(false)

	if err == nil {
		err = ErrNotConnected
	}
	return true, err
}

func (l *Listener) dispatch(ctx context.Context, conn Conn) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.Deliver(*n)
	}
}

// Deliver hands n to every session currently subscribed to its channel. A
// notification on a channel nobody is subscribed to is dropped.
func (l *Listener) Deliver(n Notification) {
	l.metrics.received()

	l.mu.Lock()
	set, ok := l.subscriptions[n.Channel]
	if !ok {
		l.mu.Unlock()
		l.logger.WithField("channel", n.Channel).Debug("dropping notification without subscribers")
		return
	}
	targets := make([]*outbox, 0, set.len())
	for _, s := range set.order {
		if ob, ok := l.outboxes[s]; ok {
			targets = append(targets, ob)
		}
	}
	l.mu.Unlock()

	for _, ob := range targets {
		ob.pushNotification(n)
	}
}

func (l *Listener) broadcastReadiness(ready bool) {
	l.mu.Lock()
	targets := make([]*outbox, 0, len(l.outboxes))
	for _, ob := range l.outboxes {
		targets = append(targets, ob)
	}
	l.mu.Unlock()

	for _, ob := range targets {
		ob.pushReadiness(ready)
	}
}

// Attach registers s to receive readiness changes and queues the current
// readiness for it. Subscribe attaches implicitly.
func (l *Listener) Attach(s Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attachLocked(s)
}

func (l *Listener) attachLocked(s Session) {
	if _, ok := l.outboxes[s]; ok {
		return
	}
	ob := newOutbox(s, l.outboxSize, l.logger.WithField("component", "outbox"), l.metrics)
	ob.pushReadiness(l.ready)
	l.outboxes[s] = ob
}

// Subscribe subscribes s to channel. Subscribing twice is a no-op. The first
// subscriber of a channel triggers a LISTEN when a connection is live;
// otherwise the channel is picked up by the next reconnect.
func (l *Listener) Subscribe(ctx context.Context, s Session, channel string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}

	var stale Conn

	l.mu.Lock()
	l.attachLocked(s)

	set, ok := l.subscriptions[channel]
	if !ok {
		set = newSubscriberSet()
		l.subscriptions[channel] = set
		if l.conn != nil {
			if err := l.conn.Listen(ctx, channel); err != nil {
				stale = l.dropConnLocked(err, "LISTEN", channel)
			}
		}
	}

	if set.add(s) {
		channels, ok := l.sessionChannels[s]
		if !ok {
			channels = make(map[string]struct{})
			l.sessionChannels[s] = channels
		}
		channels[channel] = struct{}{}
	}
	count := len(l.subscriptions)
	l.mu.Unlock()

	l.metrics.setChannels(count)
	l.closeStale(stale)
	return nil
}

// Unsubscribe removes s from channel. Unsubscribing a session that is not
// subscribed is a no-op. The last subscriber leaving a channel triggers an
// UNLISTEN when a connection is live.
func (l *Listener) Unsubscribe(ctx context.Context, s Session, channel string) error {
	var stale Conn

	l.mu.Lock()
	set, ok := l.subscriptions[channel]
	if !ok || !set.remove(s) {
		l.mu.Unlock()
		return nil
	}

	if channels, ok := l.sessionChannels[s]; ok {
		delete(channels, channel)
		if len(channels) == 0 {
			delete(l.sessionChannels, s)
		}
	}
	if set.len() == 0 {
		stale = l.unlistenLocked(ctx, channel)
	}
	count := len(l.subscriptions)
	l.mu.Unlock()

	l.metrics.setChannels(count)
	l.closeStale(stale)
	return nil
}

// RemoveSession unsubscribes s from every channel and detaches it, all under
// one acquisition of the registry lock.
func (l *Listener) RemoveSession(ctx context.Context, s Session) {
	var stale []Conn

	l.mu.Lock()
	for channel := range l.sessionChannels[s] {
		set, ok := l.subscriptions[channel]
		if !ok {
			continue
		}
		set.remove(s)
		if set.len() == 0 {
			if c := l.unlistenLocked(ctx, channel); c != nil {
				stale = append(stale, c)
			}
		}
	}
	delete(l.sessionChannels, s)

	ob := l.outboxes[s]
	delete(l.outboxes, s)
	count := len(l.subscriptions)
	l.mu.Unlock()

	if ob != nil {
		ob.close()
	}
	l.metrics.setChannels(count)
	for _, c := range stale {
		l.closeStale(c)
	}
}

func (l *Listener) unlistenLocked(ctx context.Context, channel string) Conn {
	delete(l.subscriptions, channel)
	if l.conn == nil {
		return nil
	}
	if err := l.conn.Unlisten(ctx, channel); err != nil {
		return l.dropConnLocked(err, "UNLISTEN", channel)
	}
	return nil
}

// dropConnLocked forgets the live connection after a failed statement. The
// connection is closed by the caller once the lock is released, which wakes
// Run to reconnect and replay.
func (l *Listener) dropConnLocked(err error, statement, channel string) Conn {
	conn := l.conn
	l.conn = nil
	l.ready = false
	l.metrics.setReady(false)
	l.logger.WithError(err).WithField("channel", channel).Errorf("%s failed, dropping database connection", statement)
	return conn
}

func (l *Listener) closeStale(conn Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		l.logger.WithError(err).Debug("error when closing database connection")
	}
}

// Ready reports whether a connection is live and every subscribed channel has
// been LISTENed on it.
func (l *Listener) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// Channels returns the subscribed channels in sorted order.
func (l *Listener) Channels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	channels := make([]string, 0, len(l.subscriptions))
	for channel := range l.subscriptions {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

// Subscribers returns the sessions subscribed to channel in subscription order.
func (l *Listener) Subscribers(channel string) []Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, ok := l.subscriptions[channel]
	if !ok {
		return nil
	}
	return append([]Session(nil), set.order...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// subscriberSet is an insertion-ordered set of sessions.
type subscriberSet struct {
	order []Session
	index map[Session]int
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{index: make(map[Session]int)}
}

func (s *subscriberSet) add(session Session) bool {
	if _, ok := s.index[session]; ok {
		return false
	}
	s.index[session] = len(s.order)
	s.order = append(s.order, session)
	return true
}

func (s *subscriberSet) remove(session Session) bool {
	i, ok := s.index[session]
	if !ok {
		return false
	}
	delete(s.index, session)
	s.order = append(s.order[:i], s.order[i+1:]...)
	for j := i; j < len(s.order); j++ {
		s.index[s.order[j]] = j
	}
	return true
}

func (s *subscriberSet) len() int {
	return len(s.order)
}

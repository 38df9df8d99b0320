package warpgate

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// DefaultOutboxSize is the number of notifications queued per session before
// the oldest is dropped.
const DefaultOutboxSize = 256

type outboxEvent struct {
	notification *Notification
	ready        bool
}

// outbox decouples the dispatch loop from one session's sinks. Pushes never
// block; a single goroutine calls the sinks in order. When the queue holds
// limit notifications the oldest one is dropped. Readiness events are never
// dropped. Readiness events queued back to back collapse to the latest value,
// preceded by false when that value is true and an outage was queued.
type outbox struct {
	session Session
	limit   int
	logger  *log.Entry
	metrics endpointMetrics

	mu            sync.Mutex
	queue         []outboxEvent
	notifications int
	closed        bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newOutbox(s Session, limit int, logger *log.Entry, metrics endpointMetrics) *outbox {
	if limit <= 0 {
		limit = DefaultOutboxSize
	}
	o := &outbox{
		session: s,
		limit:   limit,
		logger:  logger,
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *outbox) pushNotification(n Notification) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}

	dropped := false
	if o.notifications >= o.limit {
		for i, ev := range o.queue {
			if ev.notification != nil {
				o.queue = append(o.queue[:i], o.queue[i+1:]...)
				o.notifications--
				dropped = true
				break
			}
		}
	}
	o.queue = append(o.queue, outboxEvent{notification: &n})
	o.notifications++
	o.mu.Unlock()

	if dropped {
		o.metrics.dropped()
		o.logger.WithField("channel", n.Channel).Warn("session outbox full, dropped oldest notification")
	}
	o.signal()
}

func (o *outbox) pushReadiness(ready bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}

	// Collapse the readiness events queued after the last notification. A
	// run that ends ready but saw an outage keeps a false before the true.
	start := len(o.queue)
	for start > 0 && o.queue[start-1].notification == nil {
		start--
	}
	outage := !ready
	for _, ev := range o.queue[start:] {
		if !ev.ready {
			outage = true
		}
	}
	o.queue = o.queue[:start]
	if ready && outage {
		o.queue = append(o.queue, outboxEvent{ready: false})
	}
	o.queue = append(o.queue, outboxEvent{ready: ready})
	o.mu.Unlock()

	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) pop() (outboxEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || len(o.queue) == 0 {
		return outboxEvent{}, false
	}
	ev := o.queue[0]
	o.queue[0] = outboxEvent{}
	o.queue = o.queue[1:]
	if ev.notification != nil {
		o.notifications--
	}
	return ev, true
}

func (o *outbox) run() {
	defer close(o.stopped)

	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}

		for {
			ev, ok := o.pop()
			if !ok {
				break
			}
			o.deliver(ev)
		}
	}
}

func (o *outbox) deliver(ev outboxEvent) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.WithField("panic", r).Error("session sink panicked")
		}
	}()

	if n := ev.notification; n != nil {
		if err := o.session.SendNotification(n.Channel, n.Payload); err != nil {
			o.logger.WithError(err).WithField("channel", n.Channel).Warn("failed to send notification to session")
			return
		}
		o.metrics.delivered()
		return
	}

	if err := o.session.SendDatabaseReadiness(ev.ready); err != nil {
		o.logger.WithError(err).Warn("failed to send readiness to session")
	}
}

// close discards anything still queued and stops the delivery goroutine. A
// sink call already in progress is not interrupted.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	o.queue = nil
	o.notifications = 0
	close(o.done)
}

// len reports how many events are waiting.
func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

package warpgate

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// ListenerOption is a Listener option function
type ListenerOption func(*Listener)

// ListenerName is an option for setting the endpoint name used in logs and
// metric labels.
func ListenerName(name string) ListenerOption {
	return func(l *Listener) {
		l.name = name
	}
}

// ReconnectBackoff is an option for setting the minimum and maximum delay
// between reconnect attempts.
func ReconnectBackoff(min, max time.Duration) ListenerOption {
	return func(l *Listener) {
		if min > 0 {
			l.minBackoff = min
		}
		if max > 0 {
			l.maxBackoff = max
		}
	}
}

// OutboxSize is an option for setting how many notifications may queue for a
// single session before the oldest is dropped.
func OutboxSize(size int) ListenerOption {
	return func(l *Listener) {
		if size > 0 {
			l.outboxSize = size
		}
	}
}

// ListenerLogger is an option for setting the logger
func ListenerLogger(logger *log.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger.WithFields(log.Fields{"component": "listener"})
	}
}

// ListenerMetrics is an option for recording metrics.
func ListenerMetrics(m *Metrics) ListenerOption {
	return func(l *Listener) {
		l.metrics.m = m
	}
}

func listenerSleep(sleep func(context.Context, time.Duration) error) ListenerOption {
	return func(l *Listener) {
		l.sleep = sleep
	}
}

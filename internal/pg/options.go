package pg

import (
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultPollInterval = time.Second

// Option is a driver option function.
type Option func(*options)

type options struct {
	pollInterval time.Duration
	logger       *log.Entry
}

// PollInterval sets how often a connection's liveness is checked when the
// driver has no other way to notice that it died.
func PollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// Logger sets the logger used by the driver.
func Logger(logger *log.Logger) Option {
	return func(o *options) {
		o.logger = logger.WithFields(log.Fields{"component": "pool"})
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		pollInterval: defaultPollInterval,
		logger:       log.WithFields(log.Fields{"component": "pool"}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

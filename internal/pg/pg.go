// Package pg provides the Postgres connection pools used by warp-gate
// endpoints.
package pg

import (
	"fmt"

	warpgate "github.com/perangel/warp-gate"
)

// Supported drivers.
const (
	DriverPgx = "pgx"
	DriverPQ  = "pq"
)

// Open returns a pool for the named driver. No connection is made until the
// pool's first Acquire.
func Open(driver, dsn string, opts ...Option) (warpgate.Pool, error) {
	switch driver {
	case DriverPgx, "":
		return NewPgxPool(dsn, opts...)
	case DriverPQ:
		return NewPQPool(dsn, opts...), nil
	default:
		return nil, fmt.Errorf("%w: '%s'", warpgate.ErrUnknownDriver, driver)
	}
}

// Opener adapts Open to warpgate.PoolOpener.
func Opener(opts ...Option) warpgate.PoolOpener {
	return func(cfg warpgate.EndpointConfig) (warpgate.Pool, error) {
		return Open(cfg.Driver, cfg.DSN, opts...)
	}
}

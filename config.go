package warpgate

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

// DBConfig is a struct that stores database connection settings. It is only
// used when no DSN is configured.
type DBConfig struct {
	Host     string `envconfig:"DB_HOST"`
	Port     int    `envconfig:"DB_PORT"`
	User     string `envconfig:"DB_USER"`
	Password string `envconfig:"DB_PASS"`
	Database string `envconfig:"DB_NAME"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
}

// Config is a struct that stores warp-gate configuration settings.
type Config struct {
	// Database configuration settings.
	Database DBConfig
	// DSN is the connection string of the database to listen on. Takes
	// precedence over Database.
	DSN string `envconfig:"DSN"`
	// Driver selects the connection implementation. May be one of `pgx` or `pq`.
	Driver string `envconfig:"DRIVER" default:"pgx"`
	// ListenAddr is the HTTP address websocket clients connect to.
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	// EndpointPath is the HTTP path of the websocket endpoint.
	EndpointPath string `envconfig:"ENDPOINT_PATH" default:"/ws"`
	// Reconnect backoff bounds.
	MinBackoff time.Duration `envconfig:"MIN_BACKOFF" default:"1s"`
	MaxBackoff time.Duration `envconfig:"MAX_BACKOFF" default:"64s"`
	// PollInterval is how often connection liveness is polled when the driver
	// cannot report that a connection died.
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	// OutboxSize is the number of notifications queued per client.
	OutboxSize int `envconfig:"OUTBOX_SIZE" default:"256"`
	// WriteTimeout bounds every websocket write.
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	// Logging level
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// Logging format, `text` or `json`.
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// EndpointConfig is the immutable configuration of a single Endpoint.
type EndpointConfig struct {
	Path         string
	DSN          string
	Driver       string
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
	OutboxSize   int
	WriteTimeout time.Duration
}

var pathPattern = regexp.MustCompile(`^/`)

// NewConfigFromEnv returns a new Config initialized with values read from the environment.
func NewConfigFromEnv() (*Config, error) {
	var c Config
	err := envconfig.Process("wg", &c)
	if err != nil {
		return nil, errors.New("unable to parse configuration from environment")
	}
	return &c, nil
}

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DSN,
			validation.When(c.Database.Host == "", validation.Required.Error("either a DSN or a database host is required")),
		),
		validation.Field(&c.Driver, validation.Required, validation.In("pgx", "pq")),
		validation.Field(&c.ListenAddr, validation.Required),
		validation.Field(&c.EndpointPath, validation.Required, validation.Match(pathPattern).Error("must start with '/'")),
		validation.Field(&c.MinBackoff, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.MaxBackoff, validation.Required, validation.Min(c.MinBackoff)),
		validation.Field(&c.PollInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.OutboxSize, validation.Required, validation.Min(1)),
		validation.Field(&c.WriteTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.LogFormat, validation.In("text", "json")),
	)
}

// ConnString returns the DSN, or builds a postgres:// URL from Database when no
// DSN is set. Userinfo and query values are escaped.
func (c *Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   c.Database.Host,
	}
	if c.Database.Port != 0 {
		u.Host = net.JoinHostPort(c.Database.Host, strconv.Itoa(c.Database.Port))
	}
	switch {
	case c.Database.Password != "":
		u.User = url.UserPassword(c.Database.User, c.Database.Password)
	case c.Database.User != "":
		u.User = url.User(c.Database.User)
	}
	if c.Database.Database != "" {
		u.Path = "/" + c.Database.Database
	}
	if c.Database.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.Database.SSLMode}}.Encode()
	}
	return u.String()
}

// EndpointConfig returns the endpoint settings derived from c.
func (c *Config) EndpointConfig() EndpointConfig {
	return EndpointConfig{
		Path:         c.EndpointPath,
		DSN:          c.ConnString(),
		Driver:       c.Driver,
		MinBackoff:   c.MinBackoff,
		MaxBackoff:   c.MaxBackoff,
		PollInterval: c.PollInterval,
		OutboxSize:   c.OutboxSize,
		WriteTimeout: c.WriteTimeout,
	}
}

// NewLogger returns a logger configured with the level and format of c.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	lvl, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(lvl)
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger, nil
}

func ParseLogLevel(level string) (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("Error: '%s' is not a valid log level. Must be one of: 'trace', 'debug', 'info', 'warn', 'error', 'fatal'", level)
	}
	return lvl, err
}

package cli

import (
	warpgate "github.com/perangel/warp-gate"
)

func parseConfig() (*warpgate.Config, error) {
	config, err := warpgate.NewConfigFromEnv()
	if err != nil {
		return nil, err
	}

	if listenAddr != "" {
		config.ListenAddr = listenAddr
	}

	if endpointPath != "" {
		config.EndpointPath = endpointPath
	}

	if dsn != "" {
		config.DSN = dsn
	}

	if driver != "" {
		config.Driver = driver
	}

	if logLevel != "" {
		config.LogLevel = logLevel
	}

	if logFormat != "" {
		config.LogFormat = logFormat
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

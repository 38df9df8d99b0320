package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	warpgate "github.com/perangel/warp-gate"
	"github.com/perangel/warp-gate/internal/pg"
)

// Flags
var (
	listenAddr   string
	endpointPath string
	dsn          string
	driver       string
	logLevel     string
	logFormat    string
)

func init() {
	WarpGateCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "", "log level")
	WarpGateCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format, `text` or `json`")
	WarpGateCmd.PersistentFlags().StringVarP(&dsn, "dsn", "D", "", "database connection string")
	WarpGateCmd.Flags().StringVarP(&listenAddr, "listen-addr", "a", "", "HTTP listen address")
	WarpGateCmd.Flags().StringVar(&endpointPath, "path", "", "websocket endpoint path")
	WarpGateCmd.Flags().StringVarP(&driver, "driver", "d", "", "database driver, `pgx` or `pq`")
	WarpGateCmd.Flags().SortFlags = false

	WarpGateCmd.AddCommand(notifyCmd)
}

// WarpGateCmd is the root command.
var WarpGateCmd = &cobra.Command{
	Use:   "warp-gate",
	Short: "Run a warp-gate",
	Long: `Run a warp-gate and relay Postgres LISTEN/NOTIFY events to websocket clients.

Clients connect to the endpoint path and send {"type":"subscribe","channel":"..."}
to receive every NOTIFY on that channel. The gateway keeps a single connection to
the database, reconnecting with exponential backoff and re-issuing LISTEN for all
subscribed channels whenever the connection is lost.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		config, err := parseConfig()
		if err != nil {
			return err
		}

		logger, err := config.NewLogger()
		if err != nil {
			return err
		}

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		endpoint := warpgate.NewEndpoint(
			config.EndpointConfig(),
			warpgate.EndpointLogger(logger),
			warpgate.EndpointMetrics(warpgate.NewMetrics(registry)),
			warpgate.OpenPoolWith(pg.Opener(
				pg.PollInterval(config.PollInterval),
				pg.Logger(logger),
			)),
		)

		server := warpgate.NewServer(
			config.ListenAddr,
			warpgate.ServerLogger(logger),
			warpgate.MetricsGatherer(registry),
		)
		server.Mount(endpoint)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return server.ListenAndServe(ctx)
	},
}

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/perangel/warp-gate/internal/publish"
)

const notifyTimeout = 10 * time.Second

var notifyCmd = &cobra.Command{
	Use:   "notify <channel> <payload>",
	Short: "Send a NOTIFY to the database",
	Long: `Send a NOTIFY on a channel, using the same database settings as the gateway.

Useful for checking that subscribed websocket clients receive events end to end.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := parseConfig()
		if err != nil {
			return err
		}

		logger, err := config.NewLogger()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		p, err := publish.Open(ctx, config.ConnString(), publish.Logger(logger))
		if err != nil {
			return err
		}
		defer p.Close()

		if err := p.Notify(ctx, args[0], args[1]); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Sent notification on '%s'\n", args[0])
		return nil
	},
}

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	warpgate "github.com/perangel/warp-gate"
)

var gatewayURL string

func init() {
	tailCmd.Flags().StringVarP(&gatewayURL, "url", "u", "ws://localhost:8080/ws", "websocket URL of the gateway")
	WarpGateCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail <channel>...",
	Short: "Print notifications received through a running gateway",
	Long: `Connect to a running warp-gate, subscribe to the given channels, and print
every notification and readiness change as a JSON line.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, _, err := websocket.DefaultDialer.Dial(gatewayURL, nil)
		if err != nil {
			return fmt.Errorf("connect to %s: %w", gatewayURL, err)
		}
		defer conn.Close()

		for _, channel := range args {
			if err := conn.WriteJSON(warpgate.Request{Type: warpgate.RequestSubscribe, Channel: channel}); err != nil {
				return err
			}
		}

		shutdownCh := make(chan os.Signal, 1)
		signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-shutdownCh
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
				conn.Close()
			}
		}()

		enc := json.NewEncoder(cmd.OutOrStdout())
		for {
			var m warpgate.Message
			if err := conn.ReadJSON(&m); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return nil
				}
				return err
			}

			switch m.Type {
			case warpgate.MessageNotification, warpgate.MessageReadiness:
				if err := enc.Encode(m); err != nil {
					return err
				}
			case warpgate.MessageError:
				log.WithField("channel", m.Channel).Error(m.Error)
			default:
				log.WithField("channel", m.Channel).Debug(m.Type)
			}
		}
	},
}

package main

import (
	"context"

	"github.com/asnowfix/wifimgr/internal/config"
	"github.com/asnowfix/wifimgr/internal/daemon"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the connection manager and its portal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := logr.FromContextOrDiscard(ctx)

		cfg, err := config.Load(cmd)
		if err != nil {
			return err
		}
		s, err := daemon.NewService(ctx, log, nil, func(ctx context.Context) (*daemon.Daemon, error) {
			return daemon.New(ctx, log, cfg, daemon.Deps{})
		})
		if err != nil {
			return err
		}
		return s.Run()
	},
}

func init() {
	runCmd.Flags().String("radio", "nm", "radio driver: nm (NetworkManager) or sim")
	runCmd.Flags().StringP("interface", "i", "wlan0", "wireless interface")
	runCmd.Flags().StringP("listen", "l", ":8080", "HTTP listen address")
	runCmd.Flags().String("mqtt-broker", "", "publish status to this MQTT broker (host[:port], URL or zeroconf)")
	runCmd.Flags().String("ssid-prefix", "WifiMgr-", "portal access point name prefix")
	runCmd.Flags().Uint8("reboot-after", 0, "restart after that many failed connection attempts (0: never)")
}

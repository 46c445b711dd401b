package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"utspclient/internal/transport"
)

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask the job manager to stop all connected workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := transport.NewClient(cfg.Server.URL, cfg.Server.APIKey, cfg.Server.Timeout)
		if err != nil {
			return err
		}
		if err := client.Shutdown(cmd.Context()); err != nil {
			return err
		}
		logrus.Info("shutdown request accepted")
		return nil
	},
}

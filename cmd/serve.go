package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/jamengine/internal/server"
	"github.com/audiolibrelab/jamengine/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve [arrangement.yaml]",
	Short: "Start the web server for remote control",
	Long: `Open the arrangement and start the JamEngine web server to control the transport
from a browser. This allows you to start, stop and record from your smartphone or
any device on the same network, switch profiles and download takes and mixdowns.

The server will display the local network URL for easy access from mobile devices.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		return withEngine(args[0], func(ctx context.Context, e *service.Engine) error {
			slog.Info("JamEngine web server starting", "port", port, "config", cfgFile, "arrangement", e.Session().Name)

			if err := server.New(e, cfgFile, port).Start(ctx); err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		})
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server")
}

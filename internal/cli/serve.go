package cli

import (
	"github.com/spf13/cobra"

	"github.com/lucasnoah/factorywatch/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and dashboard",
	Long: `Start the HTTP API (run, stream, status, inject, analytics, LINE webhook),
the browser dashboard and the Prometheus /metrics endpoint.

The port defaults to server.port from the configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		port := a.cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		srv := web.NewServer(a.orch, a.store, port)
		srv.SetMetrics(a.metrics)
		srv.SetMessenger(newMessenger(a.cfg))
		return srv.Start()
	},
}

func init() {
	serveCmd.Flags().Int("port", 8080, "Port to listen on (overrides server.port)")
}

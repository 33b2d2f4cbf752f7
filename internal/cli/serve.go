package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tutu-network/switchboard/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveCatalog, "catalog", "", "Routing catalog file (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost    string
	servePort    int
	serveCatalog string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the switchboard server",
	Long:  `Start the HTTP API, the SLA monitor and the catalog watcher.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Override config from flags
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if serveCatalog != "" {
		cfg.Catalog.Path = serveCatalog
	}

	logger, err := daemon.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}

	d, err := daemon.NewWithConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd.Printf("switchboard serving on http://%s\n", d.Addr())
	if cfg.Telemetry.Prometheus {
		cmd.Printf("  Metrics: http://%s/metrics\n", d.Addr())
	}
	return d.Serve(ctx)
}

package cli

import (
	"fmt"

	"github.com/harun/parley/internal/daemon"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the parley gateway",
	Long: `Start the parley gateway in the foreground.
MCP tool servers from the configuration are launched first. The process stops
gracefully on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.WithVersion(version))
	if err != nil {
		return err
	}

	if err := d.Start(cmd.Context()); err != nil {
		d.Close()
		return err
	}
	return d.Wait(cmd.Context())
}

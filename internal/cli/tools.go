package cli

import (
	"encoding/json"
	"fmt"

	"github.com/harun/parley/internal/daemon"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools [name]",
	Short: "List the tools the agent can use",
	Long: `Launch the configured MCP servers and print the tool listing as JSON,
in the same shape the gateway serves on GET /tools.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Listing never touches threads
	cfg.Storage.Driver = "memory"
	cfg.DataDir = ""
	if !cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = "warn"
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
	defer d.Close()

	ctx := cmd.Context()
	d.StartToolServers(ctx)

	var out interface{}
	if len(args) == 1 {
		desc, ok := d.Registry().DescribeTool(ctx, args[0])
		if !ok {
			return fmt.Errorf("tool %s not found", args[0])
		}
		out = desc
	} else {
		out = d.Registry().Describe(ctx)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

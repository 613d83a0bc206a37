package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/parley/internal/config"
	"github.com/spf13/cobra"
)

var configureOpts struct {
	provider string
	apiKey   string
	model    string
	port     int
	storage  string
	force    bool
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a configuration file",
	Long: `Write a configuration file with defaults and the given settings.
Provider keys can also be supplied later through OPENAI_API_KEY,
OPENROUTER_API_KEY or ANTHROPIC_API_KEY.`,
	RunE: runConfigure,
}

func init() {
	f := configureCmd.Flags()
	f.StringVar(&configureOpts.provider, "provider", "openai", "default provider (openai, openrouter, anthropic)")
	f.StringVar(&configureOpts.apiKey, "api-key", "", "API key of the default provider")
	f.StringVar(&configureOpts.model, "model", "", "default model")
	f.IntVar(&configureOpts.port, "port", 0, "gateway port")
	f.StringVar(&configureOpts.storage, "storage", "", "thread storage driver (memory, sqlite)")
	f.BoolVar(&configureOpts.force, "force", false, "overwrite an existing file")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	if _, err := os.Stat(configPath); err == nil && !configureOpts.force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := config.DefaultConfig()
	cfg.Providers.Default = configureOpts.provider
	if configureOpts.apiKey != "" {
		switch configureOpts.provider {
		case "openai":
			cfg.Providers.OpenAI.APIKey = configureOpts.apiKey
		case "openrouter":
			cfg.Providers.OpenRouter.APIKey = configureOpts.apiKey
		case "anthropic":
			cfg.Providers.Anthropic.APIKey = configureOpts.apiKey
		}
	}
	if configureOpts.model != "" {
		cfg.Agent.Model = configureOpts.model
	}
	if configureOpts.port != 0 {
		cfg.Server.Port = configureOpts.port
	}
	if configureOpts.storage != "" {
		cfg.Storage.Driver = configureOpts.storage
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(filepath.Dir(configPath), "threads.db")
	}

	v := config.NewValidator()
	if err := v.ValidateProviderName(cfg.Providers.Default); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if configureOpts.apiKey != "" {
		if err := v.ValidateAPIKey(configureOpts.apiKey, cfg.Providers.Default); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := v.ValidateStorage(cfg.Storage); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", configPath)
	fmt.Fprintln(out, "You can now start parley with: parley serve")
	return nil
}

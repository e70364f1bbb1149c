package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zen-systems/mlroute/pkg/config"
	"github.com/zen-systems/mlroute/pkg/service"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mlroute",
		Short: "Cost, latency and quality aware routing across LLM providers",
		Long: `mlroute picks a provider and model for each request under cost,
	quality and latency constraints, and runs A/B tests between
	provider/model variants to learn which one serves traffic better.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to routing config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(experimentCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadWithRoutingFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openService builds the components for a one-shot command. Experiments
// must survive between invocations, so an in-memory store is swapped for
// the sqlite file in the config directory when persist is set.
func openService(ctx context.Context, persist bool) (*service.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if persist && cfg.Store.Driver == "memory" {
		cfg.Store = config.StoreConfig{Driver: "sqlite", DSN: defaultDSN(cfg)}
	}
	var out io.Writer = io.Discard
	if verbose {
		out = os.Stderr
	}
	return service.New(ctx, cfg, service.WithLogOutput(out))
}

func defaultDSN(cfg *config.Config) string {
	return filepath.Join(cfg.ConfigDir, "experiments.db")
}

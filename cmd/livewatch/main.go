package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"livewatch/internal/config"
	"livewatch/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	serve := newServeCmd(opts)

	root := &cobra.Command{
		Use:           "livewatch",
		Short:         "Infer service liveness from log activity and stream uptime to live viewers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to configuration file (YAML)")
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve, newIntervalCmd(opts), newPruneCmd(opts))
	return root
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg config.Config) (storage.HistoryStore, error) {
	store, err := storage.Open(storage.Options{
		Driver:          cfg.Storage.Driver,
		Path:            cfg.Storage.Path,
		DefaultInterval: cfg.CheckIntervalSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise storage: %w", err)
	}
	return store, nil
}

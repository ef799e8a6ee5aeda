// Command reactivedocd is the server process entry point: a cobra
// command tree wiring configuration, logging, storage, and the gateway
// into a running instance with graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/reactivedoc/internal/config"
	"github.com/kartikbazzad/reactivedoc/internal/logger"
	"github.com/kartikbazzad/reactivedoc/internal/serverapp"
)

var buildVersion = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "reactivedocd",
		Short: "reactivedoc server process",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (YAML/JSON/TOML, viper-loaded)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(buildVersion)
			return nil
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start accepting connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Default()
	log.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := serverapp.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}

	log.Info("reactivedocd %s starting, backend=%s", buildVersion, cfg.Backend)
	return app.Run(ctx)
}

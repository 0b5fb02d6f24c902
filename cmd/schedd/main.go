// Command schedd is the project-scheduling broker. The same binary runs the
// worker processes the broker spawns, through the hidden worker command.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/drewfead/schedd/internal/broker"
	"github.com/drewfead/schedd/internal/config"
	"github.com/drewfead/schedd/internal/logging"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

var configPath string

func main() {
	os.Exit(run())
}

func run() (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "component", "main")
			fmt.Fprintf(os.Stderr, "FATAL: unrecovered panic: %v\n", r)
			exitCode = 2
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

var rootCmd = &cobra.Command{
	Use:   "schedd",
	Short: "Project scheduling broker",
	Long: `schedd keeps one worker process per loaded project and hands clients
the endpoint and token of the worker that holds the project they ask for.

Clients talk to it with the sched command.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		return runBroker(listen)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "config file")
	rootCmd.Flags().String("listen", "", "override broker.listen")
	rootCmd.AddCommand(workerCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func initLogging(cfg *config.Config, role string) {
	if err := logging.Init(logging.Config{
		Level:     logging.ParseLevel(cfg.Daemon.LogLevel),
		SentryDSN: cfg.Daemon.SentryDSN,
		Env:       getEnv(),
		Version:   Version,
		LogFile:   cfg.Daemon.LogFile,
		Role:      role,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
}

func runBroker(listen string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Broker.Listen = listen
	}

	initLogging(cfg, "broker")
	defer logging.Flush(2 * time.Second)

	b, err := broker.New(broker.Options{
		Config:     cfg,
		ConfigPath: configPath,
		Launcher: broker.SpawnLauncher{
			HandoffTimeout: cfg.Capability.HandoffTimeout,
			LogFile:        cfg.Daemon.LogFile,
			ConfigPath:     configPath,
		},
	})
	if err != nil {
		logging.Error("failed to initialize broker", "error", err)
		return err
	}

	logging.Info("starting schedd",
		"version", Version,
		"listen", b.Addr(),
		"sentry", cfg.Daemon.SentryDSN != "",
	)

	if err := b.Run(context.Background()); err != nil {
		logging.Error("broker error", "error", err)
		return err
	}
	return nil
}

func getEnv() string {
	if env := os.Getenv("SCHEDD_ENV"); env != "" {
		return env
	}
	return "development"
}

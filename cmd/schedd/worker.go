package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drewfead/schedd/internal/api"
	"github.com/drewfead/schedd/internal/broker"
	"github.com/drewfead/schedd/internal/logging"
	"github.com/drewfead/schedd/internal/project"
	"github.com/drewfead/schedd/internal/projectworker"
	"github.com/drewfead/schedd/internal/reportworker"
	"github.com/drewfead/schedd/internal/spawn"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a worker process (started by the broker)",
	Hidden: true,
}

var projectWorkerCmd = &cobra.Command{
	Use:   broker.RoleProject + " [files...]",
	Short: "Hold one project",
	RunE: func(cmd *cobra.Command, args []string) error {
		brokerAddr, _ := cmd.Flags().GetString("broker")
		workdir, _ := cmd.Flags().GetString("workdir")
		return runProjectWorker(brokerAddr, workdir, args)
	},
}

var reportWorkerCmd = &cobra.Command{
	Use:   projectworker.RoleReport,
	Short: "Serve reports for a project snapshot read from stdin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReportWorker()
	},
}

func init() {
	projectWorkerCmd.Flags().String("broker", os.Getenv(spawn.EnvBroker), "broker address to report state to")
	projectWorkerCmd.Flags().String("workdir", "", "directory project files are resolved against")
	workerCmd.AddCommand(projectWorkerCmd, reportWorkerCmd)
}

// terminateOnSignal turns SIGINT and SIGTERM into a graceful terminate.
func terminateOnSignal(terminate func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info("received signal, terminating", "signal", sig.String())
		terminate()
	}()
}

func announce(ep api.Endpoint) error {
	if err := spawn.Announce(spawn.Handoff{Addr: ep.Addr, Token: ep.Token, PID: os.Getpid()}); err != nil {
		return fmt.Errorf("announcing endpoint: %w", err)
	}
	return nil
}

func runProjectWorker(brokerAddr, workdir string, files []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogging(cfg, "project")
	defer logging.Flush(2 * time.Second)

	w, err := projectworker.New(projectworker.Options{
		Config:     cfg.ProjectWorker,
		Capability: cfg.Capability,
		Broker:     brokerAddr,
		Workdir:    workdir,
		Files:      files,
		Launcher: projectworker.SpawnLauncher{
			HandoffTimeout: cfg.Capability.HandoffTimeout,
			LogFile:        cfg.Daemon.LogFile,
		},
	})
	if err != nil {
		logging.Error("failed to initialize project worker", "error", err)
		return err
	}
	if err := announce(w.Endpoint()); err != nil {
		logging.Error("handoff failed", "error", err)
		return err
	}

	terminateOnSignal(w.Terminate)
	return w.Run(context.Background())
}

func runReportWorker() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogging(cfg, "report")
	defer logging.Flush(2 * time.Second)

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	p, err := project.Restore(data)
	if err != nil {
		logging.Error("invalid project snapshot", "error", err)
		return err
	}

	w, err := reportworker.New(p, reportworker.Options{
		Config:     cfg.ReportWorker,
		Capability: cfg.Capability,
	})
	if err != nil {
		logging.Error("failed to initialize report worker", "error", err)
		return err
	}
	if err := announce(w.Endpoint()); err != nil {
		logging.Error("handoff failed", "error", err)
		return err
	}

	terminateOnSignal(w.Terminate)
	return w.Run(context.Background())
}

// Command sched is the client for the schedd broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/drewfead/schedd/internal/api"
	"github.com/drewfead/schedd/internal/broker"
	"github.com/drewfead/schedd/internal/cli"
	"github.com/drewfead/schedd/internal/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	brokerAddr string
	timeout    time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		cli.Fail("%v", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sched",
	Short: "Client for the schedd project broker",
	Long: `sched talks to a running schedd broker. It loads projects into the
broker, generates reports from them and checks time and status sheets
against them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "config file")
	rootCmd.PersistentFlags().StringVar(&brokerAddr, "broker", "", "broker address (default broker.listen)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "deadline for one command")

	rootCmd.AddCommand(
		statusCmd,
		addCmd,
		removeCmd,
		reportCmd,
		listReportsCmd,
		checkTimeSheetCmd,
		checkStatusSheetCmd,
		historyCmd,
		stopCmd,
		topCmd,
	)
}

var errBrokerUnreachable = errors.New("broker is not running")

// connect dials the broker and checks that it speaks our protocol version
// and accepts our key.
func connect(ctx context.Context) (*api.BrokerClient, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	key, err := broker.ClientAuthKey(cfg)
	if err != nil {
		return nil, err
	}
	addr := cfg.Broker.Listen
	if brokerAddr != "" {
		addr = brokerAddr
	}

	bc, err := api.DialBroker(ctx, addr, key)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %v", errBrokerUnreachable, addr, err)
	}

	v, err := bc.APIVersion(ctx)
	if err != nil {
		bc.Close()
		return nil, fmt.Errorf("checking API version: %w", err)
	}
	switch v {
	case 1:
		return bc, nil
	case 0:
		bc.Close()
		return nil, errors.New("broker rejected the auth key")
	default:
		bc.Close()
		return nil, fmt.Errorf("broker does not speak API version %d", api.Version)
	}
}

// withBroker runs fn against a connected broker under the command deadline.
func withBroker(fn func(ctx context.Context, bc *api.BrokerClient) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	bc, err := connect(ctx)
	if err != nil {
		return err
	}
	defer bc.Close()
	return fn(ctx, bc)
}

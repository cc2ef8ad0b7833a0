package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/KyberNetwork/logger"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/aptopilot/txengine/chain"
	"github.com/aptopilot/txengine/chain/evm"
	"github.com/aptopilot/txengine/chain/slot"
	"github.com/aptopilot/txengine/config"
	"github.com/aptopilot/txengine/notify"
)

var rootCmd = &cobra.Command{
	Use:   "txengine",
	Short: "Inspect networks and transactions served by the transaction engine",
	Long: `txengine reads the engine configuration, connects to every configured
network and exposes the engine's fee, nonce and monitoring services for
operators.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", config.Path("txengine.yaml"), "Path to the engine configuration file")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(path)
}

type closerFunc func()

// connect dials every configured chain and registers it. The returned func
// closes all connections.
func connect(ctx context.Context, cfg config.Config) (*chain.Registry, closerFunc, error) {
	registry := chain.NewRegistry()
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, ch := range cfg.Chains {
		d, err := ch.Descriptor()
		if err != nil {
			closeAll()
			return nil, nil, err
		}

		var client chain.Client
		switch d.AddressModel {
		case chain.SlotBased:
			c, err := slot.Dial(ctx, ch.RPCURL)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("dial %s: %w", d, err)
			}
			closers = append(closers, c.Close)
			client = c
		default:
			id, err := ch.EVMChainID()
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			c, err := evm.Dial(ctx, ch.RPCURL, id)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("dial %s: %w", d, err)
			}
			closers = append(closers, c.Close)
			client = c
		}

		if err := registry.Register(d, client); err != nil {
			closeAll()
			return nil, nil, err
		}
		logger.WithFields(logger.Fields{
			"chain_id":      d.ID,
			"name":          d.Name,
			"address_model": d.AddressModel.String(),
		}).Debug("cli: chain connected")
	}
	return registry, closeAll, nil
}

// notifier publishes on redis when configured and logs otherwise.
func notifier(cfg config.Config) (notify.Notifier, closerFunc) {
	if !cfg.Redis.Enabled() {
		return notify.LogNotifier{}, func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	n := notify.NewRedisNotifier(client, notify.WithChannel(cfg.Redis.Channel))
	return n, func() { _ = client.Close() }
}

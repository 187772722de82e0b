package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/colorfulnotion/aggregator/common"
	"github.com/colorfulnotion/aggregator/config"
	"github.com/colorfulnotion/aggregator/coordinator"
	"github.com/colorfulnotion/aggregator/log"
	"github.com/colorfulnotion/aggregator/prover"
	"github.com/colorfulnotion/aggregator/relay"
	rpcclient "github.com/colorfulnotion/aggregator/rpc_client"
	"github.com/colorfulnotion/aggregator/service"
	"github.com/colorfulnotion/aggregator/worker"
	"github.com/spf13/cobra"
)

type workerFlags struct {
	endpoint       string
	interval       time.Duration
	batchSize      int
	relayTimeout   time.Duration
	proverMode     string
	proverEndpoint string
}

func (w *workerFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&w.endpoint, "endpoint", "", "Aggregation service URL; empty runs against the local database")
	f.DurationVar(&w.interval, "interval", 0, "Time between ticks (default 30m)")
	f.IntVar(&w.batchSize, "batch-size", 0, "Proofs per batch (default 32)")
	f.DurationVar(&w.relayTimeout, "relay-timeout", 0, "Bound on waiting for on-chain confirmation (default 2m)")
	f.StringVar(&w.proverMode, "prover", "", "Prover mode: remote or dev")
	f.StringVar(&w.proverEndpoint, "prover-endpoint", "", "Prover service URL")
}

func (w *workerFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("endpoint") {
		cfg.Worker.Endpoint = w.endpoint
	}
	if f.Changed("interval") {
		cfg.Worker.Interval = w.interval
	}
	if f.Changed("batch-size") {
		cfg.Worker.BatchSize = w.batchSize
	}
	if f.Changed("relay-timeout") {
		cfg.Worker.RelayTimeout = w.relayTimeout
	}
	if f.Changed("prover") {
		cfg.Prover.Mode = w.proverMode
	}
	if f.Changed("prover-endpoint") {
		cfg.Prover.Endpoint = w.proverEndpoint
	}
}

func newWorkerCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Aggregation worker",
	}

	runFlags := &workerFlags{}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Batch, fold and relay pending proofs on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runner, cleanup, err := setupRunner(ctx, cmd, g, runFlags)
			if err != nil {
				return err
			}
			defer cleanup()

			runner.Start(ctx)
			fmt.Printf("Aggregation worker running\n")
			<-ctx.Done()
			fmt.Printf("\nShutting down aggregation worker...\n")
			runner.Stop()

			for _, f := range runner.FailedBatches() {
				fmt.Printf("batch %s awaiting retry: %v\n", f.BatchID, f.Err)
			}
			return nil
		},
	}
	runFlags.register(runCmd)

	retryFlags := &workerFlags{}
	var batchHex string
	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Drive one Aggregated batch to Verified",
		RunE: func(cmd *cobra.Command, args []string) error {
			batchID, err := common.ParseHash(batchHex)
			if err != nil {
				return fmt.Errorf("--batch: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runner, cleanup, err := setupRunner(ctx, cmd, g, retryFlags)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := runner.RetryBatch(ctx, batchID)
			if err != nil {
				return err
			}
			if res == nil {
				fmt.Printf("batch %s is already Verified\n", batchID)
				return nil
			}
			fmt.Printf("batch %s Verified: %d proofs, root %s, tx %s\n", res.BatchID, res.Size, res.Root, res.Receipt.TxHash)
			return nil
		},
	}
	retryFlags.register(retryCmd)
	retryCmd.Flags().StringVar(&batchHex, "batch", "", "Batch id (0x-prefixed hex)")
	_ = retryCmd.MarkFlagRequired("batch")

	cmd.AddCommand(runCmd, retryCmd)
	return cmd
}

// setupRunner builds a Runner from config. The returned cleanup releases
// every connection it opened.
func setupRunner(ctx context.Context, cmd *cobra.Command, g *globalFlags, wf *workerFlags) (*worker.Runner, func(), error) {
	cfg, err := loadConfig(cmd, g)
	if err != nil {
		return nil, nil, err
	}
	wf.apply(cmd, cfg)
	if err := cfg.Validate(true); err != nil {
		return nil, nil, err
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*worker.Runner, func(), error) {
		cleanup()
		return nil, nil, err
	}

	stopTelemetry, err := startTelemetry(ctx, cfg, "worker")
	if err != nil {
		return fail(err)
	}
	closers = append(closers, stopTelemetry)

	var client worker.AggregationClient
	if cfg.Worker.Endpoint != "" {
		c, err := rpcclient.Dial(ctx, cfg.Worker.Endpoint)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, c.Close)
		client = c
		log.Info(log.Worker, "Using remote aggregation service", "endpoint", cfg.Worker.Endpoint)
	} else {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { store.Close() })
		coord, err := coordinator.New(store, nil, cfg.Server.TreeCacheSize)
		if err != nil {
			return fail(err)
		}
		client = service.New(store, coord, cfg.Server.MaxBatchSize)
	}

	var ps worker.ProofSystem
	switch cfg.Prover.Mode {
	case config.ProverDev:
		log.Warn(log.Prover, "Using the development prover; aggregate proofs will not verify on a real contract")
		ps = prover.NewDevProver()
	default:
		rp, err := prover.DialRemoteProver(ctx, cfg.Prover.Endpoint, cfg.Prover.Timeout)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, rp.Close)
		ps = rp
	}

	relayer, err := relay.Dial(ctx, relay.Config{
		RPCURL:          cfg.Relayer.RPCURL,
		ContractAddress: common.HexToAddress(cfg.Relayer.ContractAddress),
		PrivateKey:      cfg.Relayer.PrivateKey,
		ChainID:         cfg.Relayer.ChainID,
		Confirmations:   cfg.Relayer.Confirmations,
		GasLimit:        cfg.Relayer.GasLimit,
		PollInterval:    cfg.Relayer.PollInterval,
	})
	if err != nil {
		return fail(err)
	}
	log.Info(log.Relay, "Relayer ready", "from", relayer.From(), "contract", cfg.Relayer.ContractAddress)

	runner := worker.NewRunner(client, ps, relayer, worker.Config{
		Interval:     cfg.Worker.Interval,
		BatchSize:    cfg.Worker.BatchSize,
		CreatedAfter: cfg.Worker.CreatedAfter,
		RelayTimeout: cfg.Worker.RelayTimeout,
	})
	return runner, cleanup, nil
}

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/colorfulnotion/aggregator/coordinator"
	"github.com/colorfulnotion/aggregator/service"
	"github.com/spf13/cobra"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var maxBatch int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the aggregation JSON-RPC API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-batch-size") {
				cfg.Server.MaxBatchSize = maxBatch
			}
			if err := cfg.Validate(false); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stopTelemetry, err := startTelemetry(ctx, cfg, "service")
			if err != nil {
				return err
			}
			defer stopTelemetry()

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			coord, err := coordinator.New(store, nil, cfg.Server.TreeCacheSize)
			if err != nil {
				return err
			}
			srv, err := service.NewHTTPServer(service.New(store, coord, cfg.Server.MaxBatchSize))
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Server.ListenAddr, err)
			}
			srv.Start(ln)

			fmt.Printf("Aggregation service ready on http://%s\n", ln.Addr())
			<-ctx.Done()
			fmt.Printf("\nShutting down aggregation service...\n")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxBatch, "max-batch-size", 0, "Largest batch getBatch will return (default 1024)")
	return cmd
}

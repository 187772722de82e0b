package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/colorfulnotion/aggregator/prover"
	"github.com/spf13/cobra"
)

func newProverCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prover",
		Short: "Prover service helpers",
	}
	var addr string
	devCmd := &cobra.Command{
		Use:   "dev",
		Short: "Serve prover_fold with the development prover",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(cmd, g); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rpcSrv, err := prover.NewServer(prover.NewDevProver())
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			httpSrv := &http.Server{Handler: rpcSrv, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Printf("prover server: %v\n", err)
					stop()
				}
			}()
			fmt.Printf("Development prover ready on http://%s\n", ln.Addr())
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			rpcSrv.Stop()
			return httpSrv.Shutdown(shutdownCtx)
		},
	}
	devCmd.Flags().StringVar(&addr, "addr", "127.0.0.1:50052", "Address to serve prover_fold on")
	cmd.AddCommand(devCmd)
	return cmd
}

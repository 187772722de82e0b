// Aggregator - proof aggregation service and worker
// This binary:
// 1. Serves the aggregation JSON-RPC API proof producers submit to
// 2. Runs the worker that batches, folds and relays proofs on-chain
// 3. Offers client commands to submit proofs and fetch inclusion proofs
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/colorfulnotion/aggregator/config"
	"github.com/colorfulnotion/aggregator/log"
	"github.com/colorfulnotion/aggregator/storage"
	"github.com/colorfulnotion/aggregator/storage/pgstore"
	"github.com/colorfulnotion/aggregator/telemetry"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type globalFlags struct {
	configPath  string
	dbPath      string
	dbURL       string
	listen      string
	logLevel    string
	logJSON     bool
	debug       string
	metricsAddr string
	otlp        string
}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "aggregator",
		Short: "Proof aggregation service",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	g := &globalFlags{}
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&g.dbPath, "db-path", "", "LevelDB directory (default ~/.aggregator/db)")
	pf.StringVar(&g.dbURL, "db-url", "", "Postgres connection string; selects the postgres store")
	pf.StringVar(&g.listen, "listen", "", "Service address (default 127.0.0.1:50051)")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.BoolVar(&g.logJSON, "log-json", false, "Emit JSON logs")
	pf.StringVar(&g.debug, "debug", "", "Debug modules to enable, e.g. svc,coord,worker")
	pf.StringVar(&g.metricsAddr, "metrics", "", "Prometheus /metrics address, e.g. 127.0.0.1:9100")
	pf.StringVar(&g.otlp, "otlp", "", "OTLP/HTTP trace collector endpoint, e.g. localhost:4318")

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aggregator %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}

	rootCmd.AddCommand(versionCmd, newServeCmd(g), newWorkerCmd(g), newProverCmd(g))
	rootCmd.AddCommand(newClientCmds()...)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// loadConfig reads the YAML file and lets explicitly set flags win.
func loadConfig(cmd *cobra.Command, g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("db-path") {
		cfg.DB.Driver = config.DriverLevelDB
		cfg.DB.Path = g.dbPath
	}
	if flags.Changed("db-url") {
		cfg.DB.Driver = config.DriverPostgres
		cfg.DB.URL = g.dbURL
	}
	if flags.Changed("listen") {
		cfg.Server.ListenAddr = g.listen
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON = g.logJSON
	}
	if flags.Changed("debug") {
		cfg.Log.Modules = g.debug
	}
	if flags.Changed("metrics") {
		cfg.Telemetry.MetricsAddr = g.metricsAddr
	}
	if flags.Changed("otlp") {
		cfg.Telemetry.OTLPEndpoint = g.otlp
	}

	if cfg.Log.JSON {
		log.InitJSONLogger(cfg.Log.Level)
	} else {
		log.InitLogger(cfg.Log.Level)
	}
	log.EnableModules(cfg.Log.Modules)
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.RequestStore, error) {
	switch cfg.DB.Driver {
	case config.DriverPostgres:
		log.Info(log.Node, "Opening postgres store")
		store, err := pgstore.Open(ctx, cfg.DB.URL)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		if err := os.MkdirAll(cfg.DB.Path, 0755); err != nil {
			return nil, fmt.Errorf("create db dir %s: %w", cfg.DB.Path, err)
		}
		log.Info(log.Node, "Opening leveldb store", "path", cfg.DB.Path)
		store, err := storage.OpenLevelRequestStore(cfg.DB.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// startTelemetry wires tracing and the metrics endpoint. The returned func
// flushes both.
func startTelemetry(ctx context.Context, cfg *config.Config, role string) (func(), error) {
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName+"-"+role, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.Insecure)
	if err != nil {
		return nil, err
	}
	var stopMetrics func(context.Context) error
	if cfg.Telemetry.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.Telemetry.MetricsAddr)
		if err != nil {
			_ = shutdownTracer(ctx)
			return nil, fmt.Errorf("metrics listener: %w", err)
		}
		stopMetrics = telemetry.ServeMetrics(ln).Shutdown
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if stopMetrics != nil {
			_ = stopMetrics(ctx)
		}
		if err := shutdownTracer(ctx); err != nil {
			log.Warn(log.Node, "Tracer shutdown", "err", err)
		}
	}, nil
}

// Package config loads the aggregator's YAML configuration and overlays the
// environment variables operators have always used for secrets and targets.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/colorfulnotion/aggregator/common"
	"gopkg.in/yaml.v2"
)

const (
	DriverLevelDB  = "leveldb"
	DriverPostgres = "postgres"

	ProverRemote = "remote"
	ProverDev    = "dev"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	DB        DBConfig        `yaml:"db"`
	Worker    WorkerConfig    `yaml:"worker"`
	Relayer   RelayerConfig   `yaml:"relayer"`
	Prover    ProverConfig    `yaml:"prover"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	ListenAddr    string `yaml:"listenAddr"`
	MaxBatchSize  int    `yaml:"maxBatchSize"`
	TreeCacheSize int    `yaml:"treeCacheSize"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
}

// WorkerConfig drives the aggregation loop. An empty Endpoint runs the
// worker against an in-process service over the same database.
type WorkerConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Interval     time.Duration `yaml:"interval"`
	BatchSize    int           `yaml:"batchSize"`
	CreatedAfter int64         `yaml:"createdAfter"`
	RelayTimeout time.Duration `yaml:"relayTimeout"`
}

type RelayerConfig struct {
	RPCURL          string        `yaml:"rpcUrl"`
	ContractAddress string        `yaml:"contractAddress"`
	PrivateKey      string        `yaml:"privateKey"`
	ChainID         uint64        `yaml:"chainId"`
	Confirmations   uint64        `yaml:"confirmations"`
	GasLimit        uint64        `yaml:"gasLimit"`
	PollInterval    time.Duration `yaml:"pollInterval"`
}

type ProverConfig struct {
	Mode     string        `yaml:"mode"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	JSON    bool   `yaml:"json"`
	Modules string `yaml:"modules"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"serviceName"`
	MetricsAddr  string `yaml:"metricsAddr"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	Insecure     bool   `yaml:"insecure"`
}

func (c ServerConfig) WithDefaults() ServerConfig {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:50051"
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 1024
	}
	if c.TreeCacheSize <= 0 {
		c.TreeCacheSize = 256
	}
	return c
}

func (c DBConfig) WithDefaults() DBConfig {
	if c.Driver == "" {
		c.Driver = DriverLevelDB
		if c.URL != "" {
			c.Driver = DriverPostgres
		}
	}
	if c.Path == "" && c.Driver == DriverLevelDB {
		c.Path = defaultDBPath()
	}
	return c
}

func (c WorkerConfig) WithDefaults() WorkerConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = 120 * time.Second
	}
	return c
}

func (c RelayerConfig) WithDefaults() RelayerConfig {
	if c.Confirmations == 0 {
		c.Confirmations = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	return c
}

func (c ProverConfig) WithDefaults() ProverConfig {
	if c.Mode == "" {
		c.Mode = ProverRemote
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Hour
	}
	return c
}

func (c LogConfig) WithDefaults() LogConfig {
	if c.Level == "" {
		c.Level = "info"
	}
	return c
}

func (c TelemetryConfig) WithDefaults() TelemetryConfig {
	if c.ServiceName == "" {
		c.ServiceName = "aggregator"
	}
	return c
}

// WithDefaults fills every unset field.
func (c Config) WithDefaults() Config {
	c.Server = c.Server.WithDefaults()
	c.DB = c.DB.WithDefaults()
	c.Worker = c.Worker.WithDefaults()
	c.Relayer = c.Relayer.WithDefaults()
	c.Prover = c.Prover.WithDefaults()
	c.Log = c.Log.WithDefaults()
	c.Telemetry = c.Telemetry.WithDefaults()
	return c
}

func Default() *Config {
	c := Config{}.WithDefaults()
	return &c
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".aggregator", "db")
	}
	return filepath.Join(home, ".aggregator", "db")
}

// Load reads path, overlays the process environment and fills defaults. An
// empty path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	*c = c.WithDefaults()
	return c, nil
}

// Save writes c as YAML, creating the parent directory.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// ApplyEnv overrides fields from DATABASE_URL, RPC_URL, CONTRACT_ADDRESS,
// PRIVATE_KEY, CHAIN_ID and AGGREGATOR_RPC_ADDR when they are set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.DB.URL = v
		c.DB.Driver = DriverPostgres
	}
	if v, ok := lookup("RPC_URL"); ok && v != "" {
		c.Relayer.RPCURL = v
	}
	if v, ok := lookup("CONTRACT_ADDRESS"); ok && v != "" {
		c.Relayer.ContractAddress = v
	}
	if v, ok := lookup("PRIVATE_KEY"); ok && v != "" {
		c.Relayer.PrivateKey = v
	}
	if v, ok := lookup("CHAIN_ID"); ok && v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: CHAIN_ID %q: %v", ErrInvalidConfig, v, err)
		}
		c.Relayer.ChainID = id
	}
	if v, ok := lookup("AGGREGATOR_RPC_ADDR"); ok && v != "" {
		c.Server.ListenAddr = v
	}
	return nil
}

// Validate checks the settings the server needs and, with worker set, the
// prover and relayer settings as well.
func (c *Config) Validate(worker bool) error {
	switch c.DB.Driver {
	case DriverLevelDB:
	case DriverPostgres:
		if c.DB.URL == "" {
			return fmt.Errorf("%w: db.url is required for postgres", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown db.driver %q", ErrInvalidConfig, c.DB.Driver)
	}
	if !worker {
		return nil
	}
	switch c.Prover.Mode {
	case ProverDev:
	case ProverRemote:
		if c.Prover.Endpoint == "" {
			return fmt.Errorf("%w: prover.endpoint is required in remote mode", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown prover.mode %q", ErrInvalidConfig, c.Prover.Mode)
	}
	var missing []string
	if c.Relayer.RPCURL == "" {
		missing = append(missing, "RPC_URL")
	}
	if c.Relayer.PrivateKey == "" {
		missing = append(missing, "PRIVATE_KEY")
	}
	if c.Relayer.ContractAddress == "" {
		missing = append(missing, "CONTRACT_ADDRESS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: relayer needs %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	if !common.IsHexAddress(c.Relayer.ContractAddress) {
		return fmt.Errorf("%w: contract address %q", ErrInvalidConfig, c.Relayer.ContractAddress)
	}
	return nil
}

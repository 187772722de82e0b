package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, "127.0.0.1:50051", c.Server.ListenAddr)
	assert.Equal(t, 1024, c.Server.MaxBatchSize)
	assert.Equal(t, DriverLevelDB, c.DB.Driver)
	assert.Equal(t, filepath.Join(".aggregator", "db"), filepath.Join(filepath.Base(filepath.Dir(c.DB.Path)), filepath.Base(c.DB.Path)))
	assert.Equal(t, 30*time.Minute, c.Worker.Interval)
	assert.Equal(t, 32, c.Worker.BatchSize)
	assert.Equal(t, 120*time.Second, c.Worker.RelayTimeout)
	assert.Equal(t, uint64(1), c.Relayer.Confirmations)
	assert.Equal(t, ProverRemote, c.Prover.Mode)
	assert.Equal(t, "info", c.Log.Level)
	require.NoError(t, c.Validate(false))
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggregator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listenAddr: 0.0.0.0:9000
worker:
  interval: 5m
  batchSize: 8
prover:
  mode: dev
relayer:
  confirmations: 3
`), 0600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", c.Server.ListenAddr)
	assert.Equal(t, 5*time.Minute, c.Worker.Interval)
	assert.Equal(t, 8, c.Worker.BatchSize)
	assert.Equal(t, 120*time.Second, c.Worker.RelayTimeout)
	assert.Equal(t, ProverDev, c.Prover.Mode)
	assert.Equal(t, uint64(3), c.Relayer.Confirmations)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: x\n"), 0600))
	_, err := Load(path)
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "aggregator.yaml")
	c := Default()
	c.Worker.Interval = 90 * time.Second
	c.Relayer.ChainID = 11155111
	require.NoError(t, c.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c.Worker.Interval, loaded.Worker.Interval)
	assert.Equal(t, c.Relayer.ChainID, loaded.Relayer.ChainID)
}

func TestApplyEnv(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.ApplyEnv(env(map[string]string{
		"DATABASE_URL":        "postgres://agg@localhost/agg",
		"RPC_URL":             "http://localhost:8545",
		"CONTRACT_ADDRESS":    "0x00000000000000000000000000000000000000aa",
		"PRIVATE_KEY":         "0xabc",
		"CHAIN_ID":            "11155111",
		"AGGREGATOR_RPC_ADDR": "127.0.0.1:6000",
	})))
	*c = c.WithDefaults()
	assert.Equal(t, DriverPostgres, c.DB.Driver)
	assert.Equal(t, "postgres://agg@localhost/agg", c.DB.URL)
	assert.Empty(t, c.DB.Path)
	assert.Equal(t, "http://localhost:8545", c.Relayer.RPCURL)
	assert.Equal(t, uint64(11155111), c.Relayer.ChainID)
	assert.Equal(t, "127.0.0.1:6000", c.Server.ListenAddr)

	err := c.ApplyEnv(env(map[string]string{"CHAIN_ID": "sepolia"}))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateWorker(t *testing.T) {
	c := Default()
	err := c.Validate(true)
	require.ErrorIs(t, err, ErrInvalidConfig)

	c.Prover.Endpoint = "http://127.0.0.1:7000"
	err = c.Validate(true)
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Contains(t, err.Error(), "RPC_URL")

	c.Relayer.RPCURL = "http://localhost:8545"
	c.Relayer.PrivateKey = "0x01"
	c.Relayer.ContractAddress = "not-an-address"
	require.ErrorIs(t, c.Validate(true), ErrInvalidConfig)

	c.Relayer.ContractAddress = "0x00000000000000000000000000000000000000aa"
	require.NoError(t, c.Validate(true))

	c.DB.Driver = DriverPostgres
	require.ErrorIs(t, c.Validate(false), ErrInvalidConfig)
	c.DB.Driver = "sqlite"
	require.ErrorIs(t, c.Validate(false), ErrInvalidConfig)
}

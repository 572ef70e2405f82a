package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ticks:raw", cfg.Redis.Stream)
	assert.Equal(t, "tick_processors", cfg.Redis.ConsumerGroup)
	assert.Equal(t, 24*time.Hour, cfg.Redis.KeyTTL)
	assert.Equal(t, 3, cfg.Connector.NumSockets)
	assert.Equal(t, 50, cfg.Connector.ReconnectMaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Connector.ReconnectMaxDelay)
	assert.Equal(t, int64(100), cfg.Receiver.BatchSize)
	assert.Equal(t, time.Second, cfg.Receiver.Block)
	assert.Equal(t, 300*time.Second, cfg.Receiver.FlushInterval)
	assert.Equal(t, "deadletter", cfg.Receiver.PoisonPolicy)
	assert.Equal(t, []string{"NIFTY"}, cfg.Connector.Symbols)

	require.NoError(t, cfg.ValidateReceiver())
	assert.Error(t, cfg.ValidateConnector(), "credentials are required for the connector")
}

func TestLoadFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte(
		"ANGEL_API_KEY=k\nANGEL_CLIENT_CODE=c\nANGEL_PASSWORD=p\nANGEL_TOTP_SECRET=JBSWY3DPEHPK3PXP\n"+
			"CONNECTOR_SYMBOLS=nifty, banknifty\nRECEIVER_FLUSH_INTERVAL=30s\nSTORE_DRIVER=sqlite\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, k := range []string{"ANGEL_API_KEY", "ANGEL_CLIENT_CODE", "ANGEL_PASSWORD", "ANGEL_TOTP_SECRET",
			"CONNECTOR_SYMBOLS", "RECEIVER_FLUSH_INTERVAL", "STORE_DRIVER"} {
			os.Unsetenv(k)
		}
	})

	assert.Equal(t, []string{"NIFTY", "BANKNIFTY"}, cfg.Connector.Symbols)
	assert.Equal(t, 30*time.Second, cfg.Receiver.FlushInterval)
	assert.NoError(t, cfg.ValidateConnector())
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("RECEIVER_POISON_POLICY", "drop")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Error(t, cfg.ValidateReceiver())
}

func TestPostgresRequiresDSN(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Error(t, cfg.ValidateReceiver())

	t.Setenv("STORE_POSTGRES_DSN", "postgres://u:p@localhost:5432/ticks")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.NoError(t, cfg.ValidateReceiver())
}

func TestLoadMissingEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.env"))
	assert.Error(t, err)
}

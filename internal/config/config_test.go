package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mine-and-die/replication/logging"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(128), cfg.Replication.RetentionTicks)
	assert.Equal(t, 1200, cfg.Replication.MaxMessageBytes)
	assert.Equal(t, "ws", cfg.Transport.Kind)
}

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Replication, cfg.Replication)
	assert.Equal(t, Default().Transport, cfg.Transport)
}

func TestLoadFileEnvAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replication.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
replication:
  retention_ticks: 64
  reorder_window: 8
transport:
  kind: quic
  addr: 127.0.0.1:7000
logging:
  minimum_severity: debug
  file_path: /tmp/replication.ndjson
`), 0o600))
	t.Setenv("REPLICATION_REPLICATION_MAX_MESSAGE_BYTES", "512")
	t.Setenv("REPLICATION_TRANSPORT_HANDSHAKE_TIMEOUT", "2s")

	cfg, err := Load(path, map[string]any{"transport.addr": "127.0.0.1:7100"})
	require.NoError(t, err)

	assert.Equal(t, uint64(64), cfg.Replication.RetentionTicks)
	assert.Equal(t, uint64(8), cfg.Replication.ReorderWindow)
	assert.Equal(t, 512, cfg.Replication.MaxMessageBytes)
	assert.Equal(t, "quic", cfg.Transport.Kind)
	assert.Equal(t, "127.0.0.1:7100", cfg.Transport.Addr)
	assert.Equal(t, 2*time.Second, cfg.Transport.HandshakeTimeout)

	router := cfg.Logging.RouterConfig()
	assert.Equal(t, logging.SeverityDebug, router.MinimumSeverity)
	assert.True(t, router.HasSink("json"))
	assert.True(t, router.HasSink("console"))
	assert.Equal(t, "/tmp/replication.ndjson", router.JSON.FilePath)

	assert.Equal(t, uint64(64), cfg.Replication.JournalConfig().RetentionTicks)
	assert.Equal(t, 512, cfg.Replication.EncoderConfig().MaxMessageBytes)
	assert.Equal(t, uint64(8), cfg.Replication.ReconcileConfig().ReorderWindow)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Replication.MaxMessageBytes = 10
	cfg.Transport.Kind = "carrier-pigeon"
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "MaxMessageBytes")
	assert.Contains(t, err.Error(), "Kind")

	cfg = Default()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ""
	assert.True(t, errors.Is(cfg.Validate(), ErrInvalid))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

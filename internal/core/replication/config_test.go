package replication

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netforge/replica/internal/core/transport"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replication.yaml")
	data := []byte("tick_interval: 100ms\nretry_base: 500ms\nretry_limit: 4\nlog_level: debug\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBase)
	assert.Equal(t, 4, cfg.RetryLimit)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched keys keep their defaults.
	assert.Equal(t, transport.ChannelReliableOrdered, cfg.ControlChannel)
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryLimit = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ControlChannel = transport.ChannelUnreliable
	assert.Error(t, cfg.Validate(), "control traffic needs a reliable lane")

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

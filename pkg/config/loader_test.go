package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/DaniellsQ/ttorrent/pkg/p2p"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ttorrent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 0, cfg.Network.Port)
	assert.Equal(t, "/ttorrent", cfg.Network.ProtocolPrefix)
	assert.Equal(t, 16, cfg.Performance.MaxConcurrency)
	assert.Equal(t, "random", cfg.Performance.PeerSelector)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.AntiLeecher.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
network:
  port: 6881
  bootstrap_peers:
    - /ip4/10.0.0.1/tcp/4001/p2p/QmaZ4tf3R7aHJtsfgdTSQhBmhCyuBuvAbRoxWaD9HsQhfi
performance:
  max_concurrency: 4
  peer_selector: round_robin
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6881, cfg.Network.Port)
	assert.Equal(t, 4, cfg.Performance.MaxConcurrency)
	assert.Equal(t, 3, cfg.Performance.MaxRetries)
	assert.Equal(t, "json", cfg.Logging.Format)

	p2pConfig := cfg.ToP2PConfig()
	assert.Equal(t, 6881, p2pConfig.Port)
	assert.Equal(t, 4, p2pConfig.MaxConcurrency)
	assert.Equal(t, p2p.SelectRoundRobin, p2pConfig.PeerSelection)
	require.Len(t, p2pConfig.BootstrapPeers, 1)
	assert.Equal(t, "/ip4/10.0.0.1/tcp/4001/p2p/QmaZ4tf3R7aHJtsfgdTSQhBmhCyuBuvAbRoxWaD9HsQhfi",
		p2pConfig.BootstrapPeers[0].String())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("P2P_PORT", "7000")
	t.Setenv("P2P_LOG_LEVEL", "warn")
	path := writeConfig(t, "network:\n  port: 6881\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Network.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"port out of range", "network:\n  port: 70000\n"},
		{"bad bootstrap peer", "network:\n  bootstrap_peers: [\"/ip4/10.0.0.1/tcp/4001\"]\n"},
		{"zero concurrency", "performance:\n  max_concurrency: 0\n"},
		{"bad log level", "logging:\n  level: trace\n"},
		{"unknown peer selector", "performance:\n  peer_selector: fastest\n"},
		{"bad log format", "logging:\n  format: xml\n"},
		{"bad success rate", "anti_leecher:\n  min_success_rate: 1.5\n"},
		{"malformed yaml", "network: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSetupLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	defer logrus.SetFormatter(logrus.StandardLogger().Formatter)

	SetupLogging(LoggingConfig{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	SetupLogging(LoggingConfig{Level: "nonsense", Format: "text"})
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logrus.StandardLogger().Formatter)
}

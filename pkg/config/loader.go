// Package config loads the transfer engine settings.
//
// Settings come from, in order of precedence:
//  1. environment variables (P2P_ prefix, e.g. P2P_PORT, P2P_LOG_LEVEL)
//  2. a YAML configuration file
//  3. built-in defaults
//
// Options given on the command line (output directory, interface, rate
// caps, seed time) are not part of this package; they belong to the
// invocation and override nothing here.
//
// Example:
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	config.SetupLogging(cfg.Logging)
//	p2pConfig := cfg.ToP2PConfig()
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/DaniellsQ/ttorrent/pkg/p2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds every engine setting.
type Config struct {
	Network     NetworkConfig     `mapstructure:"network"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	AntiLeecher AntiLeecherConfig `mapstructure:"anti_leecher"`
}

// NetworkConfig configures the peer-to-peer host.
type NetworkConfig struct {
	Port           int      `mapstructure:"port"`
	IdentitySeed   int64    `mapstructure:"identity_seed"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`
	ProtocolPrefix string   `mapstructure:"protocol_prefix"`
	AutoRefresh    bool     `mapstructure:"auto_refresh"`
	NameSpace      string   `mapstructure:"namespace"`
}

// PerformanceConfig tunes piece downloads. Timeouts are in seconds.
type PerformanceConfig struct {
	MaxRetries     int    `mapstructure:"max_retries"`
	MaxConcurrency int    `mapstructure:"max_concurrency"`
	RequestTimeout int    `mapstructure:"request_timeout"`
	DHTTimeout     int    `mapstructure:"dht_timeout"`
	PeerSelector   string `mapstructure:"peer_selector"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AntiLeecherConfig controls refusal of badly behaved peers.
type AntiLeecherConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	MinSuccessRate   float64 `mapstructure:"min_success_rate"`
	MinRequests      int     `mapstructure:"min_requests"`
	BlacklistTimeout int     `mapstructure:"blacklist_timeout"`
}

// Load reads the configuration at configPath. An empty configPath searches
// the default locations and falls back to defaults when nothing is found.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("ttorrent")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/ttorrent")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logrus.Debug("Config file not found, using defaults")
	} else {
		logrus.Debugf("Loaded configuration from %s", v.ConfigFileUsed())
	}

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network.port", 0)
	v.SetDefault("network.identity_seed", int64(0))
	v.SetDefault("network.bootstrap_peers", []string{})
	v.SetDefault("network.protocol_prefix", "/ttorrent")
	v.SetDefault("network.auto_refresh", true)
	v.SetDefault("network.namespace", "ttorrent")

	v.SetDefault("performance.max_retries", 3)
	v.SetDefault("performance.max_concurrency", 16)
	v.SetDefault("performance.request_timeout", 5)
	v.SetDefault("performance.dht_timeout", 10)
	v.SetDefault("performance.peer_selector", p2p.SelectRandom)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("anti_leecher.enabled", true)
	v.SetDefault("anti_leecher.min_success_rate", 0.5)
	v.SetDefault("anti_leecher.min_requests", 10)
	v.SetDefault("anti_leecher.blacklist_timeout", 600)
}

func bindEnvVars(v *viper.Viper) {
	bindings := map[string]string{
		"network.port":                   "PORT",
		"network.identity_seed":          "IDENTITY_SEED",
		"network.bootstrap_peers":        "BOOTSTRAP_PEERS",
		"network.protocol_prefix":        "PROTOCOL_PREFIX",
		"network.auto_refresh":           "AUTO_REFRESH",
		"network.namespace":              "NAMESPACE",
		"performance.max_retries":        "MAX_RETRIES",
		"performance.max_concurrency":    "MAX_CONCURRENCY",
		"performance.request_timeout":    "REQUEST_TIMEOUT",
		"performance.dht_timeout":        "DHT_TIMEOUT",
		"performance.peer_selector":      "PEER_SELECTOR",
		"logging.level":                  "LOG_LEVEL",
		"logging.format":                 "LOG_FORMAT",
		"anti_leecher.enabled":           "ANTI_LEECHER_ENABLED",
		"anti_leecher.min_success_rate":  "MIN_SUCCESS_RATE",
		"anti_leecher.min_requests":      "MIN_REQUESTS",
		"anti_leecher.blacklist_timeout": "BLACKLIST_TIMEOUT",
	}

	for configKey, envKey := range bindings {
		if err := v.BindEnv(configKey, "P2P_"+envKey); err != nil {
			logrus.Warnf("Failed to bind env var P2P_%s: %v", envKey, err)
		}
	}
}

// Validate checks every setting for range errors.
func (c *Config) Validate() error {
	if c.Network.Port < 0 || c.Network.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", c.Network.Port)
	}
	if !strings.HasPrefix(c.Network.ProtocolPrefix, "/") {
		return fmt.Errorf("invalid protocol_prefix: %q (must start with /)", c.Network.ProtocolPrefix)
	}
	if c.Network.NameSpace == "" {
		return errors.New("namespace cannot be empty")
	}
	if _, err := parseBootstrapPeers(c.Network.BootstrapPeers); err != nil {
		return err
	}

	if c.Performance.MaxRetries < 0 || c.Performance.MaxRetries > 100 {
		return fmt.Errorf("invalid max_retries: %d (must be 0-100)", c.Performance.MaxRetries)
	}
	if c.Performance.MaxConcurrency < 1 || c.Performance.MaxConcurrency > 1024 {
		return fmt.Errorf("invalid max_concurrency: %d (must be 1-1024)", c.Performance.MaxConcurrency)
	}
	if c.Performance.RequestTimeout < 1 || c.Performance.RequestTimeout > 3600 {
		return fmt.Errorf("invalid request_timeout: %d (must be 1-3600)", c.Performance.RequestTimeout)
	}
	if c.Performance.DHTTimeout < 1 || c.Performance.DHTTimeout > 3600 {
		return fmt.Errorf("invalid dht_timeout: %d (must be 1-3600)", c.Performance.DHTTimeout)
	}
	if _, err := p2p.NewPeerSelector(c.Performance.PeerSelector); err != nil {
		return fmt.Errorf("invalid peer_selector: %w (must be %s or %s)", err, p2p.SelectRandom, p2p.SelectRoundRobin)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log_format: %s (must be json or text)", c.Logging.Format)
	}

	if c.AntiLeecher.MinSuccessRate < 0.0 || c.AntiLeecher.MinSuccessRate > 1.0 {
		return fmt.Errorf("invalid min_success_rate: %.2f (must be 0.0-1.0)", c.AntiLeecher.MinSuccessRate)
	}
	if c.AntiLeecher.MinRequests < 1 || c.AntiLeecher.MinRequests > 10000 {
		return fmt.Errorf("invalid min_requests: %d (must be 1-10000)", c.AntiLeecher.MinRequests)
	}
	if c.AntiLeecher.BlacklistTimeout < 0 {
		return fmt.Errorf("invalid blacklist_timeout: %d (must be >= 0)", c.AntiLeecher.BlacklistTimeout)
	}
	return nil
}

// ToP2PConfig converts the settings into an engine configuration. Rate
// limits are left unset; they come from the invocation.
func (c *Config) ToP2PConfig() p2p.P2PConfig {
	cfg := p2p.NewP2PConfig()

	cfg.Port = c.Network.Port
	cfg.IdentitySeed = c.Network.IdentitySeed
	cfg.ProtocolPrefix = c.Network.ProtocolPrefix
	cfg.EnableAutoRefresh = c.Network.AutoRefresh
	cfg.NameSpace = c.Network.NameSpace
	cfg.MaxRetries = c.Performance.MaxRetries
	cfg.MaxConcurrency = c.Performance.MaxConcurrency
	cfg.RequestTimeout = c.Performance.RequestTimeout
	cfg.DHTTimeout = c.Performance.DHTTimeout
	cfg.PeerSelection = c.Performance.PeerSelector
	cfg.AntiLeecherEnabled = c.AntiLeecher.Enabled
	cfg.MinSuccessRate = c.AntiLeecher.MinSuccessRate
	cfg.MinRequests = int64(c.AntiLeecher.MinRequests)
	cfg.BlacklistTimeout = c.AntiLeecher.BlacklistTimeout

	// Validate already rejected malformed entries.
	peers, _ := parseBootstrapPeers(c.Network.BootstrapPeers)
	cfg.BootstrapPeers = peers
	return cfg
}

// parseBootstrapPeers parses multiaddrs that must carry a /p2p/ peer ID.
func parseBootstrapPeers(peerStrs []string) ([]multiaddr.Multiaddr, error) {
	var peers []multiaddr.Multiaddr
	for _, peerStr := range peerStrs {
		peerStr = strings.TrimSpace(peerStr)
		if peerStr == "" {
			continue
		}

		m, err := multiaddr.NewMultiaddr(peerStr)
		if err != nil {
			return nil, fmt.Errorf("invalid multiaddr %q: %w", peerStr, err)
		}
		if _, err := peer.AddrInfoFromP2pAddr(m); err != nil {
			return nil, fmt.Errorf("invalid peer address %q: %w", peerStr, err)
		}
		peers = append(peers, m)
	}
	return peers, nil
}

// Package config loads the ambient configuration shared by the signal
// server and the peer agent binaries: nickname, bind port, STUN servers,
// and the signal-server address. Loading (not the domain semantics of
// those values) is the ambient concern handled here, via Viper so values
// may come from a config file, environment variables, or defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// SignalServerConfig is the configuration for the cmd/signal-server binary.
type SignalServerConfig struct {
	BindAddr       string `mapstructure:"bind_addr"`
	BindPort       int    `mapstructure:"bind_port"`
	WorkerPoolSize int    `mapstructure:"worker_pool_size"`
	DebugAddr      string `mapstructure:"debug_addr"`
	LogLevel       string `mapstructure:"log_level"`
}

// PeerConfig is the configuration for the cmd/peer-agent binary.
type PeerConfig struct {
	Nickname         string   `mapstructure:"nickname"`
	BindPort         int      `mapstructure:"bind_port"`
	STUNServers      []string `mapstructure:"stun_servers"`
	SignalServerAddr string   `mapstructure:"signal_server_addr"`
	NotifyListenAddr string   `mapstructure:"notify_listen_addr"`
	MessageStorePath string   `mapstructure:"message_store_path"`
	LogLevel         string   `mapstructure:"log_level"`
}

func newViper(configFile string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("SIGNALMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	return v
}

// LoadSignalServer loads the signal server's configuration from configFile
// (if non-empty), environment variables, and finally these defaults: bind
// 0.0.0.0:9000, a 4-worker ADD/GET pool, debug endpoint disabled, info
// logging.
func LoadSignalServer(configFile string) (*SignalServerConfig, error) {
	v := newViper(configFile)
	v.SetDefault("bind_addr", "0.0.0.0")
	v.SetDefault("bind_port", 9000)
	v.SetDefault("worker_pool_size", 4)
	v.SetDefault("debug_addr", "")
	v.SetDefault("log_level", "info")

	if err := readIfPresent(v, configFile); err != nil {
		return nil, err
	}

	var cfg SignalServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal signal server config: %w", err)
	}
	if cfg.WorkerPoolSize <= 0 {
		return nil, fmt.Errorf("config: worker_pool_size must be positive, got %d", cfg.WorkerPoolSize)
	}
	return &cfg, nil
}

// LoadPeer loads the peer agent's configuration from configFile (if
// non-empty), environment variables, and finally these defaults: a random
// bind port, no STUN servers (must be supplied), notify and message-store
// disabled, info logging.
func LoadPeer(configFile string) (*PeerConfig, error) {
	v := newViper(configFile)
	// Required keys get empty defaults so Viper knows them and Unmarshal
	// picks them up from SIGNALMESH_* variables even without a config file.
	v.SetDefault("nickname", "")
	v.SetDefault("stun_servers", []string{})
	v.SetDefault("signal_server_addr", "")
	v.SetDefault("bind_port", 0)
	v.SetDefault("notify_listen_addr", "")
	v.SetDefault("message_store_path", "")
	v.SetDefault("log_level", "info")

	if err := readIfPresent(v, configFile); err != nil {
		return nil, err
	}

	var cfg PeerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal peer config: %w", err)
	}
	if cfg.Nickname == "" {
		return nil, fmt.Errorf("config: nickname is required")
	}
	if len(cfg.STUNServers) == 0 {
		return nil, fmt.Errorf("config: at least one stun_servers entry is required")
	}
	if cfg.SignalServerAddr == "" {
		return nil, fmt.Errorf("config: signal_server_addr is required")
	}
	return &cfg, nil
}

func readIfPresent(v *viper.Viper, configFile string) error {
	if configFile == "" {
		return nil
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", configFile, err)
	}
	return nil
}

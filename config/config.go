package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the daemon's full configuration tree.
type Config struct {
	Log      Log      `mapstructure:"log"`
	Server   Server   `mapstructure:"server"`
	Relay    Relay    `mapstructure:"relay"`
	Storage  Storage  `mapstructure:"storage"`
	Registry Registry `mapstructure:"registry"`
	Bridge   Bridge   `mapstructure:"bridge"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Server struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Relay holds the reliability and processing tunables of the router core.
type Relay struct {
	AckTimeoutMs        int `mapstructure:"ack_timeout_ms"`
	MaxAttempts         int `mapstructure:"max_attempts"`
	DeliveryTTLMs       int `mapstructure:"delivery_ttl_ms"`
	ProcessingTimeoutMs int `mapstructure:"processing_timeout_ms"`
}

type Storage struct {
	Path string `mapstructure:"path"`
}

type Registry struct {
	Capacity int `mapstructure:"capacity"`
}

// Bridge configures cross-daemon forwarding; an empty AMQP URL disables it.
type Bridge struct {
	AMQPURL      string `mapstructure:"amqp_url"`
	DaemonID     string `mapstructure:"daemon_id"`
	DaemonName   string `mapstructure:"daemon_name"`
	MachineID    string `mapstructure:"machine_id"`
	HeartbeatSec int    `mapstructure:"heartbeat_sec"`
}

// logLevel is the live-reloadable part of the configuration.
var logLevel atomic.Pointer[slog.LevelVar]

func init() {
	lv := &slog.LevelVar{}
	logLevel.Store(lv)
}

// LevelVar returns the process-wide log level, adjustable at runtime.
func LevelVar() *slog.LevelVar { return logLevel.Load() }

// LoadConfig reads configuration from file (optional) and environment.
// Environment keys use the RELAY_ prefix with underscores, e.g.
// RELAY_SERVER_LISTEN_ADDR.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("server.listen_addr", "127.0.0.1:7411")
	v.SetDefault("relay.ack_timeout_ms", 5000)
	v.SetDefault("relay.max_attempts", 5)
	v.SetDefault("relay.delivery_ttl_ms", 60000)
	v.SetDefault("relay.processing_timeout_ms", 30000)
	v.SetDefault("storage.path", "agent-relay.db")
	v.SetDefault("registry.capacity", 10000)
	v.SetDefault("bridge.amqp_url", "")
	v.SetDefault("bridge.daemon_id", "")
	v.SetDefault("bridge.daemon_name", "")
	v.SetDefault("bridge.machine_id", "")
	v.SetDefault("bridge.heartbeat_sec", 15)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}

		// Only the log level is safe to change without a restart.
		v.OnConfigChange(func(e fsnotify.Event) {
			applyLogLevel(v.GetString("log.level"))
		})
		v.WatchConfig()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyLogLevel(cfg.Log.Level)
	return &cfg, nil
}

func applyLogLevel(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logLevel.Load().Set(l)
}

// Package hostconfig loads the tingd host process's configuration from a
// file (or its built-in defaults), environment variables prefixed
// TINGD_, and validates the result before the rest of the process wires
// up against it.
package hostconfig

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is every knob the host process exposes. Fields map to config
// keys through their mapstructure tags, and a key maps to an env var by
// upper-casing it and replacing "." with "_" (viper's SetEnvKeyReplacer
// below), so ServerConfig.HTTPAddr (server.http_addr) is read from the
// env var TINGD_SERVER_HTTP_ADDR.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Plugins PluginsConfig `mapstructure:"plugins"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig controls the HTTP surface tingd exposes for introspection
// and the event-bus websocket relay.
type ServerConfig struct {
	HTTPAddr     string `mapstructure:"http_addr" validate:"required"`
	MetricsPath  string `mapstructure:"metrics_path" validate:"required"`
	EnableHub    bool   `mapstructure:"enable_hub"`
}

// PluginsConfig mirrors manager.Config's fields so a loaded Config maps
// straight onto a manager.Config via cmd/tingd's toManagerConfig.
type PluginsConfig struct {
	PluginDir           string        `mapstructure:"plugin_dir" validate:"required"`
	ConfigDir           string        `mapstructure:"config_dir" validate:"required"`
	CacheDir            string        `mapstructure:"cache_dir" validate:"required"`
	NpmPath             string        `mapstructure:"npm_path" validate:"required"`
	EncryptionKeyHex    string        `mapstructure:"encryption_key_hex" validate:"required,len=64"`
	UnloadPolicy        string        `mapstructure:"unload_policy" validate:"omitempty,oneof=fail-fast await-drain"`
	DrainTimeoutSeconds int           `mapstructure:"drain_timeout_seconds"`
	EventHistory        int           `mapstructure:"event_history"`
}

// LogConfig configures applog.New.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Dev        bool   `mapstructure:"dev"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns the built-in configuration every field falls back to
// before a config file or environment variable overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:    ":8090",
			MetricsPath: "/metrics",
			EnableHub:   true,
		},
		Plugins: PluginsConfig{
			PluginDir:           "./plugins",
			ConfigDir:           "./plugins/config",
			CacheDir:            "./plugins/cache",
			NpmPath:             "npm",
			UnloadPolicy:        "fail-fast",
			DrainTimeoutSeconds: 30,
			EventHistory:        1000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path (if non-empty) or the conventional
// search locations, overlays TINGD_-prefixed environment variables, and
// validates the merged result. Load generates no encryption key: an unset
// plugins.encryption_key_hex fails validation.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tingd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/tingd")
		v.AddConfigPath("$HOME/.tingd")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TINGD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// AutomaticEnv only applies to keys viper already knows; bind every key
	// so env vars also override keys absent from the config file.
	for _, key := range []string{
		"server.http_addr", "server.metrics_path", "server.enable_hub",
		"plugins.plugin_dir", "plugins.config_dir", "plugins.cache_dir", "plugins.npm_path",
		"plugins.encryption_key_hex", "plugins.unload_policy", "plugins.drain_timeout_seconds", "plugins.event_history",
		"log.level", "log.dev", "log.file", "log.max_size_mb", "log.max_backups", "log.max_age_days", "log.compress",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

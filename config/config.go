package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Player   PlayerConfig   `mapstructure:"player"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Database DatabaseConfig `mapstructure:"database"`
	Debug    bool           `mapstructure:"debug"`
}

// ServerConfig describes where the game server lives: the duplex endpoint
// base and the control-plane HTTP API.
type ServerConfig struct {
	BaseAddress       string        `mapstructure:"base_address"`
	TLS               bool          `mapstructure:"tls"`
	ControlPlaneURL   string        `mapstructure:"control_plane_url"`
	AuthToken         string        `mapstructure:"auth_token"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type PlayerConfig struct {
	Name         string `mapstructure:"name"`
	IdentityPath string `mapstructure:"identity_path"`
}

type MonitorConfig struct {
	Address   string `mapstructure:"address"`
	Namespace string `mapstructure:"namespace"`
}

// DatabaseConfig selects the snapshot archive. Driver is "postgres" or
// "sqlite"; SQLitePath is only read for the latter.
type DatabaseConfig struct {
	Enabled    bool           `mapstructure:"enabled"`
	Driver     string         `mapstructure:"driver"`
	SQLitePath string         `mapstructure:"sqlite_path"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// EnvPrefix prefixes every environment override, e.g. TYCOON_SERVER_BASE_ADDRESS.
const EnvPrefix = "TYCOON"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_address", "localhost:8080/ws")
	v.SetDefault("server.tls", false)
	v.SetDefault("server.control_plane_url", "http://localhost:8080")
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.request_timeout", 10*time.Second)
	v.SetDefault("server.dial_timeout", 10*time.Second)
	v.SetDefault("server.heartbeat_interval", 30*time.Second)

	v.SetDefault("player.name", "")
	v.SetDefault("player.identity_path", "identity.db")

	v.SetDefault("monitor.address", "")
	v.SetDefault("monitor.namespace", "tycoon")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.sqlite_path", "archive.db")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.dbname", "tycoon")

	v.SetDefault("debug", false)
}

// LoadConfig reads config.yaml from path, if present, and applies TYCOON_*
// environment overrides on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings that would make the client unusable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.BaseAddress) == "" {
		return errors.New("config: server.base_address is required")
	}
	if strings.TrimSpace(c.Server.ControlPlaneURL) == "" {
		return errors.New("config: server.control_plane_url is required")
	}
	if c.Server.RequestTimeout < 0 || c.Server.DialTimeout < 0 || c.Server.HeartbeatInterval < 0 {
		return errors.New("config: timeouts must not be negative")
	}
	if c.Database.Enabled {
		switch c.Database.Driver {
		case "postgres", "sqlite":
		default:
			return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
		}
	}
	return nil
}

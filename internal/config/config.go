package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix  = "EVENTPRESENCE"
	configName = "config"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
)

type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Redis    RedisConfig
	Presence PresenceConfig
	Auth     AuthConfig
	Log      LogConfig
}

type ServerConfig struct {
	Addr           string
	Port           int
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type StoreConfig struct {
	Driver string
	DSN    string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type PresenceConfig struct {
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	FreshnessWindow     time.Duration `mapstructure:"freshness_window"`
	RebroadcastInterval time.Duration `mapstructure:"rebroadcast_interval"`
	Retention           time.Duration `mapstructure:"retention"`
	PurgeInterval       time.Duration `mapstructure:"purge_interval"`
}

type AuthConfig struct {
	SigningSecret string `mapstructure:"signing_secret"`
	SigningKey    []byte `mapstructure:"-"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads config.yaml from dir (or the working directory) and applies
// EVENTPRESENCE_* environment overrides. A missing file is not an error.
func Load(dir string) (*Config, error) {
	v := viper.New()

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.BindEnv("server.port", "PORT")
	v.BindEnv("store.dsn", envPrefix+"_STORE_DSN", "DATABASE_DSN")
	v.BindEnv("redis.address", envPrefix+"_REDIS_ADDRESS", "REDIS_ADDRESS")
	v.BindEnv("redis.password", envPrefix+"_REDIS_PASSWORD", "REDIS_PASSWORD")
	v.BindEnv("auth.signing_secret", envPrefix+"_AUTH_SIGNING_SECRET", "SIGNING_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Server.Port > 0 {
		cfg.Server.Addr = fmt.Sprintf(":%d", cfg.Server.Port)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("presence.heartbeat_interval", "15s")
	v.SetDefault("presence.freshness_window", "30s")
	v.SetDefault("presence.rebroadcast_interval", "5s")
	v.SetDefault("presence.retention", "60s")
	v.SetDefault("presence.purge_interval", "30s")
	v.SetDefault("auth.signing_secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Validate checks the loaded values, decodes the signing key and widens the
// freshness window to two heartbeat intervals when it is shorter.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address cannot be empty")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres, StoreSQLite:
		if c.Store.DSN == "" {
			return fmt.Errorf("store %q requires a DSN", c.Store.Driver)
		}
		// migrations run on their own connection, which an in-memory
		// database does not share with the store
		if c.Store.Driver == StoreSQLite && inMemorySQLite(c.Store.DSN) {
			return fmt.Errorf("sqlite DSN %q is in-memory; use a file path or the memory store", c.Store.DSN)
		}
	case StoreRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	p := &c.Presence
	for name, d := range map[string]time.Duration{
		"heartbeat interval":   p.HeartbeatInterval,
		"freshness window":     p.FreshnessWindow,
		"rebroadcast interval": p.RebroadcastInterval,
		"retention":            p.Retention,
		"purge interval":       p.PurgeInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	p.FreshnessWindow = FreshnessWindow(p.FreshnessWindow, p.HeartbeatInterval)
	if p.Retention <= p.FreshnessWindow {
		return fmt.Errorf("retention %s must be longer than the freshness window %s", p.Retention, p.FreshnessWindow)
	}

	if c.Auth.SigningSecret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	key, err := decodeSigningSecret(c.Auth.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.Auth.SigningKey = key

	return nil
}

func inMemorySQLite(dsn string) bool {
	dsn = strings.ToLower(strings.TrimSpace(dsn))
	return dsn == ":memory:" ||
		strings.HasPrefix(dsn, "file::memory:") ||
		strings.Contains(dsn, "mode=memory")
}

// FreshnessWindow returns the configured window, raised to at least two
// heartbeat intervals.
func FreshnessWindow(configured, heartbeat time.Duration) time.Duration {
	return max(configured, 2*heartbeat)
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

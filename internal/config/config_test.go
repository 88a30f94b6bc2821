package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "c29tZV9zZWNyZXQ="

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SIGNING_KEY", testSecret)

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, 15*time.Second, cfg.Presence.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Presence.FreshnessWindow)
	assert.Equal(t, 5*time.Second, cfg.Presence.RebroadcastInterval)
	assert.Equal(t, 60*time.Second, cfg.Presence.Retention)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, []byte("some_secret"), cfg.Auth.SigningKey)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  addr: ":9100"
store:
  driver: sqlite
  dsn: "file:presence.db"
presence:
  heartbeat_interval: 20s
  freshness_window: 10s
  retention: 2m
log:
  level: debug
  pretty: true
auth:
  signing_secret: "` + testSecret + `"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, "file:presence.db", cfg.Store.DSN)
	assert.Equal(t, 40*time.Second, cfg.Presence.FreshnessWindow, "window widened to two heartbeats")
	assert.Equal(t, 2*time.Minute, cfg.Presence.Retention)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("SIGNING_KEY", testSecret)
	t.Setenv("PORT", "8123")
	t.Setenv("EVENTPRESENCE_STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_DSN", "postgres://localhost/presence?sslmode=disable")
	t.Setenv("EVENTPRESENCE_PRESENCE_REBROADCAST_INTERVAL", "2s")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8123", cfg.Server.Addr)
	assert.Equal(t, StorePostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/presence?sslmode=disable", cfg.Store.DSN)
	assert.Equal(t, 2*time.Second, cfg.Presence.RebroadcastInterval)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [unclosed"), 0o600))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Addr: ":8000"},
			Store:  StoreConfig{Driver: StoreMemory},
			Presence: PresenceConfig{
				HeartbeatInterval:   15 * time.Second,
				FreshnessWindow:     30 * time.Second,
				RebroadcastInterval: 5 * time.Second,
				Retention:           60 * time.Second,
				PurgeInterval:       30 * time.Second,
			},
			Auth: AuthConfig{SigningSecret: testSecret},
		}
	}

	tcases := []struct {
		name   string
		modify func(c *Config)
		err    bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty address", func(c *Config) { c.Server.Addr = "" }, true},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, true},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = StorePostgres }, true},
		{"sqlite with dsn", func(c *Config) { c.Store.Driver = StoreSQLite; c.Store.DSN = "file:x.db" }, false},
		{"sqlite in memory", func(c *Config) { c.Store.Driver = StoreSQLite; c.Store.DSN = ":memory:" }, true},
		{"sqlite shared memory uri", func(c *Config) { c.Store.Driver = StoreSQLite; c.Store.DSN = "file::memory:?cache=shared" }, true},
		{"sqlite memory mode", func(c *Config) { c.Store.Driver = StoreSQLite; c.Store.DSN = "file:presence?mode=memory" }, true},
		{"redis without address", func(c *Config) { c.Store.Driver = StoreRedis }, true},
		{"redis", func(c *Config) { c.Store.Driver = StoreRedis; c.Redis.Address = "localhost:6379" }, false},
		{"zero heartbeat", func(c *Config) { c.Presence.HeartbeatInterval = 0 }, true},
		{"negative rebroadcast", func(c *Config) { c.Presence.RebroadcastInterval = -time.Second }, true},
		{"retention equals window", func(c *Config) { c.Presence.Retention = 30 * time.Second }, true},
		{"retention below widened window", func(c *Config) { c.Presence.HeartbeatInterval = 40 * time.Second }, true},
		{"empty signing key", func(c *Config) { c.Auth.SigningSecret = "" }, true},
		{"signing key not base64", func(c *Config) { c.Auth.SigningSecret = "not base64!" }, true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.modify(cfg)

			err := cfg.Validate()
			if tc.err {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.NotEmpty(t, cfg.Auth.SigningKey)
			}
		})
	}
}

func TestFreshnessWindow(t *testing.T) {
	assert.Equal(t, 30*time.Second, FreshnessWindow(30*time.Second, 15*time.Second))
	assert.Equal(t, 40*time.Second, FreshnessWindow(30*time.Second, 20*time.Second))
	assert.Equal(t, 45*time.Second, FreshnessWindow(45*time.Second, 15*time.Second))
}

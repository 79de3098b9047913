package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, StorePostgres, cfg.Database.Store)
	assert.Equal(t, 30*time.Minute, cfg.Wizard.SessionTTL)
	assert.Equal(t, 2*time.Second, cfg.Wizard.GuardTimeout)
	assert.Equal(t, "config/catalog.yaml", cfg.Catalog.Path)
	assert.Equal(t, float64(10), cfg.Storage.Photos.MaxFileMB)
	assert.Contains(t, cfg.Storage.Photos.MimeTypes, "image/png")
	assert.Equal(t, int64(11<<20), cfg.MaxUploadBytes())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orderwizard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
  allowed_origins: ["pos.example.com"]
database:
  store: memory
redis:
  enabled: false
wizard:
  session_ttl: 10m
storage:
  photos:
    max_file_mb: 2
    extensions: [png]
`), 0o644))

	t.Setenv("SESSION_TTL", "45m")
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("ORDERWIZARD_CATALOG_CACHE_SIZE", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"pos.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, StoreMemory, cfg.Database.Store)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 45*time.Minute, cfg.Wizard.SessionTTL)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 8, cfg.Catalog.CacheSize)
	assert.Equal(t, float64(2), cfg.Storage.Photos.MaxFileMB)
	assert.Equal(t, []string{"png"}, cfg.Storage.Photos.Extensions)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		msg    string
	}{
		{"unknown store", func(c *Config) { c.Database.Store = "sqlite" }, "database.store"},
		{"postgres without url", func(c *Config) { c.Database.URL = "" }, "database.url"},
		{"redis without addr", func(c *Config) { c.Redis.Addr = "" }, "redis.addr"},
		{"zero ttl", func(c *Config) { c.Wizard.SessionTTL = 0 }, "wizard.session_ttl"},
		{"fast sweep", func(c *Config) { c.Wizard.SweepInterval = time.Millisecond }, "wizard.sweep_interval"},
		{"no photos", func(c *Config) { c.Storage.Photos.MaxFileMB = 0 }, "max_file_mb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	cfg := base()
	cfg.Database.Store = StoreMemory
	cfg.Database.URL = ""
	cfg.Redis.Enabled = false
	cfg.Redis.Addr = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "orderwizard.yaml"))
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, cfg.Database.Store)
	assert.Equal(t, int32(10), cfg.Database.MaxConns)
	assert.Equal(t, 168*time.Hour, cfg.Wizard.Retention)
	assert.True(t, cfg.Auth.AllowOperatorHeader)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Log.Level)
}

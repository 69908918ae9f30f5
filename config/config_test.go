package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyring = "k1:000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
keyring: "`+testKeyring+`"
server:
  listen_addr: 0.0.0.0:9000
storage:
  driver: postgres
  postgres:
    dsn: postgres://vault@localhost/vault
  backup_uris:
    - file:///var/lib/vault-backups
sessions:
  store: redis
  ttl: 10m
  redis:
    addr: localhost:6379
quorum:
  unlock_duration: 30m
  groups:
    ops:
      threshold: 2
      admins:
        - user_id: x
        - user_id: y
        - user_id: z
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.Server.GracefulShutdownDuration, "Unset fields keep their defaults")
	assert.Equal(t, 10*time.Minute, cfg.SessionManagerConfig().TTL)
	assert.Equal(t, 12*time.Hour, cfg.SessionManagerConfig().MaxLifetime)
	assert.Equal(t, 30*time.Minute, cfg.QuorumServiceConfig().UnlockDuration)
	assert.Equal(t, 2, cfg.Quorum.Groups["ops"].Threshold)
	assert.Len(t, cfg.Quorum.Groups["ops"].Admins, 3)
	assert.Equal(t, uint32(64*1024), cfg.KDFParams().MemoryKiB)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")), "A missing .env file is ignored")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("VAULT_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("VAULT_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("VAULT_TEST_DOTENV"))
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("VAULT_TEST_DOTENV"))
}

func TestValidate(t *testing.T) {
	devConfig := func() *Config {
		cfg := Default()
		cfg.Dev = true
		return cfg
	}
	require.NoError(t, devConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"keyring required outside dev", func(c *Config) { c.Dev = false; c.Storage.Driver = "postgres"; c.Storage.Postgres.DSN = "postgres://x" }},
		{"malformed keyring", func(c *Config) { c.Keyring = "k1:short" }},
		{"memory storage outside dev", func(c *Config) { c.Dev = false; c.Keyring = testKeyring }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"bad backup uri", func(c *Config) { c.Storage.BackupURIs = []string{"::"} }},
		{"redis without addr", func(c *Config) { c.Sessions.Store = "redis" }},
		{"ttl above max lifetime", func(c *Config) { c.Sessions.TTL = 24 * time.Hour }},
		{"weak kdf", func(c *Config) { c.KDF.MemoryKiB = 1024 }},
		{"min contacts too low", func(c *Config) { c.Recovery.MinContacts = 1 }},
		{"zero unlock duration", func(c *Config) { c.Quorum.UnlockDuration = 0 }},
		{"smtp without from", func(c *Config) { c.Events.SMTP.Host = "smtp.example.com" }},
		{"sweep interval too short", func(c *Config) { c.SweepInterval = time.Millisecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := devConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

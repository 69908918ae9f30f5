// Package config loads the server configuration from an optional YAML file
// and the environment. Command line flags are applied on top by cmd.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/events"
	"github.com/ruteri/threshold-vault-backend/quorum"
	"github.com/ruteri/threshold-vault-backend/recovery"
	"github.com/ruteri/threshold-vault-backend/session"
	"github.com/ruteri/threshold-vault-backend/storage"
	"github.com/ruteri/threshold-vault-backend/sweeper"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr               string        `yaml:"listen_addr"`
	MetricsAddr              string        `yaml:"metrics_addr"`
	EnablePprof              bool          `yaml:"pprof"`
	DrainDuration            time.Duration `yaml:"drain_duration"`
	GracefulShutdownDuration time.Duration `yaml:"graceful_shutdown_duration"`
	ReadTimeout              time.Duration `yaml:"read_timeout"`
	WriteTimeout             time.Duration `yaml:"write_timeout"`
}

type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver   string                 `yaml:"driver"`
	Postgres storage.PostgresConfig `yaml:"postgres"`
	// BackupURIs are the locations vault exports are replicated to.
	BackupURIs []string `yaml:"backup_uris"`
}

type SessionConfig struct {
	// Store is "memory" or "redis".
	Store       string              `yaml:"store"`
	TTL         time.Duration       `yaml:"ttl"`
	MaxLifetime time.Duration       `yaml:"max_lifetime"`
	Redis       session.RedisConfig `yaml:"redis"`
}

type KDFConfig struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

type QuorumConfig struct {
	UnlockDuration time.Duration                 `yaml:"unlock_duration"`
	RequestTTL     time.Duration                 `yaml:"request_ttl"`
	Groups         map[string]quorum.GroupConfig `yaml:"groups"`
}

type EventsConfig struct {
	QueueSize int               `yaml:"queue_size"`
	SMTP      events.SMTPConfig `yaml:"smtp"`
}

// Config is the complete server configuration.
type Config struct {
	// Dev allows an ephemeral keyring and in-memory stores.
	Dev bool `yaml:"dev"`
	// Keyring is the server keyring in "id:key[,id:key...]" form. The first
	// entry encrypts; all entries decrypt.
	Keyring       string          `yaml:"keyring"`
	Server        ServerConfig    `yaml:"server"`
	Storage       StorageConfig   `yaml:"storage"`
	Sessions      SessionConfig   `yaml:"sessions"`
	KDF           KDFConfig       `yaml:"kdf"`
	Recovery      recovery.Config `yaml:"recovery"`
	Quorum        QuorumConfig    `yaml:"quorum"`
	Events        EventsConfig    `yaml:"events"`
	SweepInterval time.Duration   `yaml:"sweep_interval"`
}

// Default returns the configuration used for every field the file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:               "127.0.0.1:8080",
			MetricsAddr:              "127.0.0.1:8090",
			DrainDuration:            15 * time.Second,
			GracefulShutdownDuration: 30 * time.Second,
			ReadTimeout:              60 * time.Second,
			WriteTimeout:             30 * time.Second,
		},
		Storage: StorageConfig{
			Driver:   "memory",
			Postgres: storage.PostgresConfig{MaxConns: 10, ConnMaxLifetime: 30 * time.Minute},
		},
		Sessions: SessionConfig{
			Store:       "memory",
			TTL:         session.DefaultTTL,
			MaxLifetime: session.DefaultMaxLifetime,
		},
		KDF: KDFConfig{
			Time:      cryptoutils.DefaultKDFParams.Time,
			MemoryKiB: cryptoutils.DefaultKDFParams.MemoryKiB,
			Threads:   cryptoutils.DefaultKDFParams.Threads,
		},
		Recovery: recovery.Config{
			RequestTTL:  recovery.DefaultRequestTTL,
			MinContacts: recovery.DefaultMinContacts,
		},
		Quorum: QuorumConfig{
			UnlockDuration: quorum.DefaultUnlockDuration,
			RequestTTL:     quorum.DefaultRequestTTL,
		},
		Events:        EventsConfig{QueueSize: 1024},
		SweepInterval: sweeper.DefaultInterval,
	}
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv exports the variables of a .env file that are not already set.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// KDFParams returns the password KDF parameters for new vaults.
func (c *Config) KDFParams() cryptoutils.KDFParams {
	p := cryptoutils.DefaultKDFParams
	p.Time = c.KDF.Time
	p.MemoryKiB = c.KDF.MemoryKiB
	p.Threads = c.KDF.Threads
	return p
}

// SessionManagerConfig returns the session lifetimes.
func (c *Config) SessionManagerConfig() session.Config {
	return session.Config{TTL: c.Sessions.TTL, MaxLifetime: c.Sessions.MaxLifetime}
}

// QuorumServiceConfig returns the quorum lifetimes.
func (c *Config) QuorumServiceConfig() quorum.Config {
	return quorum.Config{UnlockDuration: c.Quorum.UnlockDuration, RequestTTL: c.Quorum.RequestTTL}
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.ListenAddr == "" {
		add("server.listen_addr is required")
	}

	if c.Keyring == "" && !c.Dev {
		add("keyring is required outside dev mode")
	} else if c.Keyring != "" {
		if _, err := cryptoutils.ParseKeyring(c.Keyring); err != nil {
			add("keyring: %v", err)
		}
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "memory":
		if !c.Dev {
			add("storage.driver memory is only allowed in dev mode")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			add("storage.postgres.dsn is required")
		}
	default:
		add("unknown storage.driver %q", c.Storage.Driver)
	}
	if _, err := storage.ParseLocations(c.Storage.BackupURIs); err != nil {
		add("storage.backup_uris: %v", err)
	}

	switch strings.ToLower(c.Sessions.Store) {
	case "memory":
	case "redis":
		if c.Sessions.Redis.Addr == "" {
			add("sessions.redis.addr is required")
		}
	default:
		add("unknown sessions.store %q", c.Sessions.Store)
	}
	if c.Sessions.TTL <= 0 || c.Sessions.MaxLifetime <= 0 {
		add("session ttl and max lifetime must be positive")
	} else if c.Sessions.TTL > c.Sessions.MaxLifetime {
		add("sessions.ttl %s exceeds sessions.max_lifetime %s", c.Sessions.TTL, c.Sessions.MaxLifetime)
	}

	kdf := c.KDFParams()
	kdf.Salt = make([]byte, 16)
	if err := kdf.Validate(); err != nil {
		add("kdf: %v", err)
	}

	if c.Recovery.RequestTTL <= 0 {
		add("recovery.request_ttl must be positive")
	}
	if c.Recovery.MinContacts < recovery.MinThreshold || c.Recovery.MinContacts > recovery.MaxShares {
		add("recovery.min_contacts must be between %d and %d", recovery.MinThreshold, recovery.MaxShares)
	}

	if c.Quorum.UnlockDuration <= 0 || c.Quorum.RequestTTL <= 0 {
		add("quorum durations must be positive")
	}
	if _, err := quorum.NewStaticDirectory(c.Quorum.Groups); err != nil {
		add("quorum.groups: %v", err)
	}

	if c.Events.QueueSize <= 0 {
		add("events.queue_size must be positive")
	}
	if c.Events.SMTP.Host != "" && c.Events.SMTP.From == "" {
		add("events.smtp.from is required when smtp is enabled")
	}
	if c.SweepInterval < time.Second {
		add("sweep_interval must be at least 1s")
	}

	return errors.Join(errs...)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ruteri/threshold-vault-backend/api/vaulthandler"
	"github.com/ruteri/threshold-vault-backend/cmd/flags"
	"github.com/ruteri/threshold-vault-backend/config"
	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/events"
	"github.com/ruteri/threshold-vault-backend/httpserver"
	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/ruteri/threshold-vault-backend/quorum"
	"github.com/ruteri/threshold-vault-backend/recovery"
	"github.com/ruteri/threshold-vault-backend/session"
	"github.com/ruteri/threshold-vault-backend/storage"
	"github.com/ruteri/threshold-vault-backend/sweeper"
	"github.com/ruteri/threshold-vault-backend/vault"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

// store is everything the services persist through.
type store interface {
	interfaces.VaultStore
	interfaces.RecoveryStore
	interfaces.GroupStore
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:  "vault-server",
		Usage: "Serve the threshold vault API",
		Flags: append([]cli.Flag{
			flags.ConfigFileFlag,
			flags.ListenAddrFlag,
			flags.DevFlag,
			flags.KeyringFlag,
			flags.DatabaseURLFlag,
			flags.RedisAddrFlag,
			flags.LogServiceFlagFn("vault"),
		}, flags.CommonFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	cfg, err := config.Load(cCtx.String(flags.ConfigFileFlag.Name))
	if err != nil {
		return err
	}
	flags.ApplyServerFlags(cCtx, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keyring, err := loadKeyring(cfg, logger)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	sessionStore, closeSessions, err := openSessionStore(ctx, cfg, keyring, logger)
	if err != nil {
		return err
	}
	defer closeSessions()
	sessions := session.NewManager(sessionStore, cfg.SessionManagerConfig(), logger)

	backups, err := openBackups(cfg, logger)
	if err != nil {
		return err
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}
	dispatcher := events.NewDispatcher(logger, cfg.Events.QueueSize,
		[]interfaces.AuditSink{events.NewLogAuditSink(logger)},
		[]interfaces.Notifier{notifier})

	directory, err := quorum.NewStaticDirectory(cfg.Quorum.Groups)
	if err != nil {
		return err
	}

	vaults := vault.NewService(vault.NewCore(cfg.KDFParams()), st, sessions, dispatcher, backups, logger)
	recoveries := recovery.NewService(st, vaults, keyring, dispatcher, cfg.Recovery, logger)
	groups := quorum.NewService(st, directory, keyring, dispatcher, cfg.QuorumServiceConfig(), logger).WithBackups(backups)

	if _, err := groups.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore group sessions: %w", err)
	}

	serverCfg := flags.ConfigureServer(cfg, logger)
	serverCfg.ReadinessChecks = readinessChecks(st, backups)
	server, err := httpserver.New(serverCfg, vaulthandler.NewHandler(vaults, recoveries, groups, logger))
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	sweep := sweeper.New(cfg.SweepInterval, logger,
		sweeper.Job{Name: "sessions", Run: sessions.Sweep},
		sweeper.Job{Name: "recovery_requests", Run: recoveries.ExpireStale},
		sweeper.Job{Name: "group_unlocks", Run: groups.ExpireStale},
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sweep.Run(gctx)
	})
	g.Go(func() error {
		return server.Run(gctx)
	})

	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closeErr := dispatcher.Close(closeCtx); closeErr != nil {
		logger.Warn("Event queue not drained", "err", closeErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Server shutdown complete")
	return nil
}

func loadKeyring(cfg *config.Config, logger *slog.Logger) (*cryptoutils.Keyring, error) {
	if cfg.Keyring == "" {
		logger.Warn("No keyring configured, using an ephemeral key; recovery data will not survive a restart")
		return cryptoutils.NewRandomKeyring()
	}
	keyring, err := cryptoutils.ParseKeyring(cfg.Keyring)
	if err != nil {
		return nil, fmt.Errorf("invalid keyring: %w", err)
	}
	logger.Info("Keyring loaded", "primary", keyring.PrimaryID())
	return keyring, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store, func(), error) {
	if strings.ToLower(cfg.Storage.Driver) == "memory" {
		logger.Warn("Using in-memory storage; all vaults are lost on exit")
		return storage.NewMemoryStore(), func() {}, nil
	}

	pg, err := storage.NewPostgresStore(ctx, cfg.Storage.Postgres, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return pg, pg.Close, nil
}

func openSessionStore(ctx context.Context, cfg *config.Config, keyring *cryptoutils.Keyring, logger *slog.Logger) (interfaces.SessionStore, func(), error) {
	if strings.ToLower(cfg.Sessions.Store) == "memory" {
		return session.NewMemoryStore(), func() {}, nil
	}

	rs, err := session.NewRedisStore(ctx, cfg.Sessions.Redis, keyring)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("Using redis session store", "addr", cfg.Sessions.Redis.Addr)
	return rs, func() { _ = rs.Close() }, nil
}

// openBackups returns nil when no backup location is configured, which
// disables backup export and restore.
func openBackups(cfg *config.Config, logger *slog.Logger) (interfaces.StorageBackend, error) {
	if len(cfg.Storage.BackupURIs) == 0 {
		return nil, nil
	}
	locations, err := storage.ParseLocations(cfg.Storage.BackupURIs)
	if err != nil {
		return nil, err
	}
	backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
	if err != nil {
		return nil, fmt.Errorf("failed to create backup storage: %w", err)
	}
	logger.Info("Backup storage configured", "backend", backend.Name())
	return backend, nil
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (interfaces.Notifier, error) {
	if cfg.Events.SMTP.Host == "" {
		return events.NewLogNotifier(logger), nil
	}
	return events.NewSMTPNotifier(cfg.Events.SMTP, logger)
}

// readinessChecks probes the dependencies a request may need.
func readinessChecks(st store, backups interfaces.StorageBackend) map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if pinger, ok := st.(interface{ Ping(context.Context) error }); ok {
		checks["store"] = pinger.Ping
	}
	if backups != nil {
		checks["backups"] = func(ctx context.Context) error {
			if !backups.Available(ctx) {
				return interfaces.ErrBackendUnavailable
			}
			return nil
		}
	}
	return checks
}

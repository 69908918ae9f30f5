package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/threshold-vault-backend/common"
	"github.com/ruteri/threshold-vault-backend/config"
	"github.com/ruteri/threshold-vault-backend/httpserver"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ApplyServerFlags overrides the file configuration with any server flag the
// user set explicitly.
func ApplyServerFlags(cCtx *cli.Context, cfg *config.Config) {
	if cCtx.IsSet(ListenAddrFlag.Name) {
		cfg.Server.ListenAddr = cCtx.String(ListenAddrFlag.Name)
	}
	if cCtx.IsSet(MetricsAddrFlag.Name) {
		cfg.Server.MetricsAddr = cCtx.String(MetricsAddrFlag.Name)
	}
	if cCtx.IsSet(PprofFlag.Name) {
		cfg.Server.EnablePprof = cCtx.Bool(PprofFlag.Name)
	}
	if cCtx.IsSet(DrainSecondsFlag.Name) {
		cfg.Server.DrainDuration = time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second
	}
	if cCtx.IsSet(DevFlag.Name) {
		cfg.Dev = cCtx.Bool(DevFlag.Name)
	}
	if cCtx.IsSet(KeyringFlag.Name) {
		cfg.Keyring = cCtx.String(KeyringFlag.Name)
	}
	if cCtx.IsSet(DatabaseURLFlag.Name) {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.Postgres.DSN = cCtx.String(DatabaseURLFlag.Name)
	}
	if cCtx.IsSet(RedisAddrFlag.Name) {
		cfg.Sessions.Store = "redis"
		cfg.Sessions.Redis.Addr = cCtx.String(RedisAddrFlag.Name)
	}
}

func ConfigureServer(cfg *config.Config, logger *slog.Logger) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cfg.Server.ListenAddr,
		MetricsAddr:              cfg.Server.MetricsAddr,
		Log:                      logger,
		EnablePprof:              cfg.Server.EnablePprof,
		DrainDuration:            cfg.Server.DrainDuration,
		GracefulShutdownDuration: cfg.Server.GracefulShutdownDuration,
		ReadTimeout:              cfg.Server.ReadTimeout,
		WriteTimeout:             cfg.Server.WriteTimeout,
	}
}

var ConfigFileFlag = &cli.StringFlag{
	Name:    "config",
	EnvVars: []string{"VAULT_CONFIG"},
	Usage:   "path to a YAML configuration file",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	EnvVars: []string{"VAULT_LISTEN_ADDR"},
	Usage:   "address to listen on for API",
}

var DevFlag = &cli.BoolFlag{
	Name:    "dev",
	EnvVars: []string{"VAULT_DEV"},
	Usage:   "allow an ephemeral keyring and in-memory stores",
}

var KeyringFlag = &cli.StringFlag{
	Name:    "keyring",
	EnvVars: []string{"VAULT_KEYRING"},
	Usage:   "server keyring as id:key[,id:key...]; the first key encrypts",
}

var DatabaseURLFlag = &cli.StringFlag{
	Name:    "database-url",
	EnvVars: []string{"DATABASE_URL"},
	Usage:   "PostgreSQL connection string; selects the postgres store",
}

var RedisAddrFlag = &cli.StringFlag{
	Name:    "redis-addr",
	EnvVars: []string{"REDIS_ADDR"},
	Usage:   "Redis address; selects the redis session store",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 15,
	Usage: "seconds to report not ready before shutting down",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

// Package cmd provides the commands of the nls CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/nls/config"
	"github.com/otherjamesbrown/nls/credentials"
	"github.com/otherjamesbrown/nls/pkg/buildinfo"
	"github.com/otherjamesbrown/nls/pkg/db"
	"github.com/otherjamesbrown/nls/pkg/logging"
	"github.com/otherjamesbrown/nls/pkg/observability"
	"github.com/otherjamesbrown/nls/pkg/store"
	"github.com/otherjamesbrown/nls/pkg/store/memstore"
	"github.com/otherjamesbrown/nls/pkg/store/postgres"
	"github.com/otherjamesbrown/nls/pkg/store/sqlite"
)

// DSN schemes understood by connectToStore.
const (
	schemePostgres   = "postgres://"
	schemePostgreSQL = "postgresql://"
	schemeSQLite     = "sqlite://"
	schemeMemory     = "memory://"
)

// migrator is implemented by the SQL stores.
type migrator interface {
	Migrate(ctx context.Context) (*db.MigrationResult, error)
	MigrationStatus(ctx context.Context) (*db.MigrationStatus, error)
	DropAll(ctx context.Context) error
}

// newLogger builds the CLI logger from cfg.
func newLogger(cfg *config.Config, component string) logging.Logger {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Debug {
		level = logging.LevelDebug
	}
	return logging.NewLogger(&logging.Config{
		Level:       level,
		ServiceName: "nls",
		JSONFormat:  cfg.Log.JSON,
		Output:      os.Stderr,
	}).With(logging.F("command", component))
}

// connectToStore opens the store named by cfg.Store.DSN. A postgres DSN without
// a password picks one up from the credential store.
func connectToStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (store.Store, error) {
	dsn := strings.TrimSpace(cfg.Store.DSN)
	switch {
	case dsn == "" || strings.HasPrefix(dsn, schemeMemory):
		logger.Debug("Using in-memory store")
		return memstore.New(), nil

	case strings.HasPrefix(dsn, schemeSQLite):
		path, err := config.ExpandPath(strings.TrimPrefix(dsn, schemeSQLite))
		if err != nil {
			return nil, err
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return nil, fmt.Errorf("creating store directory: %w", err)
			}
		}
		return sqlite.Open(ctx, path, logger)

	case strings.HasPrefix(dsn, schemePostgres), strings.HasPrefix(dsn, schemePostgreSQL):
		dsn, err := withStoredPassword(dsn, logger)
		if err != nil {
			return nil, err
		}
		dbCfg := db.NewConfig(dsn)
		if cfg.Store.MaxConns > 0 {
			dbCfg.MaxConns = cfg.Store.MaxConns
		}
		if cfg.Store.MinConns > 0 {
			dbCfg.MinConns = cfg.Store.MinConns
		}
		return postgres.Open(ctx, dbCfg, logger)
	}
	return nil, fmt.Errorf("unsupported store dsn %q (want postgres://, sqlite:// or memory://)", redactDSN(dsn))
}

// withStoredPassword fills a missing postgres password from the credential store.
// An unavailable credential store is not an error here.
func withStoredPassword(dsn string, logger logging.Logger) (string, error) {
	if os.Getenv(credentials.EnvDBPassword) == "" {
		path, err := credentials.CredentialsPath()
		if err != nil {
			return dsn, nil
		}
		if _, err := os.Stat(path); err != nil {
			return dsn, nil
		}
	}
	password, err := resolveSecret(func(c *credentials.Credentials) string { return c.DBPassword })
	if err != nil {
		logger.Warn("Stored credentials unavailable", logging.Err(err))
		return dsn, nil
	}
	return credentials.ApplyDBPassword(dsn, password)
}

// resolveSecret reads one secret, preferring its environment variable.
func resolveSecret(pick func(*credentials.Credentials) string) (string, error) {
	if v := pick(&credentials.Credentials{
		DBPassword:   os.Getenv(credentials.EnvDBPassword),
		LookupAPIKey: os.Getenv(credentials.EnvLookupAPIKey),
	}); v != "" {
		return v, nil
	}
	s, err := openCredentialStore(false)
	if err != nil {
		return "", err
	}
	creds, err := s.Resolve()
	if err != nil {
		return "", err
	}
	return pick(creds), nil
}

// connectToRedis opens the configured Redis server.
func connectToRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: os.Getenv("NLS_REDIS_PASSWORD"),
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}
	return client, nil
}

// serveMetrics exposes /metrics and /version on addr until ctx ends.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/version", buildinfo.Handler("nls"))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("Serving metrics", logging.F("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", logging.Err(err))
		}
	}()
}

// newRegistry returns a registry carrying the harvester metrics, plus the pool
// collector when s is a postgres store.
func newRegistry(s store.Store, logger logging.Logger) (*prometheus.Registry, *observability.Metrics) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	if pg, ok := s.(*postgres.Store); ok {
		if _, err := db.RegisterPoolStatsCollector(reg, pg.Pool(), observability.Namespace, "city"); err != nil {
			logger.Warn("Pool stats unavailable", logging.Err(err))
		}
	}
	return reg, metrics
}

// redactDSN hides the password of a DSN.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	if i := strings.Index(userinfo, ":"); i >= 0 {
		return dsn[:scheme+3] + userinfo[:i] + ":****" + dsn[at:]
	}
	return dsn
}

func closeQuietly(c io.Closer) {
	_ = c.Close()
}

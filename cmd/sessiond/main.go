// sessiond is the maintenance daemon for the session core: it wires the
// storage backend and the managers from configuration, then runs the
// background sweeps (expired sessions, denylist purge) until stopped. The
// request-facing API layer runs elsewhere and shares the same backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/sessionworks/go-session-server/auth"
	"github.com/sessionworks/go-session-server/internal/config"
	"github.com/sessionworks/go-session-server/internal/jobs"
	"github.com/sessionworks/go-session-server/revocation"
	"github.com/sessionworks/go-session-server/security"
	"github.com/sessionworks/go-session-server/storage"
	"github.com/sessionworks/go-session-server/storage/edgestore"
	"github.com/sessionworks/go-session-server/storage/memorystore"
	"github.com/sessionworks/go-session-server/storage/redisstore"
	"github.com/sessionworks/go-session-server/token"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sessiond: %v\n", err)
		os.Exit(1)
	}
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			debug.PrintStack()
			returnError = errors.Errorf("panic recovered: %v", r)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	displayAppname(cfg.AppName)
	log := newLogger(cfg.LogLevel)

	store, err := buildStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	revocations, err := revocation.NewService(store,
		revocation.WithMaxTTL(cfg.MaxRevocationTTL()),
		revocation.WithLogger(log.With().Str("component", "revocation").Logger()),
	)
	if err != nil {
		return err
	}

	sec, err := security.NewService(store,
		security.WithRiskThreshold(cfg.SecurityRiskThreshold),
		security.WithAuditRetention(cfg.AuditRetentionPeriod()),
		security.WithLogger(log.With().Str("component", "security").Logger()),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	provider, err := token.NewOAuthProvider(ctx, token.ProviderConfig{
		IssuerURL:             cfg.ProviderIssuerURL,
		TokenEndpoint:         cfg.ProviderTokenURL,
		IntrospectionEndpoint: cfg.ProviderIntrospect,
		ClientID:              cfg.ProviderClientID,
		ClientSecret:          cfg.ProviderClientSecret,
	})
	cancel()
	if err != nil {
		return err
	}

	tokenManager, err := token.NewManager(store, provider, revocations,
		token.WithRotation(cfg.TokenRotation),
		token.WithProactiveWindow(cfg.ProactiveWindow()),
		token.WithGracePeriod(cfg.GracePeriod()),
		token.WithRetryPolicy(cfg.RefreshMaxRetries, cfg.MaxRefreshDelay()),
		token.WithSessionTTL(cfg.SessionTTL()),
		token.WithFailClosedIntrospection(cfg.IntrospectionFailClosed),
		token.WithLogger(log.With().Str("component", "token").Logger()),
	)
	if err != nil {
		return err
	}

	sessionManager, err := auth.NewManager(store, tokenManager, revocations, sec,
		auth.WithTimeouts(cfg.IdleTimeout(), cfg.AbsoluteTimeout()),
		auth.WithSessionLimit(cfg.MaxSessionsPerUser, auth.EvictionPolicy(strings.ToLower(cfg.SessionEvictionPolicy))),
		auth.WithDeviceValidation(cfg.DeviceValidation, cfg.DeviceMatchThreshold),
		auth.WithTombstoneRetention(cfg.TombstoneRetention()),
		auth.WithLogger(log.With().Str("component", "sessions").Logger()),
	)
	if err != nil {
		return err
	}

	sweep := jobs.NewPeriodic("session-sweep", cfg.SweepInterval(), func(ctx context.Context) error {
		n, err := sessionManager.CleanupExpired(ctx)
		if n > 0 {
			log.Info().Int("terminated", n).Msg("session sweep")
		}
		return err
	}, jobs.WithLogger(log))

	purge := jobs.NewPeriodic("denylist-purge", cfg.SweepInterval(), func(ctx context.Context) error {
		n, err := revocations.CleanupExpired(ctx)
		if n > 0 {
			log.Info().Int("purged", n).Msg("denylist purge")
		}
		return err
	}, jobs.WithLogger(log))

	sweep.Start()
	purge.Start()

	log.Info().
		Str("storage", cfg.StorageBackend).
		Dur("sweep_interval", cfg.SweepInterval()).
		Msg("sessiond running")

	waitForStopSignal()

	sweep.Stop()
	purge.Stop()
	log.Info().Msg("sessiond stopped")
	return nil
}

func buildStorage(cfg *config.Config) (storage.Backend, error) {
	switch strings.ToLower(cfg.StorageBackend) {
	case "memory":
		return memorystore.New(), nil
	case "redis":
		return redisstore.New(redisstore.Config{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		}), nil
	case "edge":
		return edgestore.New(edgestore.Config{
			BaseURL:  cfg.EdgeBaseURL,
			APIToken: cfg.EdgeAPIToken,
		}), nil
	default:
		return nil, errors.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}

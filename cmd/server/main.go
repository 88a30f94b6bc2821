package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/npezzotti/go-eventpresence/internal/api"
	"github.com/npezzotti/go-eventpresence/internal/config"
	"github.com/npezzotti/go-eventpresence/internal/database"
	"github.com/npezzotti/go-eventpresence/internal/logging"
	"github.com/npezzotti/go-eventpresence/internal/presence"
	"github.com/npezzotti/go-eventpresence/internal/server"
	"github.com/npezzotti/go-eventpresence/internal/stats"
	"github.com/rs/zerolog"
)

const (
	serviceName     = "eventpresence"
	serviceTokenTTL = 365 * 24 * time.Hour
	shutdownTimeout = 10 * time.Second
)

var (
	configDir  string
	issueToken bool
)

func main() {
	flag.StringVar(&configDir, "config", "", "directory containing config.yaml")
	flag.BoolVar(&issueToken, "issue-service-token", false, "print a token for the registration service and exit")
	flag.Parse()

	cfg, err := config.Load(configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: serviceName,
	})

	if issueToken {
		token, err := api.CreateServiceToken(cfg.Auth.SigningKey, api.ServiceSubject, serviceTokenTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("create service token")
		}
		fmt.Println(token)
		return
	}

	store, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("open presence store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("close presence store")
		}
	}()

	router := mux.NewRouter()

	statsUpdater := stats.NewStatsUpdater(router)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	agg := presence.NewAggregator(store, cfg.Presence.FreshnessWindow, logger, statsUpdater)
	presenceServer := server.NewPresenceServer(store, agg, cfg.Presence.RebroadcastInterval, logger, statsUpdater)
	srv := api.NewServer(router, logger, presenceServer, store, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	janitor := presence.NewJanitor(store, cfg.Presence.PurgeInterval, cfg.Presence.Retention, logger)
	go janitor.Run(ctx)

	logger.Info().
		Str("store", cfg.Store.Driver).
		Dur("heartbeat_interval", cfg.Presence.HeartbeatInterval).
		Dur("freshness_window", cfg.Presence.FreshnessWindow).
		Dur("rebroadcast_interval", cfg.Presence.RebroadcastInterval).
		Dur("retention", cfg.Presence.Retention).
		Msg("presence engine configured")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}

	if err := presenceServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("presence server shutdown")
	}

	cancel()
	logger.Info().Msg("shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (presence.Store, error) {
	opts := []presence.Option{presence.WithRetention(cfg.Presence.Retention)}

	switch cfg.Store.Driver {
	case config.StorePostgres, config.StoreSQLite:
		if err := database.Migrate(cfg.Store.Driver, cfg.Store.DSN); err != nil {
			return nil, err
		}
		logger.Info().Str("driver", cfg.Store.Driver).Msg("schema up to date")

		db, err := database.NewDatabaseConnection(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		return database.NewViewerRepository(db, opts...), nil
	case config.StoreRedis:
		return presence.NewRedisStore(ctx, presence.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, opts...)
	default:
		return presence.NewMemoryStore(opts...), nil
	}
}

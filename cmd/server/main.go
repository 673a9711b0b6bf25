package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/pricefeed/internal/config"
	"github.com/JonMunkholm/pricefeed/internal/entity"
	"github.com/JonMunkholm/pricefeed/internal/entity/catalog"
	"github.com/JonMunkholm/pricefeed/internal/logging"
	"github.com/JonMunkholm/pricefeed/internal/progress"
	"github.com/JonMunkholm/pricefeed/internal/service"
	"github.com/JonMunkholm/pricefeed/internal/store"
	"github.com/JonMunkholm/pricefeed/internal/store/memory"
	"github.com/JonMunkholm/pricefeed/internal/store/postgres"
	"github.com/JonMunkholm/pricefeed/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	if err := run(cfg); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := entity.SetNaturalKey(catalog.RegionType, cfg.Keys.RegionKey); err != nil {
		return err
	}
	if err := entity.SetNaturalKey(catalog.CompetitorType, cfg.Keys.CompetitorKey); err != nil {
		return err
	}

	repo, closeRepo, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeRepo()

	var pub progress.Publisher
	if cfg.Redis.URL != "" {
		client, err := progress.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		pub = progress.NewRedisPublisher(client, cfg.Redis.ChannelPrefix)
		slog.Info("publishing progress to redis", "prefix", cfg.Redis.ChannelPrefix)
	}

	tracker := progress.New(repo, cfg.Progress, pub)
	svc, err := service.New(repo, tracker, cfg)
	if err != nil {
		return err
	}
	server := web.NewServer(svc, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tracker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		svc.Run(gctx)
		return nil
	})
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Drain queued and running jobs first so clients can still poll them.
		svcErr := svc.Shutdown(shutdownCtx)
		if svcErr != nil {
			slog.Warn("jobs did not finish in time", "error", svcErr)
		}
		return errors.Join(svcErr, server.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

// openStore returns the repository selected by STORE_DRIVER.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Repository, func(), error) {
	if cfg.Driver == "memory" {
		slog.Warn("using in-memory store, data is lost on exit")
		return memory.New(), func() {}, nil
	}

	pg, err := postgres.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
	}
	slog.Info("connected to database", "max_conns", cfg.MaxConns)
	return pg, pg.Close, nil
}

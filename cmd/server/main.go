package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sealed_chat/internal/config"
	attachmentRepo "sealed_chat/internal/repository/attachment"
	redisSvc "sealed_chat/internal/service/redis"
	"sealed_chat/internal/service/server"
	"sealed_chat/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "sealed-server",
		Short:        "Relay server for sealed chat threads",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the TOML config file")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	if err := log.Init(cfg.Logging.Level, cfg.Logging.Development, logOutputs(cfg)...); err != nil {
		return err
	}
	defer log.Sync()

	storageKey, err := cfg.StorageKey()
	if err != nil {
		return err
	}

	mongoDBClient, err := initMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer mongoDBClient.Disconnect(context.Background())

	db := mongoDBClient.Database(cfg.Mongo.Database)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	redisService := redisSvc.NewRedis(rdb, cfg.Redis.Prefix)
	defer redisService.Close()
	if err := redisService.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	s := server.NewHttpServer(
		server.NewRedisInbox(redisService, server.DefaultInboxTTL),
		attachmentRepo.NewAttachmentRepo(db),
		storageKey,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(cfg.Server.ListenAddr) }()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-done:
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

func logOutputs(cfg *config.Config) []string {
	if cfg.Logging.File == "" {
		return nil
	}
	return []string{cfg.Logging.File}
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}

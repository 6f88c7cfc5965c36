package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sealed_chat/internal/config"
	"sealed_chat/internal/keystore"
	"sealed_chat/internal/readiness"
	"sealed_chat/internal/repository/threadkey"
	"sealed_chat/internal/service/app"
	redisSvc "sealed_chat/internal/service/redis"
	"sealed_chat/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type flags struct {
	config  string
	user    string
	peer    string
	thread  string
	creator bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:          "sealed-client --user <name> --peer <name>",
		Short:        "Terminal client for sealed chat threads",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.config, "config", "", "path to the TOML config file")
	cmd.Flags().StringVar(&f.user, "user", "", "your user name")
	cmd.Flags().StringVar(&f.peer, "peer", "", "user name of the other participant")
	cmd.Flags().StringVar(&f.thread, "thread", "", "thread id (default derived from both names)")
	cmd.Flags().BoolVar(&f.creator, "creator", false, "publish the thread key if none exists")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, f flags) error {
	cfg, err := config.LoadFile(f.config)
	if err != nil {
		return err
	}
	if f.user != "" {
		cfg.Client.User = f.user
	}
	if f.peer != "" {
		cfg.Client.Peer = f.peer
	}
	if f.thread != "" {
		cfg.Client.Thread = f.thread
	}
	if cmd.Flags().Changed("creator") {
		cfg.Client.Creator = f.creator
	}
	if err := cfg.ValidateClient(); err != nil {
		return err
	}

	logFile := cfg.Logging.File
	if logFile == "" {
		logFile = fmt.Sprintf("sealed-client-%s.log", cfg.Client.User)
	}
	if err := log.Init(cfg.Logging.Level, cfg.Logging.Development, logFile); err != nil {
		return err
	}
	defer log.Sync()

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

	redisService := redisSvc.NewRedis(rdb, cfg.Redis.Prefix+":"+cfg.Client.User)
	defer redisService.Close()
	if err := redisService.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	api, err := app.NewAPI(cfg.Client.ServerURL, nil)
	if err != nil {
		return err
	}

	sessionCfg := app.SessionConfig{
		User:            cfg.Client.User,
		Peer:            cfg.Client.Peer,
		ThreadID:        cfg.Client.ThreadID(),
		Creator:         cfg.Client.Creator,
		BootstrapBudget: cfg.Readiness.BootstrapBudget,
		GraceWindow:     cfg.Readiness.GraceWindow,
		ErrorTTL:        cfg.Readiness.ErrorTTL,
	}
	errorCache := readiness.NewRedisErrorCache(redisService, cfg.Readiness.ErrorTTL)

	c := app.NewApp(sessionCfg, api, threadkey.NewThreadKeyRepo(db), keystore.NewMemory(),
		app.WithMachineOptions(readiness.WithErrorCache(errorCache)),
	)

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-done
		c.Stop()
	}()

	log.Info("client starting", zap.String("user", sessionCfg.User), zap.String("thread", sessionCfg.ThreadID))
	err = c.Run(ctx)
	c.Stop()
	return err
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

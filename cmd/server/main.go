package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/db"
	"chatsync/internal/logging"
	"chatsync/internal/memory"
	"chatsync/internal/metrics"
	myMiddleware "chatsync/internal/middleware"
	"chatsync/internal/ratelimit"
	"chatsync/internal/server"
	"chatsync/internal/user"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", "", "http service address (overrides config)")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	logger := logging.New(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server, logger *slog.Logger) error {
	database, err := db.NewDatabase(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer database.Close()
	logger.Info("connected to postgres")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}

	var broker chat.Broker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		broker = chat.NewRedisBroker(rdb)
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
	} else {
		broker = chat.NewLocalBroker()
		logger.Warn("no redis configured; presence and fan-out are local to this instance")
	}

	m := metrics.New()

	userService := user.NewService(user.NewRepository(database.Conn), cfg.JWTSecret, cfg.TokenTTL)
	hub := chat.NewHub(broker, m, logger.With("component", "hub"))

	router := server.NewRouter(server.Deps{
		Users:        user.NewHandler(userService, cfg.SecureCookies, logger),
		Chat:         chat.NewHandler(hub, chat.NewRepository(database.Conn), m, logger),
		Memories:     memory.NewHandler(memory.NewRepository(database.Conn), logger),
		Auth:         myMiddleware.NewAuthMiddleware(userService, m),
		AuthLimiter:  ratelimit.New(cfg.AuthRateLimit, cfg.AuthBurst, 10*time.Minute),
		Metrics:      m,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

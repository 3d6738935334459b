package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"collabtext/config"
	"collabtext/discovery"
	"collabtext/snapshot"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Server.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("could not connect to redis", "addr", cfg.Server.RedisAddr, "error", err)
		os.Exit(1)
	}
	logger.Info("connected to redis", "addr", cfg.Server.RedisAddr)

	dbpool, err := pgxpool.New(ctx, cfg.Server.DatabaseURL)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	parts := snapshot.NewPGSource(dbpool)
	if err := parts.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to postgres")

	rl := newRelay(rdb, parts, logger)
	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           rl.router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if cfg.Server.Advertise {
		if port, err := listenPort(cfg.Server.Listen); err != nil {
			logger.Warn("not advertising", "error", err)
		} else {
			go func() {
				if err := discovery.Advertise(ctx, cfg.Server.Service, port, logger); err != nil {
					logger.Warn("mdns advertise failed", "error", err)
				}
			}()
		}
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("relay listening", "addr", cfg.Server.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}

func listenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}

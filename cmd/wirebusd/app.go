package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/wirebus/wirebus/config"
	"github.com/wirebus/wirebus/server"
	"github.com/wirebus/wirebus/storage"
	filestore "github.com/wirebus/wirebus/storage/file"
	redisstore "github.com/wirebus/wirebus/storage/redis"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath = fs.StringP("config", "c", "", "path to wirebusd.toml")
		listenAddr = fs.StringP("listen-addr", "w", "", "websocket listen address (overrides config)")
		opsAddr    = fs.StringP("ops-addr", "a", "", "metrics/health listen address (overrides config)")
		logLevel   = fs.StringP("log-level", "l", "", "log level (overrides config)")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *opsAddr != "" {
		cfg.OpsAddr = *opsAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	var store storage.Log
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		store = redisstore.NewRedisLog(rdb, cfg.RedisPrefix)
	} else {
		store, err = filestore.NewFileLog(cfg.DataDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open outbox store")
		}
	}

	reg := prometheus.NewRegistry()
	srv := server.NewServer(server.Config{
		Logger:        &logger,
		Authenticator: tokenAuthenticator(cfg.Tokens),
		Store:         store,
		ListenAddr:    cfg.ListenAddr,
		Metrics:       server.NewMetrics(reg),
	})
	opsSrv := server.NewOpsServer(server.OpsConfig{
		Logger:     &logger,
		ListenAddr: cfg.OpsAddr,
		Gatherer:   reg,
	})

	if err = srv.Handle("echo", func(_ context.Context, data json.RawMessage) (any, error) {
		return data, nil
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to register echo route")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go srv.Run(ctx, wg, errc)
	go opsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

// tokenAuthenticator accepts credentials listed in the config. An
// empty list accepts any non-empty credential.
func tokenAuthenticator(tokens []string) server.Authenticator {
	return func(_ context.Context, credential string) (any, error) {
		if len(tokens) == 0 {
			return map[string]string{"user": "anonymous"}, nil
		}
		for _, t := range tokens {
			if credential == t {
				return map[string]string{"user": credential}, nil
			}
		}
		return nil, server.ErrCredentialRejected
	}
}

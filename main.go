package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"drawboard/internal/checkpoint"
	"drawboard/internal/config"
	"drawboard/internal/database/db_client"
	"drawboard/internal/http/http_server"
	"drawboard/internal/metrics"
	"drawboard/internal/ratelimit"
	"drawboard/internal/redis/redis_client"
	"drawboard/internal/redis/relay"
	"drawboard/internal/rooms"
	"drawboard/internal/ws"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

var (
	Log, _ = zap.NewDevelopment()
)

//	@title			drawboard
//	@version		1.0
//	@description	Collaborative drawing rooms over websockets.
//	@BasePath		/
func main() {
	defer Log.Sync()
	zap.ReplaceGlobals(Log)

	// 1. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	Log.Debug("Configuration loaded successfully", zap.Any("config", cfg))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	roomOpts := rooms.Options{
		TileWidth:   cfg.TileWidth,
		TileHeight:  cfg.TileHeight,
		HubCapacity: cfg.HubCapacity,
		Metrics:     m,
	}

	// 4. Postgres checkpoints (optional)
	var store *checkpoint.Store
	if cfg.CheckpointEnabled {
		pgDb, err := db_client.Open(ctx, cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDb)
		if err != nil {
			Log.Fatal("pg-open", zap.Error(err))
		}
		defer pgDb.Close()

		store = checkpoint.NewStore(pgDb)
		if err := store.EnsureSchema(ctx); err != nil {
			Log.Fatal("pg-schema", zap.Error(err))
		}
		roomOpts.Seeder = store
	}

	// 5. Room registry
	registry := rooms.NewRegistry(roomOpts)

	checkpointDone := make(chan struct{})
	if store != nil {
		go func() {
			defer close(checkpointDone)
			checkpoint.Run(ctx, registry, store, cfg.CheckpointInterval)
		}()
	} else {
		close(checkpointDone)
	}

	// 6. Redis relay (optional)
	wsOpts := ws.Options{
		IdleTimeout:     cfg.ReadIdleTimeout,
		PingPeriod:      cfg.PingPeriod,
		MaxMessageBytes: cfg.MaxMessageBytes,
		NewLimiter: func() *ratelimit.TokenBucket {
			return ratelimit.NewTokenBucket(cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitInterval)
		},
		Metrics: m,
	}
	if cfg.RedisEnabled {
		redisClient, err := redis_client.NewRedisClient(ctx, cfg.RedisCanvasesHost, int(cfg.RedisCanvasesPort))
		if err != nil {
			Log.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()

		rl := relay.New(redisClient, registry, cfg.InstanceID, m)
		defer rl.Close()
		wsOpts.Relay = rl
		Log.Info("relay.enabled", zap.String("instance", cfg.InstanceID))
	}

	// 7. WS server
	wsSrv := ws.NewWsServer(ctx, registry, wsOpts)

	// 8. HTTP + WS server
	httpServer := http_server.NewHttpServer(ctx, cfg.HttpServerPort, wsSrv, registry, promReg)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Start()
	}()

	select {
	case <-ctx.Done():
		Log.Info("shutdown", zap.Error(context.Cause(ctx)))
	case err := <-serveErr:
		if err != nil {
			Log.Error("Failed to start HTTP server", zap.Error(err))
		}
		stop()
	}

	// 9. Graceful shutdown: stop accepting, let sessions send their close
	// frames, then flush the last checkpoint.
	_ = httpServer.Dispose()
	wsSrv.Wait()
	<-checkpointDone
	Log.Info("bye")
}

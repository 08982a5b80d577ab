package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"roomsync/backend/config"
	"roomsync/backend/internal/account"
	"roomsync/backend/internal/auth"
	"roomsync/backend/internal/cache"
	"roomsync/backend/internal/clock"
	"roomsync/backend/internal/httpapi/handlers"
	"roomsync/backend/internal/logging"
	"roomsync/backend/internal/metrics"
	"roomsync/backend/internal/persist"
	"roomsync/backend/internal/store"
	"roomsync/backend/internal/ws"
)

// openStore 用户表跟着存储走：mysql 时落库，其他情况放内存
func openStore(cfg *config.Config) (store.Store, account.Repository, error) {
	switch cfg.Store.Driver {
	case config.DriverMySQL:
		gs, err := store.OpenMySQL(cfg.Mysql.DSN)
		if err != nil {
			return nil, nil, err
		}
		users, err := account.NewGormRepository(gs.DB())
		if err != nil {
			_ = gs.Close()
			return nil, nil, err
		}
		return gs, users, nil
	case config.DriverPebble:
		ps, err := store.OpenPebble(cfg.Pebble.Path)
		if err != nil {
			return nil, nil, err
		}
		return ps, account.NewMemoryRepository(), nil
	default:
		return store.NewMemoryStore(), account.NewMemoryRepository(), nil
	}
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	logger, err := logging.New(cfg.Running.LogLevel)
	if err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	defer logger.Sync()
	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal("invalid relay config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relayMetrics := metrics.NewRelay(reg)

	// === 在线名单 + 跨节点广播：配置了 Redis 就用 Redis，否则单节点内存 ===
	var (
		presence cache.Presence
		fanout   *cache.RedisFanout
	)
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("connect redis failed", zap.Strings("addrs", cfg.Redis.Addrs), zap.Error(err))
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb, clock.Real())
		fanout = cache.NewRedisFanout(rdb, logger.Named("fanout"))
		logger.Info("redis presence enabled", zap.String("node", fanout.NodeID()))
	} else {
		presence = cache.NewMemoryPresence(clock.Real())
	}

	// === 持久层 ===
	st, users, err := openStore(cfg)
	if err != nil {
		logger.Fatal("open store failed", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	var pub persist.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := persist.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			logger.Fatal("connect kafka failed", zap.Strings("brokers", cfg.Kafka.Brokers), zap.Error(err))
		}
		kp := persist.NewKafkaPublisher(producer, cfg.Kafka.Topic)
		defer kp.Close()
		pub = kp
	}
	opt := persist.DefaultOptions()
	if cfg.Store.Workers > 0 {
		opt.Workers = cfg.Store.Workers
	}
	if cfg.Store.Queue > 0 {
		opt.QueueSize = cfg.Store.Queue
	}
	dispatcher := persist.NewDispatcher(st, pub, logger.Named("persist"), opt)
	defer dispatcher.Close()

	// === 中继 ===
	var hubFanout ws.Fanout
	if fanout != nil {
		hubFanout = fanout
	}
	hub := ws.NewHub(presence, ws.HubOptions{
		PresenceTTL: cfg.Engine.PresenceTimeout,
		Fanout:      hubFanout,
		Metrics:     relayMetrics,
		Logger:      logger.Named("relay"),
	})
	go hub.RunSweeper(ctx, cfg.Engine.SweepInterval)
	if fanout != nil {
		go func() {
			if err := fanout.Run(ctx, hub.DeliverRemote); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("fanout subscriber stopped", zap.Error(err))
			}
		}()
	}
	manager := ws.NewManager(hub, ws.Options{
		RateLimit:      cfg.Relay.RateLimit,
		Burst:          cfg.Relay.Burst,
		SendBuffer:     cfg.Relay.SendBuffer,
		AllowedOrigins: cfg.Running.AllowedOrigins,
	})

	signer := auth.NewSigner(cfg.Auth.JWTSecret)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", handlers.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	relay := r.Group("/relay")
	// 会从 Authorization 或 ?token= 提取 token，并写入 userId/username
	relay.Use(auth.Middleware(signer))
	relay.GET("/ws", manager.WebSocketConnect)

	handlers.NewAccounts(users, signer, cfg.Auth.AccessTTL, logger.Named("auth")).Register(r.Group("/v1/auth"))
	rooms := r.Group("/v1/rooms")
	rooms.Use(auth.Middleware(signer))
	handlers.NewRooms(dispatcher, presence, logger.Named("api")).Register(rooms)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}
	go func() {
		logger.Info("relay server listening", zap.String("addr", srv.Addr), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown failed", zap.Error(err))
	}
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dialer-bridge/internal/audit"
	"dialer-bridge/internal/auth"
	"dialer-bridge/internal/calls"
	"dialer-bridge/internal/config"
	"dialer-bridge/internal/httpapi"
	"dialer-bridge/internal/metrics"
	"dialer-bridge/internal/reporting"
	"dialer-bridge/internal/throttle"
	"dialer-bridge/pkg/logger"
	"dialer-bridge/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	var db *sql.DB
	if cfg.App.Storage == config.StoragePostgres {
		db, err = utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
	} else {
		log.Warn("using in-memory storage; commands are lost on restart")
	}

	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	met := metrics.New("dialer", prometheus.DefaultRegisterer)
	deps := buildDeps(cfg, db, rdb, met, log)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(met.Middleware())

	registerRoutes(r, deps, authManager, db)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// held pulls must finish writing before the server gives up on them
		WriteTimeout: cfg.Dispatch.LongPollWait + 15*time.Second,
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "storage", cfg.App.Storage, "redis", cfg.RedisEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.LongPollWait+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	log.Info("shutdown complete")
}

type deps struct {
	handlers httpapi.Handlers
	mw       httpapi.Middleware
	metrics  *metrics.Metrics
}

// buildDeps picks Postgres or memory stores and Redis or in-process
// coordination from cfg. db and rdb may be nil.
func buildDeps(cfg config.Config, db *sql.DB, rdb *redis.Client, met *metrics.Metrics, log *slog.Logger) deps {
	var (
		repo      calls.Repository
		auditRepo audit.Repository
	)
	if db != nil {
		repo = calls.NewPostgresRepo(db)
		auditRepo = audit.NewPostgresRepo(db)
	} else {
		repo = calls.NewMemoryRepo()
		auditRepo = audit.NewMemoryRepo()
	}

	var auditSvc *audit.Service
	if cfg.Audit.Enabled {
		auditSvc = audit.NewService(auditRepo)
	}

	limitCfg := throttle.Config{Limit: cfg.Dispatch.PullRatePerMinute, Window: time.Minute}
	var (
		notifier calls.Notifier
		limiter  throttle.Limiter
		slots    throttle.Slots
	)
	if rdb != nil {
		notifier = calls.NewRedisNotifier(rdb, log)
		limiter = throttle.NewRedisLimiter(rdb, limitCfg, log)
		slots = throttle.NewRedisSlots(rdb, cfg.Dispatch.MaxHeldPulls, cfg.Dispatch.LongPollWait+30*time.Second)
	} else {
		notifier = calls.NewLocalNotifier()
		limiter = throttle.NewLocalLimiter(limitCfg)
		slots = throttle.NewLocalSlots(cfg.Dispatch.MaxHeldPulls)
	}

	svc := calls.NewService(repo, calls.Options{
		Notifier: notifier,
		Audit:    auditSvc,
		Metrics:  met,
		Log:      log.With("component", "calls"),
	})

	return deps{
		handlers: httpapi.Handlers{
			Calls:   svc,
			Reports: reporting.NewService(svc),
			MaxWait: cfg.Dispatch.LongPollWait,
		},
		mw: httpapi.Middleware{
			PullLimit: throttle.Middleware(limiter, httpapi.DeviceKey, met),
			PullSlots: throttle.HoldSlot(slots, httpapi.DeviceKey, met),
		},
		metrics: met,
	}
}

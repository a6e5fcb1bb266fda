package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorflow/core/internal/batch"
	"github.com/miradorflow/core/internal/cache"
	"github.com/miradorflow/core/internal/config"
	"github.com/miradorflow/core/internal/dashboard"
	"github.com/miradorflow/core/internal/httpapi"
	"github.com/miradorflow/core/internal/lifecycle"
	"github.com/miradorflow/core/internal/metrics"
	"github.com/miradorflow/core/internal/noderegistry"
	"github.com/miradorflow/core/internal/publish"
	"github.com/miradorflow/core/internal/scheduler"
	"github.com/miradorflow/core/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	fmt.Println("miradorflow core")
	fmt.Printf("server: %s\n", cfg.ServerAddr())

	ctx := context.Background()

	m := metrics.New("miradorflow", prometheus.DefaultRegisterer)

	redisCache, err := cache.New(cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB)
	if err != nil {
		log.Printf("cache unavailable, continuing without it: %v", err)
		redisCache = nil
	} else {
		defer redisCache.Close()
		fmt.Println("cache connected")
	}

	// Node type bodies are out of scope for the core engine (see
	// SPEC_FULL.md §1): callers register their own via registry.Register
	// before pipelines referencing those types can run.
	registry := noderegistry.New()

	var st store.Store = store.NewMemory()
	if redisCache != nil {
		st = store.NewCached(st, redisCache, cfg.Cache.TTL)
	}
	batchExec := batch.New(registry, m)
	publishReg := publish.New()
	hub := dashboard.NewHub(publishReg, m)
	lc := lifecycle.New(st, registry, publishReg, hub, m)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(registry, st, m)
		sched.Start()
		defer sched.Stop()
		fmt.Println("cron scheduler started")
	}

	lc.RestoreAll(ctx)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = httpapi.ErrorHandler()

	e.Use(httpapi.Logger())
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{
			"status":  "healthy",
			"version": GetVersion().ShortVersion(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	srv := httpapi.NewServer(st, registry, batchExec, lc, sched, hub)
	srv.Register(e)

	go func() {
		fmt.Printf("listening on %s\n", cfg.ServerAddr())
		if err := e.Start(cfg.ServerAddr()); err != nil {
			log.Printf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	for _, key := range publishReg.ListRunning() {
		if entry, ok := publishReg.Unregister(key); ok {
			entry.Executor.Stop()
		}
	}

	fmt.Println("shutdown complete")
}

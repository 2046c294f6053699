package main // Entry point package

import (
	"context"
	"errors"
	"io/fs"
	"log" // Logging library
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4" // Echo web framework
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/session-escrow/internal/booking"
	"github.com/iliyamo/session-escrow/internal/clock"
	"github.com/iliyamo/session-escrow/internal/config" // Internal config loader
	"github.com/iliyamo/session-escrow/internal/database"
	"github.com/iliyamo/session-escrow/internal/escrow"
	"github.com/iliyamo/session-escrow/internal/handler"
	"github.com/iliyamo/session-escrow/internal/middleware"
	"github.com/iliyamo/session-escrow/internal/queue"
	"github.com/iliyamo/session-escrow/internal/repository"
	"github.com/iliyamo/session-escrow/internal/router" // Internal router setup
	"github.com/iliyamo/session-escrow/internal/settlement"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("config: .env not loaded: %v", err)
	}
	cfg := config.Load() // Load environment config

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database: %v", err)
	}
	store := repository.NewMySQLSessionStore(db, repository.WithMaxAttempts(cfg.Settlement.StoreMaxAttempts))

	var gateway escrow.Gateway
	if cfg.Escrow.Enabled() {
		client, err := escrow.NewOmiseClient(cfg.Escrow.PublicKey, cfg.Escrow.SecretKey)
		if err != nil {
			log.Fatalf("escrow: %v", err)
		}
		gateway = escrow.NewOmiseGateway(client)
	} else {
		log.Printf("escrow: no provider keys configured, holds are kept in memory")
		gateway = escrow.NewMemoryGateway()
	}

	publisher := queue.NewPublisher(cfg.Queue.URL)
	defer publisher.Close()
	if cfg.Queue.ConsumerEnabled {
		consumer := &queue.SettlementLogConsumer{URL: cfg.Queue.URL, LogPath: cfg.Queue.LogPath}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("settlement-consumer: stopped: %v", err)
			}
		}()
	}

	clk := clock.NewSystem()
	bookings := booking.NewService(store, gateway, clk,
		booking.WithCurrency(cfg.Escrow.Currency),
		booking.WithPublisher(publisher),
	)
	coordinator := settlement.NewCoordinator(store, gateway, clk,
		settlement.WithConcurrency(cfg.Settlement.Concurrency),
		settlement.WithPublisher(publisher),
	)

	rdb := config.NewRedisClient(config.LoadRedisConfig())
	if rdb != nil {
		defer rdb.Close()
	}
	cache := middleware.NewResponseCache(config.LoadCacheConfig(), rdb)

	e := echo.New() // Create Echo instance
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			log.Printf("http: %s %s %d %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))
	router.Register(e, router.Deps{
		Sessions:  handler.NewSessionHandler(bookings, coordinator, cache, cfg.Settlement.RequestTimeout),
		JWTSecret: cfg.JWTSecret,
		RateLimit: middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb),
		Cache:     cache,
		DB:        db,
	})

	addr := ":" + cfg.Port                                // Address string with port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env) // Print startup info

	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err) // Log and exit if server fails
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tuition/internal/attendance"
	"tuition/internal/auth"
	"tuition/internal/broadcast"
	"tuition/internal/config"
	"tuition/internal/handler"
	"tuition/internal/httpmiddleware"
	"tuition/internal/identity"
	"tuition/internal/logging"
	"tuition/internal/metrics"
	"tuition/internal/queue"
	"tuition/internal/recordstore"
	"tuition/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

type backends struct {
	store  recordstore.Store
	bus    queue.Queue
	health map[string]handler.HealthCheck
	close  []func() error
}

func openBackends(ctx context.Context, cfg config.App, logger *slog.Logger) (*backends, error) {
	b := &backends{health: map[string]handler.HealthCheck{}}

	switch cfg.StoreBackend {
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
		db, err := store.NewDB(connectCtx, cfg.DatabaseURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("db connect: %w", err)
		}
		b.close = append(b.close, db.Close)
		pg := recordstore.NewPostgres(db.Client, cfg.StoreTimeout)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("db migrate: %w", err)
		}
		b.store = pg
		b.health["db"] = db.Healthy
	case "pocketbase":
		b.store = recordstore.NewPocketBase(cfg.PocketBaseURL, cfg.PocketBaseEmail, cfg.PocketBasePass, cfg.StoreTimeout)
		b.health["pocketbase"] = func(ctx context.Context) bool {
			_, err := b.store.List(ctx, identity.CollectionStudents, recordstore.ListOptions{PerPage: 1})
			return err == nil
		}
	default:
		logger.Warn("using in-memory record store; data is lost on restart")
		b.store = recordstore.NewMemory()
	}

	switch cfg.BusBackend {
	case "redis":
		rdb := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		b.close = append(b.close, rdb.Close)
		if !rdb.Healthy(ctx) {
			logger.Warn("redis not reachable; dashboards fall back to polling until it recovers", "addr", cfg.RedisAddr)
		}
		b.bus = queue.NewRedisQueue(rdb.Client, cfg.BusChannel)
		b.health["redis"] = rdb.Healthy
	default:
		b.bus = queue.NewInMemory(64)
	}
	return b, nil
}

func (b *backends) Close() {
	for i := len(b.close) - 1; i >= 0; i-- {
		_ = b.close[i]()
	}
}

func runHTTP(cfg config.App, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	loc, _ := cfg.Location()
	m := metrics.New(prometheus.DefaultRegisterer)

	svc := attendance.NewService(attendance.NewRepository(b.store), attendance.Options{
		Mode:        attendance.Mode(cfg.AttendanceMode),
		DedupWindow: cfg.DedupWindow,
		Location:    loc,
	}, logger)
	pipeline := attendance.NewPipeline(identity.NewResolver(b.store, logger), svc, b.bus, m, logger)

	hub := broadcast.NewHub(broadcast.HubOptions{Heartbeat: cfg.HeartbeatInterval, Metrics: m, Logger: logger})
	watcher := broadcast.NewWatcher(hub, broadcast.StoreSource{Store: b.store}, broadcast.WatcherOptions{
		Bus:    b.bus,
		Poll:   cfg.PollInterval,
		Logger: logger,
	})
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Error("change watcher stopped", "error", err)
		}
	}()

	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	h := handler.New(handler.Deps{
		Pipeline: pipeline,
		Service:  svc,
		Store:    b.store,
		Signer: auth.Signer{
			Issuer:     cfg.JWTIssuer,
			Key:        cfg.JWTSigningKey,
			AccessTTL:  cfg.AccessTTL,
			RefreshTTL: cfg.RefreshTTL,
		},
		Hub:      hub,
		Watcher:  watcher,
		Location: loc,
		Health:   b.health,
		Limiter:  limiter.GinMiddleware(httpmiddleware.ByDevice),
		Logger:   logger,
	})

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}))

	// Security headers
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.Routes(r)

	// Graceful shutdown. WriteTimeout stays off because event streams are
	// long-lived; BaseContext lets shutdown end them.
	srv := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.HTTPPort, "store", cfg.StoreBackend, "bus", cfg.BusBackend, "mode", cfg.AttendanceMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down server")
	cancel()

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", "error", err)
	}

	logger.Info("server exited")
	return nil
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

// Package main is the OpenFleet control plane: the agent check-in and
// WebSocket session endpoints, the dashboard API, and the push pipeline.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openfleet/openfleet/internal/common/config"
	"github.com/openfleet/openfleet/internal/common/database"
	"github.com/openfleet/openfleet/internal/common/logger"
	"github.com/openfleet/openfleet/internal/events/bus"
	"github.com/openfleet/openfleet/internal/server/dispatch"
	"github.com/openfleet/openfleet/internal/server/handlers"
	"github.com/openfleet/openfleet/internal/server/push"
	"github.com/openfleet/openfleet/internal/server/registry"
	"github.com/openfleet/openfleet/internal/server/session"
	"github.com/openfleet/openfleet/internal/server/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting OpenFleet server...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open device store", zap.Error(err))
	}
	defer st.Close()

	eventBus, err := openBus(cfg.Bus, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	reg := registry.New(log)
	dispatcher := dispatch.New(st, eventBus, log)

	pump := push.NewPump(eventBus, reg, st, log)
	if err := pump.Start(); err != nil {
		log.Fatal("Failed to start push pump", zap.Error(err))
	}
	defer pump.Stop()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	session.NewHandler(cfg.Agent, st, reg, log).RegisterRoutes(router)
	handlers.NewAgentHandler(cfg.Server, cfg.Agent, st, log).RegisterRoutes(router)
	handlers.NewDashboardHandler(st, dispatcher, reg, eventBus, log).RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down OpenFleet server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("OpenFleet server stopped")
}

// openStore selects Postgres when DATABASE_URL is set, SQLite otherwise.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, error) {
	if cfg.Database.URL != "" {
		log.Info("Using PostgreSQL device store")
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		return store.NewPostgresStore(ctx, db)
	}
	log.Info("Using SQLite device store", zap.String("path", cfg.Database.Path))
	return store.NewSQLiteStore(cfg.Database.Path)
}

// openBus selects NATS, then Redis, then the in-process bus.
func openBus(cfg config.BusConfig, log *logger.Logger) (bus.EventBus, error) {
	switch {
	case cfg.NATSURL != "":
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATSURL))
		return bus.NewNATSEventBus(cfg, log)
	case cfg.RedisURL != "":
		log.Info("Connecting to Redis...")
		return bus.NewRedisEventBus(cfg, log)
	default:
		log.Info("Using in-memory event bus")
		return bus.NewMemoryEventBus(log), nil
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Agent-Token")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

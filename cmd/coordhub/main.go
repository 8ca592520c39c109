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
	"go.uber.org/zap"

	"github.com/coordhub/coordhub/internal/api"
	"github.com/coordhub/coordhub/internal/common/config"
	"github.com/coordhub/coordhub/internal/common/logger"
	"github.com/coordhub/coordhub/internal/conflict"
	"github.com/coordhub/coordhub/internal/coordinator"
	"github.com/coordhub/coordhub/internal/events/bus"
	"github.com/coordhub/coordhub/internal/gateway/sse"
	"github.com/coordhub/coordhub/internal/gateway/websocket"
	"github.com/coordhub/coordhub/internal/hub"
	"github.com/coordhub/coordhub/internal/registry"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting coordination hub...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Event hub: history ring plus observer fan-out
	eventHub := hub.New(eventBus,
		cfg.Coordination.EventHistorySize,
		cfg.Coordination.ObserverBufferSize,
		log)
	defer eventHub.Close()

	// 6. Coordination services
	reg := registry.NewRegistry(eventHub, log)
	coord := coordinator.NewCoordinator(reg, eventHub, log)
	detector := conflict.NewDetector(reg, coord, eventHub, log)

	reg.StartSweeper(ctx,
		cfg.Coordination.SweepIntervalDuration(),
		cfg.Coordination.StaleAfterDuration())

	// 7. Gateways
	gateway := websocket.NewGateway(reg, coord, detector, eventHub, log)
	go gateway.Run(ctx)

	wsHandler := websocket.NewHandler(gateway, log)
	sseHandler := sse.NewHandler(eventHub, log)

	// 8. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(&api.Services{
		Registry:    reg,
		Coordinator: coord,
		Detector:    detector,
		Hub:         eventHub,
		WSHandler:   wsHandler,
		SSEHandler:  sseHandler,
	}, log)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// No WriteTimeout: the SSE stream and WebSocket upgrades are
		// long-lived responses.
	}

	// 9. Start server in goroutine
	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down coordination hub...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Coordination hub stopped")
}

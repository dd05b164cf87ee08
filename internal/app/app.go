package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/atomic"

	"github.com/dynamic-entropy/xrdtpc/internal/config"
	"github.com/dynamic-entropy/xrdtpc/internal/handler/http/health"
	httpiface "github.com/dynamic-entropy/xrdtpc/internal/handler/http/interface"
	tpchttp "github.com/dynamic-entropy/xrdtpc/internal/handler/http/tpc"
	"github.com/dynamic-entropy/xrdtpc/internal/metrics"
	"github.com/dynamic-entropy/xrdtpc/internal/tpc"
	"github.com/dynamic-entropy/xrdtpc/internal/transfer"
	"github.com/dynamic-entropy/xrdtpc/pkg/logger"
)

// App represents the application with its lifecycle management.
type App struct {
	config       *config.Config
	echo         *echo.Echo
	readiness    *atomic.Bool
	httpHandlers []httpiface.HttpRouter
	manager      *tpc.Manager
	cancel       context.CancelFunc
}

// NewApp creates a new App instance with the given configuration.
// Follows constructor injection pattern - all dependencies passed via parameters.
func NewApp(cfg *config.Config) *App {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	app := &App{
		config:    cfg,
		echo:      e,
		readiness: atomic.NewBool(false),
	}

	return app
}

// injectDependency initializes the request manager and all HTTP handlers.
// This centralizes handler initialization and makes it easy to add new handlers.
func (a *App) injectDependency() {
	a.manager = tpc.NewManager(transfer.NewHTTPEngine(), tpc.Config{
		IdleTimeout:      a.config.WorkerIdleTimeout(),
		MaxPendingOps:    a.config.MaxPendingOpsPerLabel,
		MaxWorkers:       a.config.MaxWorkersPerLabel,
		MaxGlobalThreads: a.config.MaxGlobalWorkers,
	})
	logger.Info("Using TPC request manager (max_pending_ops=%d, max_workers=%d, max_global_workers=%d)",
		a.config.MaxPendingOpsPerLabel, a.config.MaxWorkersPerLabel, a.config.MaxGlobalWorkers)

	a.httpHandlers = []httpiface.HttpRouter{
		health.NewHealthHandler(a.readiness),
		tpchttp.NewTPCHandler(a.manager, transfer.NewHTTPEngine()),
	}
}

// preProcess is called before server starts.
// Use this hook for initialization tasks that need to happen before accepting traffic.
func (a *App) preProcess() {
	logger.Info("Preparing to start server...")
}

// postProcess is called after shutdown signal is received.
// Use this hook for cleanup tasks before graceful shutdown begins.
func (a *App) postProcess() {
	logger.Info("Shutting down gracefully...")
}

// Run starts the Echo server and handles graceful shutdown.
// This implements the full lifecycle: startup -> run -> graceful shutdown.
func (a *App) Run() error {
	// Create context for application lifecycle management
	_, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	// Initialize all dependencies
	a.injectDependency()
	a.preProcess()

	// Start Echo server in goroutine
	go func() {
		e := a.echo
		addr := fmt.Sprintf(":%d", a.config.ServerPort)

		// 1. CORS middleware - must run first to handle preflight before auth/validation
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     a.config.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders:     []string{"Content-Type", "Authorization", "Accept", "Origin", "User-Agent", "X-Requested-With"},
			AllowCredentials: true,
		}))

		// 2. Body size limit middleware
		// Protects against memory exhaustion from large payloads
		limit := fmt.Sprintf("%dM", a.config.MaxRequestSizeMB)
		e.Use(middleware.BodyLimit(limit))

		// 3. Logging
		e.Use(middleware.Logger())

		// 4. Panic recovery
		e.Use(middleware.Recover())

		// 5. Readiness check middleware
		// This middleware rejects requests when readiness=false, except for health endpoints
		e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				if !a.readiness.Load() {
					p := c.Request().URL.Path
					if p != "/healthz" && p != "/readyz" && p != "/metrics" {
						logger.Info("readiness=false: reject new request path=%s", p)
						return c.NoContent(http.StatusServiceUnavailable)
					}
				}
				return next(c)
			}
		})

		// 6. Prometheus metrics middleware
		// This automatically tracks HTTP requests and exposes /metrics endpoint
		e.Use(echoprometheus.NewMiddleware("xrdtpc"))
		e.GET("/metrics", echoprometheus.NewHandler())

		// 7. Update global worker-count metric on each request
		e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				metrics.TPCActiveWorkers.Set(float64(a.manager.GetGlobalThreadCount()))
				return next(c)
			}
		})

		// 8. Setup all handler routes
		for _, handler := range a.httpHandlers {
			handler.SetupRoutes(e)
		}

		logger.Info("Starting TPC request manager server on %s", addr)

		// Mark readiness true just before starting to accept connections
		a.readiness.Store(true)

		// Start server
		// http.ErrServerClosed is expected during graceful shutdown, not an actual error
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal (SIGINT or SIGTERM)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	logger.Info("Server ready. Waiting for interrupt signal...")
	<-quit

	// Post-process hook
	a.postProcess()

	// Begin graceful shutdown sequence
	// Step 1: Mark as not ready (load balancers will stop routing traffic)
	a.readiness.Store(false)
	drainDuration := time.Duration(a.config.ShutdownDrainSeconds) * time.Second
	logger.Info("readiness=false: start drain window duration=%v", drainDuration)

	// Step 2: Drain period - allow load balancers to detect unhealthy state
	time.Sleep(drainDuration)

	// Step 3: Stop the request manager (cancel outstanding transfers, join workers)
	logger.Info("Shutting down TPC request manager...")
	shutdownTimeout := time.Duration(a.config.ShutdownTimeoutSeconds) * time.Second
	managerCtx, managerCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer managerCancel()
	if err := a.manager.Shutdown(managerCtx); err != nil {
		logger.Warn("Request manager shutdown did not complete cleanly: %v", err)
	}

	// Step 4: Shutdown Echo server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Info("Shutting down Echo server...")
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error: %v", err)
		a.cancel()
		return err
	}

	// Step 5: Cancel application context (signals cleanup to other goroutines)
	a.cancel()

	logger.Info("Server stopped gracefully")
	return nil
}

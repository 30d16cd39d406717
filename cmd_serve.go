package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AnTengye/pagelens/backend/config"
	"github.com/AnTengye/pagelens/backend/handler"
	"github.com/AnTengye/pagelens/backend/middleware"
	"github.com/AnTengye/pagelens/backend/service"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// newLedger builds the ledger service from the configured backend and lock driver
func newLedger(ctx context.Context, cfg *config.Config) (*service.LedgerService, error) {
	backend, err := service.NewLedgerBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger backend: %w", err)
	}
	if mb, ok := backend.(*service.MinioBackend); ok {
		if err := mb.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure MINIO bucket: %w", err)
		}
	}

	locker, err := service.NewLocker(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger lock: %w", err)
	}

	slog.Info("ledger ready", "backend", backend.Name(), "lock", cfg.Ledger.Lock.Driver)
	return service.NewLedgerService(backend, locker, &cfg.Ledger), nil
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, err := newLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	jobs := service.NewJobStore(service.JobPolicyFromConfig(&cfg.Jobs))
	jobs.Start(ctx)
	cache := service.NewAnalysisCache(service.CachePolicyFromConfig(&cfg.Cache))
	cache.Start(ctx)

	if cfg.Provider.APIKey == "" {
		slog.Warn("provider API key is not set; analyses will fail")
	}
	provider := service.NewGeminiProvider(&cfg.Provider)
	pipeline := service.NewPipeline(jobs, cache, ledger, provider, service.PipelineOptionsFromConfig(cfg))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(cfg, pipeline, ledger),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		slog.Error("in-flight jobs abandoned", "error", err)
	}

	slog.Info("server exited gracefully")
	return nil
}

func newRouter(cfg *config.Config, pipeline *service.Pipeline, ledger *service.LedgerService) *gin.Engine {
	analysisHandler := handler.NewAnalysisHandler(pipeline, ledger)
	accountHandler := handler.NewAccountHandler(ledger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New() // Use New() instead of Default() to avoid default middleware

	router.Use(middleware.RequestID())     // Request ID for tracing
	router.Use(middleware.Recovery())      // Panic recovery
	router.Use(middleware.RequestLogger()) // Access logging
	router.Use(corsMiddleware())           // CORS
	router.Use(cacheMiddleware())          // Cache control

	router.GET("/health", analysisHandler.Health)

	// Protected routes, limited per owner
	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(&cfg.Auth))
	api.Use(middleware.RateLimit(cfg.Server.RateLimit, time.Minute))
	{
		api.POST("/analyze", analysisHandler.Analyze)
		api.GET("/jobs/:id", analysisHandler.GetJob)
		api.GET("/reports/:hash", analysisHandler.GetReport)
		api.GET("/languages", analysisHandler.Languages)
		api.GET("/account", accountHandler.Get)
	}

	return router
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// cacheMiddleware keeps job and account responses out of shared caches.
// Cached reports may be reused briefly by the client.
func cacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		if strings.HasPrefix(path, "/api/reports/") {
			c.Header("Cache-Control", "private, max-age=300")
			c.Next()
			return
		}

		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Header("Pragma", "no-cache")
		c.Header("Expires", "0")
		c.Next()
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PuyokRfly/Audit-Playground/config"
	"github.com/PuyokRfly/Audit-Playground/handler"
	"github.com/PuyokRfly/Audit-Playground/middleware"
	"github.com/PuyokRfly/Audit-Playground/pkg/logger"
	"github.com/PuyokRfly/Audit-Playground/pkg/metrics"
	"github.com/PuyokRfly/Audit-Playground/service"
)

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded successfully", "store", cfg.Store.Driver)

	metrics.Register()

	ctx := context.Background()

	store, closeStore, err := openStore(ctx, &cfg.Store)
	if err != nil {
		slog.Error("failed to initialize submission store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	minioSvc, err := service.NewMinioService(&cfg.Minio)
	if err != nil {
		slog.Error("failed to initialize MINIO service", "error", err)
		os.Exit(1)
	}
	if err := minioSvc.EnsureBucket(ctx); err != nil {
		slog.Error("failed to ensure MINIO bucket", "error", err)
		os.Exit(1)
	}

	prompt, err := service.LoadPromptTemplate(cfg.Scoring.PromptTemplate)
	if err != nil {
		slog.Error("failed to load prompt template", "path", cfg.Scoring.PromptTemplate, "error", err)
		os.Exit(1)
	}
	slog.Info("prompt template loaded", "source", prompt.Source())

	var workflow service.WorkflowNotifier
	if cfg.Workflow.TriggerURL != "" {
		workflow = service.NewWorkflowClient(&cfg.Workflow)
		slog.Info("workflow trigger enabled", "url", cfg.Workflow.TriggerURL)
	}

	orchestrator := service.NewOrchestrator(
		store,
		minioSvc,
		service.NewToolRunner(&cfg.Analyzer),
		service.NewScoreClient(&cfg.Scoring, prompt),
		workflow,
		&cfg.Scoring,
		cfg.Store.ClaimTTL,
	)

	// Runs interrupted by a previous shutdown or crash would otherwise stay
	// processing until someone re-analyzes them.
	if _, err := orchestrator.FailAbandoned(ctx); err != nil {
		slog.Error("failed to sweep abandoned analyses", "error", err)
		os.Exit(1)
	}

	authHandler := handler.NewAuthHandler(cfg)
	submissionHandler := handler.NewSubmissionHandler(orchestrator, &cfg.Upload)
	paymentHandler := handler.NewPaymentHandler(orchestrator, service.NewStripeGate(&cfg.Payment))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Metrics())
	router.Use(corsMiddleware())
	router.Use(cacheMiddleware())
	router.Use(middleware.RateLimit(cfg.RateLimit.Requests, cfg.RateLimit.Window))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public routes
	api := router.Group("/api")
	{
		api.POST("/auth/login", authHandler.Login)
		api.POST("/payments/webhook", paymentHandler.Webhook)
	}

	// Workflow callbacks
	internal := api.Group("/internal")
	internal.Use(middleware.WorkflowToken(cfg.Workflow.Token))
	{
		internal.POST("/submissions/:id/analyze", submissionHandler.InternalAnalyze)
	}

	// Protected routes
	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(&cfg.Auth))
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)
		protected.POST("/submissions", submissionHandler.Upload)
		protected.GET("/submissions", submissionHandler.List)
		protected.GET("/submissions/:id", submissionHandler.Get)
		protected.GET("/submissions/:id/status", submissionHandler.GetStatus)
		protected.POST("/submissions/:id/analyze", submissionHandler.Analyze)
		protected.POST("/submissions/:id/rescore", submissionHandler.Rescore)
		protected.POST("/payments/checkout", paymentHandler.Checkout)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: analysisWriteTimeout(cfg),
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	// Background analyses must finish their status writes before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), analysisWriteTimeout(cfg))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := orchestrator.Wait(shutdownCtx); err != nil {
		slog.Warn("background analyses still running at exit", "error", err)
	}

	slog.Info("server exited gracefully")
}

// configPath returns CONFIG_PATH, or config.yaml when present. An empty
// result means environment-only configuration.
func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

// openStore builds the submission store for the configured driver and
// returns a matching close function.
func openStore(ctx context.Context, cfg *config.StoreConfig) (service.SubmissionStore, func(), error) {
	switch cfg.Driver {
	case "postgres":
		store, err := service.NewPostgresStore(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil
	case "mysql":
		store, err := service.NewMySQLStore(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return service.NewMemoryStore(cfg.MaxSubmissions), func() {}, nil
	}
}

// analysisWriteTimeout leaves room for a synchronous analyze call and for
// background analyses to drain at shutdown.
func analysisWriteTimeout(cfg *config.Config) time.Duration {
	return cfg.AnalysisBudget() + 30*time.Second
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Authorization, Accept, Origin, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// cacheMiddleware disables caching for API responses; results change as
// analysis and payment progress.
func cacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
			c.Header("Pragma", "no-cache")
			c.Header("Expires", "0")
		}
		c.Next()
	}
}

package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/GoPolymarket/polyaudit/internal/app"
	"github.com/GoPolymarket/polyaudit/internal/config"
	"github.com/GoPolymarket/polyaudit/internal/handler"
	"github.com/GoPolymarket/polyaudit/internal/middleware"
	"github.com/GoPolymarket/polyaudit/internal/pkg/logger"
	"github.com/GoPolymarket/polyaudit/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.InitWithFormat(cfg.Log.Level, cfg.Log.Format)
	gin.SetMode(cfg.Server.Mode)

	// 2. Initialize Persistence
	ctx := context.Background()
	stores, err := app.BuildStores(ctx, cfg, logger.Get())
	if err != nil {
		log.Fatalf("Failed to initialize audit backends: %v", err)
	}

	dispatcher, err := app.BuildDispatcher(cfg, stores.Store, logger.Get())
	if err != nil {
		log.Fatalf("Failed to initialize audit dispatcher: %v", err)
	}
	auditSvc := service.NewAuditService(dispatcher, stores.Lister, cfg.Audit.MemoryCapacity, logger.Get())
	logger.Info("audit pipeline ready", "mode", auditSvc.Mode(), "store", stores.Store.Name())

	audit, err := app.AuditMiddleware(cfg.Audit, auditSvc, middleware.AuditOptions{Logger: logger.Get()})
	if err != nil {
		log.Fatalf("Failed to initialize audit middleware: %v", err)
	}

	// 3. Setup Router
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(audit)
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "polyaudit", "audit": auditSvc.Mode()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := r.Group("/admin")
	admin.Use(middleware.AdminMiddleware(cfg))
	admin.GET("/audit-logs", handler.NewAuditHandler(auditSvc).List)

	r.Any("/api/echo", echo)

	// 4. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("polyaudit started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// in-flight records drain before the backends go away
	if err := auditSvc.Close(shutdownCtx); err != nil {
		logger.Error("audit queue did not drain", "error", err)
	}
	stores.Close(shutdownCtx)

	logger.Info("server exiting")
}

// echo returns the request body and tags the audit record with the caller's
// X-User-ID header.
func echo(c *gin.Context) {
	if uid := c.GetHeader("X-User-ID"); uid != "" {
		c.Set(middleware.ContextAuditUserID, uid)
	}
	middleware.AddAuditContext(c, "handler", "echo")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		_ = c.Error(err)
		return
	}
	ct := c.ContentType()
	if ct == "" {
		ct = "text/plain"
	}
	c.Data(http.StatusOK, ct, body)
}

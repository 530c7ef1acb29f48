package main

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"roulette/internal/config"
	"roulette/internal/handlers"
	"roulette/internal/services"
	"roulette/internal/twitter"
)

//go:embed all:templates
var templateFS embed.FS

//go:embed all:assets
var assetsFS embed.FS

func main() {
	// 1. Load configuration from flags, environment and .env
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		logger.Fatalf("Failed to parse configuration: %v", err)
	}
	defer logger.Init("roulette", cfg.Verbose, false, io.Discard).Close()
	gin.SetMode(cfg.GinMode)

	// 2. Initialize the retweeter collector and the roulette service
	collector := twitter.NewClient(twitter.Options{
		BaseURL:           cfg.APIBaseURL,
		Timeout:           cfg.RequestTimeout,
		MaxPages:          cfg.MaxPages,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.RequestBurst,
	})
	rouletteService := services.NewRouletteService(collector, services.NewRandomizer(), cfg.AllowRepeatWinners)

	// 3. Load HTML templates from the embedded filesystem.
	templates, err := template.New("").Funcs(handlers.TemplateFuncs()).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		logger.Fatalf("Failed to parse templates: %v", err)
	}

	// 4. Initialize the HTTP Handler
	httpHandler := handlers.NewHTTPHandler(rouletteService, templates)

	// 5. Set up the Gin router
	r := gin.Default()

	// 6. Serve static files from the embedded filesystem.
	assetsSubFS, err := fs.Sub(assetsFS, "assets")
	if err != nil {
		logger.Fatalf("Failed to create assets sub-filesystem: %v", err)
	}
	r.StaticFS("/assets", http.FS(assetsSubFS))

	// 7. Register public routes (before middleware)
	httpHandler.RegisterPublicRoutes(r)

	// 8. Group routes that require a session and apply middleware
	tenantRoutes := r.Group("/")
	tenantRoutes.Use(httpHandler.TenantMiddleware())
	httpHandler.RegisterTenantRoutes(tenantRoutes)

	// 9. Start the background janitor to clean up inactive sessions
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()

		for range ticker.C {
			count := rouletteService.CleanUpInactiveSessions(cfg.SessionIdleTimeout)
			logger.Infof("Cleaned up %d inactive sessions, %d remaining", count, rouletteService.SessionCount())
		}
	}()

	// 10. Run the server until interrupted
	server := &http.Server{Addr: cfg.Addr(), Handler: r}

	ctrlc := make(chan os.Signal, 1)
	signal.Notify(ctrlc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctrlc
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Errorf("Server shutdown: %v", err)
		}
	}()

	logger.Infof("Server starting on http://localhost%s", cfg.Addr())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("Failed to run server: %v", err)
	}
	logger.Info("Server stopped")
}

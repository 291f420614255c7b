package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentease/cdp-relay/api/handlers"
	"github.com/agentease/cdp-relay/internal/db"
	"github.com/agentease/cdp-relay/internal/logger"
	"github.com/agentease/cdp-relay/internal/repository"
	"github.com/agentease/cdp-relay/internal/session"
	"github.com/agentease/cdp-relay/internal/ws"
)

// config holds the server settings, seeded from the environment.
type config struct {
	port        string
	upstreamURL string
	dbPath      string
	cdpPath     string
	logLevel    string
	logFormat   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := config{}

	cmd := &cobra.Command{
		Use:          "cdp-relay",
		Short:        "Relay Chrome DevTools Protocol traffic to a frame-limited browser service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.port, "port", getEnv("PORT", "8080"), "port to listen on (PORT)")
	flags.StringVar(&cfg.upstreamURL, "upstream", getEnv("UPSTREAM_URL", "http://localhost:9222"), "upstream browser service base URL (UPSTREAM_URL)")
	flags.StringVar(&cfg.dbPath, "db", getEnv("DB_PATH", "data/bridges.db"), "bridge journal database path (DB_PATH)")
	flags.StringVar(&cfg.cdpPath, "cdp-path", getEnv("CDP_PATH", "/cdp"), "path of the devtools endpoint (CDP_PATH)")
	flags.StringVar(&cfg.logLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level (LOG_LEVEL)")
	flags.StringVar(&cfg.logFormat, "log-format", getEnv("LOG_FORMAT", logger.FormatText), "log format, text or json (LOG_FORMAT)")

	return cmd
}

func run(cfg config) error {
	log, err := logger.New(cfg.logLevel, cfg.logFormat)
	if err != nil {
		return err
	}

	// Ensure data directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	// Initialize database
	database, err := db.InitDB(cfg.dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.CloseDB()

	bridgeRepo := repository.NewBridgeRepository(database)
	if n, err := bridgeRepo.MarkAbandoned(context.Background()); err != nil {
		log.WithError(err).Warn("failed to settle bridges from a previous run")
	} else if n > 0 {
		log.WithField("count", n).Info("marked bridges from a previous run as abandoned")
	}

	sessionManager, err := session.NewManager(session.Config{
		UpstreamURL: cfg.upstreamURL,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	wsService := ws.NewService(sessionManager, bridgeRepo, ws.ServiceConfig{Logger: log})

	cdpHandler, err := handlers.NewCDPHandler(wsService, cfg.upstreamURL, cfg.cdpPath, log)
	if err != nil {
		return err
	}
	bridgeHandler := handlers.NewBridgeHandler(bridgeRepo)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"bridges": wsService.ActiveCount(),
		})
	})

	api := r.Group("/api")
	{
		bridgeHandler.RegisterRoutes(api)
	}
	cdpHandler.RegisterRoutes(r)

	server := &http.Server{Addr: ":" + cfg.port, Handler: r}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":     server.Addr,
			"upstream": cfg.upstreamURL,
			"cdp_path": cfg.cdpPath,
		}).Info("starting server")
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked bridge sockets are invisible to Shutdown, so close them first.
	wsService.Close()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("server shutdown incomplete")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// requestLogger logs each non-upgrade request through logrus.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request")
	}
}

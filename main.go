package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/athapong/aio-risk/pkg/app"
	"github.com/athapong/aio-risk/pkg/config"
	"github.com/athapong/aio-risk/pkg/logger"
	"github.com/athapong/aio-risk/pkg/risk/metrics"
	"github.com/athapong/aio-risk/prompts"
	"github.com/athapong/aio-risk/tools"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	envFile := flag.String("env", ".env", "Path to environment file")
	configFile := flag.String("config", "", "Path to YAML config file")
	enableSSE := flag.Bool("sse", false, "Enable SSE server")
	sseAddr := flag.String("sse-addr", ":8080", "Address for SSE server to listen on")
	sseBasePath := flag.String("sse-base-path", "/mcp", "Base path for SSE endpoints")
	flag.Parse()

	envErr := godotenv.Load(*envFile)

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	if envErr != nil {
		log.WithError(envErr).WithField("file", *envFile).Debug("No env file loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to start risk pipeline")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			log.WithError(err).Error("Shutdown incomplete")
		}
	}()

	resumed, err := a.Coordinator.Resume(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to resume open jobs")
	} else if len(resumed) > 0 {
		log.WithField("jobs", resumed).Info("Resumed open jobs")
	}

	if cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, log, cfg.Metrics)
	}

	mcpServer := server.NewMCPServer(
		"aio-risk",
		"1.0.0",
		server.WithLogging(),
		server.WithPromptCapabilities(true),
	)
	tools.RegisterRiskTools(mcpServer, a.Coordinator)
	prompts.RegisterRiskPrompts(mcpServer)

	if *enableSSE || os.Getenv("ENABLE_SSE") == "true" {
		sseServer := server.NewSSEServer(
			mcpServer,
			server.WithBasePath(*sseBasePath),
			server.WithKeepAlive(true),
		)

		go func() {
			log.WithFields(logrus.Fields{"addr": *sseAddr, "base_path": *sseBasePath}).Info("Starting SSE server")
			if err := sseServer.Start(*sseAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("SSE server stopped")
				stop()
			}
		}()

		<-ctx.Done()
		log.Info("Shutting down SSE server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sseServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Error during SSE server shutdown")
		}
		return
	}

	if err := server.ServeStdio(mcpServer); err != nil {
		log.WithError(err).Error("Stdio server error")
	}
}

func serveMetrics(ctx context.Context, log *logrus.Logger, cfg config.MetricsConfig) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			metrics.UpdateSystemMetrics()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log.WithFields(logrus.Fields{"addr": cfg.Addr, "path": cfg.Path}).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("Metrics server stopped")
	}
}

// Command router serves a multi-provider model router over HTTP.
//
// It reads configuration from environment variables, an optional .env file
// or config.yaml, builds the provider pool in PROVIDER_ORDER and routes
// embedding and completion requests with the configured strategy.
//
// Quick-start against a local Ollama:
//
//	OLLAMA_BASE_URL=http://localhost:11434 ./router
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nulpointcorp/llm-router/internal/app"
	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/logger"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(log)

	a, err := app.New(ctx, cfg, log, version)
	if err != nil {
		log.Error("startup_failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		log.Error("router_stopped", zap.Error(err))
		a.Close()
		os.Exit(1)
	}
}

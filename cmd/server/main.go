// Package main is the entry point for the email open tracking server.
//
// MAIN PACKAGE IN GO:
// Every Go program starts execution in the main() function of the "main" package.
// The main package is kept minimal. Its job is to:
// 1. Read configuration (config file, .env, environment variables)
// 2. Create dependencies (logger, record store)
// 3. Start the application
//
// All actual logic lives in imported packages (internal/server, internal/service, etc.).
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/sakif/opentrack/internal/config"
	"github.com/sakif/opentrack/internal/server"
)

func main() {
	// === 1. READ CONFIGURATION ===
	// LoadFromEnv reads .env (if present), the YAML file named by CONFIG_PATH
	// (if any), then environment overrides. The result is validated so a typo
	// in STORE_DRIVER fails here, not on the first request.
	cfg, err := config.LoadFromEnv("")
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 2. SET UP LOGGING ===
	// LOG_FORMAT=json for log shippers, text (the default) for terminals.
	// LOG_LEVEL=debug also logs every pixel fetch.
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		slog.Error("invalid log level", slog.String("error", err.Error()))
		os.Exit(1)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// === 3. OPEN THE RECORD STORE ===
	// The server refuses to start without its store: every pixel fetch needs it.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := server.OpenStore(ctx, cfg.Store)
	cancel()
	if err != nil {
		logger.Error("failed to open record store",
			slog.String("driver", cfg.Store.Driver),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// === 4. CREATE AND START THE SERVER ===
	srv := server.New(server.Config{
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		RecordTimeout:   cfg.Recorder.Timeout,
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		StoreDriver:     cfg.Store.Driver,
	}, store, logger)

	// Start() blocks until the server is shut down (via Ctrl+C or SIGTERM)
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

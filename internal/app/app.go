// Package app assembles and runs the whole engine: manifest loading, span
// discovery, graph construction, and graph execution.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/stitchgrid/internal/config"
	"github.com/vk/stitchgrid/internal/ctxlog"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	manifest *config.Manifest
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with its own isolated logger and a loaded,
// validated manifest.
func NewApp(outW io.Writer, appConfig *Config) *App {
	logger := newLogger(appConfig, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	manifest, err := config.Load(appConfig.ManifestPath)
	if err != nil {
		// A failure to load config is a fatal startup error.
		panic(fmt.Errorf("failed to load manifest: %w", err))
	}
	ctxlog.FromContext(ctx).Debug("Manifest loaded and validated.", "path", appConfig.ManifestPath, "sinks", len(manifest.Sinks))

	return &App{
		outW:     outW,
		logger:   logger,
		manifest: manifest,
	}
}

// Manifest returns the loaded run manifest. This is primarily for testing.
func (a *App) Manifest() *config.Manifest {
	return a.manifest
}

// Command server runs the workspace execution service: project
// workspaces, dev server processes, terminal sessions and the realtime
// gateway behind one HTTP listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hyper-ai-inc/devspace/internal/config"
	"github.com/hyper-ai-inc/devspace/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

// loadConfig layers command-line flags over the file and environment.
func loadConfig(args []string) (config.Config, error) {
	flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", os.Getenv("DEVSPACE_CONFIG"), "path to YAML config file")
	addr := flags.String("addr", "", "HTTP listen address")
	workspaceBase := flags.String("workspace-base", "", "directory holding project workspaces")
	database := flags.String("database", "", "SQLite database path")
	logLevel := flags.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flags.String("log-format", "", "log format (text, json)")
	portStart := flags.Int("port-range-start", 0, "first dev server port")
	portEnd := flags.Int("port-range-end", 0, "last dev server port")
	if err := flags.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return config.Config{}, err
	}
	if flags.Changed("addr") {
		cfg.Addr = *addr
	}
	if flags.Changed("workspace-base") {
		cfg.WorkspaceBase = *workspaceBase
	}
	if flags.Changed("database") {
		cfg.DatabasePath = *database
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = *logFormat
	}
	if flags.Changed("port-range-start") {
		cfg.Ports.RangeStart = *portStart
	}
	if flags.Changed("port-range-end") {
		cfg.Ports.RangeEnd = *portEnd
	}
	return cfg, cfg.Validate()
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	server, err := NewServer(cfg, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Addr).Info("starting server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case sig := <-shutdown:
		logger.WithField("signal", sig.String()).Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			server.Close(context.Background())
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Websockets are hijacked and event streams never end on their own,
	// so close both before http.Server.Shutdown waits on active requests.
	server.BeginShutdown(ctx)
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown error")
	}
	server.Close(ctx)

	logger.Info("server stopped")
	return nil
}

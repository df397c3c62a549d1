package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opencog/cogserver-net/internal/config"
	"github.com/opencog/cogserver-net/internal/journal"
	"github.com/opencog/cogserver-net/internal/logger"
	"github.com/opencog/cogserver-net/internal/metrics"
	"github.com/opencog/cogserver-net/internal/server"
	"github.com/opencog/cogserver-net/internal/shell"
)

func main() {
	serverConfigFile := flag.String("config", "data/server.yaml", "Path to server config YAML file")
	loggingConfig := flag.String("logging", "data/logging.yaml", "Path to logging config YAML file")
	envFile := flag.String("env", ".env", "Path to an optional .env file")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("Failed to load %s: %v", *envFile, err)
	}

	// Initialize logger first (before any logging)
	logConfig, err := logger.LoadConfig(*loggingConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load logging config, using defaults: %v\n", err)
	}
	if err := logger.Initialize(logConfig); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	cfg, err := config.LoadConfig(*serverConfigFile)
	if err != nil {
		logger.Error("Invalid server configuration", "path", *serverConfigFile, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("CogServer terminated with error", "error", err)
		os.Exit(1)
	}
	logger.Always("CogServer stopped")
}

func run(ctx context.Context, cfg *config.ServerConfig) error {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New("cogserver")
	}

	j, err := journal.Open(ctx, cfg.Journal, m)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	if len(cfg.WebSocket.AllowedOrigins) == 0 {
		logger.Info("WebSocket CORS policy", "mode", "same-origin")
	} else if len(cfg.WebSocket.AllowedOrigins) == 1 && cfg.WebSocket.AllowedOrigins[0] == "*" {
		logger.Warning("WebSocket CORS allows all origins (not recommended for production)")
	} else {
		logger.Info("WebSocket CORS policy", "allowed_origins", cfg.WebSocket.AllowedOrigins)
	}

	// Both listeners share one registry so stats lists every session.
	registry := server.NewRegistry()
	srv := server.New(cfg, shell.New(ctx, cfg, j), server.WithRegistry(registry), server.WithMetrics(m))

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Telnet.Enabled {
		g.Go(func() error {
			return srv.ListenAndServe(ctx, cfg.Telnet.Address, server.ModeLine)
		})
	}
	if cfg.WebSocket.Enabled {
		g.Go(func() error {
			return srv.ListenAndServe(ctx, cfg.WebSocket.Address, server.ModeHandshake)
		})
	}
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics, m)
		})
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	g.Go(func() error {
		disconnectOn(ctx, hup, srv)
		return nil
	})

	logger.Always("CogServer running",
		"telnet", listenerAddr(cfg.Telnet.Enabled, cfg.Telnet.Address),
		"websocket", listenerAddr(cfg.WebSocket.Enabled, cfg.WebSocket.Address),
		"journal", j.Names())
	logger.Info("Press Ctrl+C to shutdown")

	err = g.Wait()
	logger.Info("Shutting down server", "open_connections", registry.Len())
	return err
}

// disconnectOn closes every session each time a signal arrives on sig,
// until ctx is done. The listeners keep running.
func disconnectOn(ctx context.Context, sig <-chan os.Signal, srv *server.Server) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-sig:
			logger.Always("Disconnecting all sessions", "signal", s.String(), "sessions", srv.Registry().Len())
			srv.CloseAll()
		}
	}
}

func listenerAddr(enabled bool, addr string) string {
	if !enabled {
		return "disabled"
	}
	return addr
}

// serveMetrics runs the Prometheus endpoint until ctx is cancelled.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, m *metrics.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.Handler())

	srv := &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting metrics server", "address", cfg.Address, "path", cfg.Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

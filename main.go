package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wfunc/roomserver/broadcast"
	"github.com/wfunc/roomserver/config"
	"github.com/wfunc/roomserver/logger"
	"github.com/wfunc/roomserver/monitor"
	"github.com/wfunc/roomserver/persistence"
	"github.com/wfunc/roomserver/registry"
	"github.com/wfunc/roomserver/server"
	"github.com/wfunc/roomserver/services"
	"github.com/wfunc/roomserver/tictactoe"
)

func main() {
	// .env is optional; ROOMSERVER_* variables override config.yaml
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize Database
	var store persistence.Store
	if cfg.Database.Enabled {
		store, err = persistence.Open(cfg.Database)
		if err != nil {
			logger.Log.Fatalf("Failed to connect to database: %v", err)
		}
		logger.Log.Info("Database connection successful.")
	} else {
		logger.Log.Info("Database disabled, finished matches are not archived.")
	}
	matches := services.NewMatchService(store)

	mon := monitor.NewMonitor(cfg.Server.MetricsNamespace)
	reg := registry.New(broadcast.NewHub(), registry.Options{
		EvictAfter:      cfg.Registry.EvictAfter,
		TimerResolution: cfg.Registry.TimerResolution,
		ReassignHost:    cfg.Room.ReassignHost,
		Recorder:        matches,
		Monitor:         mon,
	})

	factory, err := tictactoe.NewFactory(tictactoe.FromGameConfig(cfg.Games[tictactoe.Slug]))
	if err != nil {
		logger.Log.Fatalf("Invalid %s configuration: %v", tictactoe.Slug, err)
	}
	if err := reg.Register(tictactoe.Slug, factory); err != nil {
		logger.Log.Fatalf("Failed to register %s: %v", tictactoe.Slug, err)
	}

	// Initialize Room Server
	roomServer, err := server.NewGameServer(cfg.Server, reg, mon, matches)
	if err != nil {
		logger.Log.Fatalf("Failed to create server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- roomServer.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			logger.Log.Errorf("Server stopped: %v", err)
		}
	case <-ctx.Done():
		logger.Log.Info("Shutdown signal received.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := roomServer.Shutdown(shutdownCtx); err != nil {
		logger.Log.Errorf("Graceful shutdown failed: %v", err)
	}
	if err := matches.Close(); err != nil {
		logger.Log.Errorf("Failed to close match archive: %v", err)
	}
}

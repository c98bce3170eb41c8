package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenFillCore/internal/auth"
	"github.com/KevinKickass/OpenFillCore/internal/config"
	"github.com/KevinKickass/OpenFillCore/internal/system"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	hashPIN := flag.String("hash-pin", "", "print the hash of a PIN for the auth section and exit")
	flag.Parse()

	if *hashPIN != "" {
		hash, err := auth.NewPINHasher().Hash(*hashPIN)
		if err != nil {
			log.Fatalf("Failed to hash PIN: %v", err)
		}
		fmt.Println(hash)
		return
	}

	// Logger initialisieren
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Config laden
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.String("path", *configPath), zap.Error(err))
	}

	logger.Info("Config loaded successfully",
		zap.String("path", *configPath),
		zap.Int("flavours", len(cfg.Flavours)))

	// Lifecycle Manager
	lifecycle, err := system.NewLifecycleManager(cfg, logger, system.Dependencies{})
	if err != nil {
		logger.Fatal("Failed to open field devices", zap.Error(err))
	}

	// System starten
	if err := lifecycle.Start(context.Background()); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		shutdown(logger, lifecycle, cfg)
		os.Exit(1)
	}

	logger.Info("OpenFillCore started successfully")

	// Graceful Shutdown auf Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-lifecycle.Done():
		logger.Error("A control loop failed, shutting down")
	}

	if err := shutdown(logger, lifecycle, cfg); err != nil {
		os.Exit(1)
	}

	logger.Info("OpenFillCore stopped successfully")
}

func shutdown(logger *zap.Logger, lifecycle *system.LifecycleManager, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

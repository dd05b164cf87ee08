package main

import (
	"github.com/dynamic-entropy/xrdtpc/internal/app"
	"github.com/dynamic-entropy/xrdtpc/internal/config"
	"github.com/dynamic-entropy/xrdtpc/pkg/logger"
)

func main() {
	// Load configuration from config.toml
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	// Create and run application
	application := app.NewApp(cfg)

	logger.Info("TPC request manager starting...")

	if err := application.Run(); err != nil {
		logger.Fatal("Server error: %v", err)
	}
}

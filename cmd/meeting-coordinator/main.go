package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mikey/llm-meeting-coordinator/internal/config"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"github.com/mikey/llm-meeting-coordinator/internal/di"
	"github.com/mikey/llm-meeting-coordinator/internal/metrics"
	"github.com/mikey/llm-meeting-coordinator/internal/ports"
	"go.uber.org/zap"
)

func main() {
	// Build the dependency injection container
	container, err := di.BuildContainer()
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main application function that gets all dependencies injected
func run(
	cfg *config.Config,
	logger *zap.Logger,
	receiver ports.MessageReceiver,
	metricsServer *metrics.Server,
	llmClient core.LLMClient,
	store core.StateStore,
) error {
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return err
	}

	if cfg.GetMetrics().Enabled {
		if err := metricsServer.Start(); err != nil {
			logger.Error("Failed to start metrics server", zap.Error(err))
			return err
		}
	}

	// Start the listener
	if err := receiver.Start(); err != nil {
		logger.Error("Failed to start receiver", zap.Error(err))
		return err
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Shutting down...")

	// Stop the listener first so no message is cut off mid-step
	if err := receiver.Stop(); err != nil {
		logger.Error("Failed to stop receiver", zap.Error(err))
	}
	if cfg.GetMetrics().Enabled {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}

	// Close any resources that need closing
	if closer, ok := llmClient.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close LLM client", zap.Error(err))
		}
	}
	if err := store.Close(); err != nil {
		logger.Error("Failed to close state store", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}

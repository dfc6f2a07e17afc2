// cmd/loadagent/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/cole20444/load-opt-agent/internal/blob"
	"github.com/cole20444/load-opt-agent/internal/config"
	"github.com/cole20444/load-opt-agent/internal/orchestrator"
	"github.com/cole20444/load-opt-agent/internal/provider"
	"github.com/cole20444/load-opt-agent/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the test plan configuration")
	target := flag.String("target", "", "override the target URL")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		return orchestrator.ExitInvalidPlan
	}
	if *target != "" {
		cfg.Target = *target
	}

	store, err := buildStore(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize blob store", zap.Error(err))
		return orchestrator.ExitInfra
	}

	prov, err := buildProvider(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize container provider", zap.Error(err))
		return orchestrator.ExitInfra
	}

	// First signal cancels the run; the orchestrator still tears down and
	// reports before exiting.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("cancellation requested, stopping run...")
		cancel()
	}()

	metrics := telemetry.NewMetrics()
	o := orchestrator.New(prov, store, logger, metrics, orchestrator.Options{})

	outcome, err := o.Run(ctx, cfg.PlanInput())
	if err != nil {
		logger.Error("run did not start", zap.Error(err))
		return orchestrator.ExitCodeForError(err)
	}

	logger.Info("run complete",
		zap.String("run_id", outcome.RunID),
		zap.String("status", string(outcome.Status)),
		zap.String("summary", outcome.SummaryLocation))
	if outcome.Report != nil {
		logger.Info("performance report",
			zap.String("grade", outcome.Report.Grade),
			zap.Int("score", outcome.Report.Score),
			zap.Int("findings", len(outcome.Report.Findings)))
	}
	if outcome.OrchestratorError != "" {
		logger.Warn("run finished with orchestrator error",
			zap.String("error", outcome.OrchestratorError))
	}
	return outcome.ExitCode()
}

func buildStore(cfg *config.Config, logger *zap.Logger) (blob.Store, error) {
	switch cfg.Storage.Mode {
	case "local":
		path := cfg.Storage.LocalPath
		if path == "" {
			path = "/tmp/loadagent-results"
		}
		if err := os.MkdirAll(path, 0750); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
		logger.Info("using local blob store", zap.String("path", path))
		return blob.NewLocalStore(path, logger), nil

	case "s3":
		s3cfg := cfg.Storage.S3
		if s3cfg.AccessKey == "" || s3cfg.SecretKey == "" {
			return nil, fmt.Errorf("s3 storage mode requires access_key and secret_key")
		}
		logger.Info("using s3 blob store", zap.String("endpoint", s3cfg.Endpoint))
		return blob.NewS3Store(s3cfg.Endpoint, s3cfg.AccessKey, s3cfg.SecretKey, s3cfg.Region, logger)

	case "azure":
		if cfg.Storage.Account == "" {
			return nil, fmt.Errorf("azure storage mode requires an account name")
		}
		logger.Info("using azure blob store", zap.String("account", cfg.Storage.Account))
		return blob.NewAzureStore(cfg.Storage.Account, logger)

	default:
		return nil, fmt.Errorf("unknown storage mode %q", cfg.Storage.Mode)
	}
}

func buildProvider(cfg *config.Config, logger *zap.Logger) (provider.Provider, error) {
	if config.GetEnvOrDefault("LOADAGENT_PROVIDER", "aci") == "fake" {
		// dry runs and local development
		logger.Info("using fake container provider")
		return provider.NewFakeProvider(), nil
	}
	return provider.NewACIProvider(provider.ACIConfig{
		SubscriptionID: cfg.Azure.SubscriptionID,
		ResourceGroup:  cfg.Azure.ResourceGroup,
		Location:       cfg.Azure.Location,
	}, logger)
}

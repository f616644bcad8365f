//go:build linux

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/byobd/byobd/internal/adminapi"
	"github.com/byobd/byobd/internal/byob"
	"github.com/byobd/byobd/internal/config"
	"github.com/byobd/byobd/internal/sandbox/linux"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the byobd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("load config", zap.Error(err))
		return err
	}

	if cfg.APIKey == "" {
		logger.Warn("no admin API key configured — running in open access mode")
	}

	if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Sandbox.RootDir, 0o755); err != nil {
		return fmt.Errorf("create sandbox root dir: %w", err)
	}

	launcher := linux.New(cfg.Sandbox.RootDir)
	launcher.UID = cfg.Sandbox.UID
	launcher.GID = cfg.Sandbox.GID
	launcher.NoNewPrivs = cfg.Sandbox.NoNewPrivs
	launcher.DropCaps = cfg.Sandbox.DropCaps

	svc, err := byob.New(byob.Config{
		ControlSocketPath:  cfg.ControlSocketPath,
		ArtifactDir:        cfg.ArtifactDir,
		SandboxRootDir:     cfg.Sandbox.RootDir,
		ReadOnlyMounts:     cfg.Sandbox.ReadOnlyMounts,
		MaxWorkersPerToken: cfg.Defaults.MaxWorkersPerToken,
		ResponseWatchers:   cfg.Defaults.ResponseWatchers,
		AcquireBound:       cfg.Defaults.AcquireBound,
		SandboxUID:         cfg.Sandbox.UID,
		SandboxGID:         cfg.Sandbox.GID,
	}, launcher, logger)
	if err != nil {
		logger.Error("build service", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := svc.Serve(ctx); err != nil {
			logger.Error("control plane accept loop exited", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      adminapi.NewServer(svc, cfg.APIKey, logger).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Execute can block for the whole invocation
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
		svc.Shutdown()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", zap.String("addr", cfg.Listen))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", zap.Error(err))
		return err
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"agentarena/internal/executor"
	"agentarena/pkg/utils/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume match requests from the queue",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	appCfg, err := loadAppConfig(configPath)
	if err != nil {
		return fmt.Errorf("load app config failed: %w", err)
	}
	if err := appCfg.validateServe(); err != nil {
		return err
	}
	if err := logger.Init(appCfg.Logger); err != nil {
		return fmt.Errorf("init logger failed: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, appCfg)
	if err != nil {
		logger.Error(ctx, "init executor failed", zap.Error(err))
		return err
	}
	defer rt.Close()

	err = rt.svc.Subscribe(ctx, rt.queue, executor.IntakeConfig{
		Topic:           appCfg.Kafka.RequestTopic,
		RetryTopic:      appCfg.Kafka.RetryTopic,
		ConsumerGroup:   appCfg.Kafka.ConsumerGroup,
		Concurrency:     appCfg.Kafka.Concurrency,
		MaxRetries:      appCfg.Kafka.MaxRetries,
		RetryDelay:      appCfg.Kafka.RetryDelay,
		DeadLetterTopic: appCfg.Kafka.DeadLetter,
	})
	if err != nil {
		logger.Error(ctx, "subscribe kafka failed", zap.Error(err))
		return err
	}
	if err := rt.queue.Start(); err != nil {
		logger.Error(ctx, "start kafka consumer failed", zap.Error(err))
		return err
	}

	var httpServer *http.Server
	errCh := make(chan error, 1)
	if !appCfg.Server.Disabled {
		httpServer = buildHTTPServer(appCfg.Server, newOpsServer(rt))
		listener, err := net.Listen("tcp", appCfg.Server.Addr)
		if err != nil {
			logger.Error(ctx, "init http listener failed", zap.Error(err))
			_ = rt.queue.Stop()
			return err
		}
		go func() {
			logger.Info(ctx, "ops http server started", zap.String("addr", appCfg.Server.Addr))
			errCh <- httpServer.Serve(listener)
		}()
	}
	logger.Info(ctx, "executor serving", zap.String("version", version), zap.String("topic", appCfg.Kafka.RequestTopic))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	// stopping the consumer cancels matches that are still running
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "http server shutdown failed", zap.Error(err))
		}
	}
	if err := rt.queue.Stop(); err != nil {
		logger.Error(shutdownCtx, "stop kafka consumer failed", zap.Error(err))
	}
	return nil
}

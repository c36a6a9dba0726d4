package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"agentarena/internal/eventsink"
	"agentarena/internal/executor"
	"agentarena/internal/match"
	"agentarena/pkg/utils/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run <request.json|->",
	Short: "Run one match and print its events as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE:  runMatch,
}

func runMatch(cmd *cobra.Command, args []string) error {
	body, err := readRequest(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}
	req, err := executor.DecodeRequest(body)
	if err != nil {
		return fmt.Errorf("invalid match request: %w", err)
	}

	appCfg, err := loadAppConfig(configPath)
	if err != nil {
		return fmt.Errorf("load app config failed: %w", err)
	}
	// stdout carries the event log
	if appCfg.Logger.OutputPath == "" || appCfg.Logger.OutputPath == "stdout" {
		appCfg.Logger.OutputPath = "stderr"
	}
	if err := logger.Init(appCfg.Logger); err != nil {
		return fmt.Errorf("init logger failed: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, appCfg, eventsink.NewWriterSink(cmd.OutOrStdout()))
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.svc.RunMatch(ctx, req)
	if err != nil {
		return err
	}
	logger.Info(ctx, "match finished",
		zap.String("match_id", req.MatchID),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("forfeit_agent", res.ForfeitAgent))
	if res.Outcome == match.OutcomeError {
		return fmt.Errorf("match %s failed: %w", req.MatchID, res.Err)
	}
	return nil
}

func readRequest(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read request from stdin failed: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read request file failed: %w", err)
	}
	return data, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"agentarena/internal/guest"
	"agentarena/internal/sandbox/backend"
	"agentarena/internal/sandbox/recorder"
	"agentarena/pkg/utils/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const defaultListen = "unix:" + backend.GuestSocketDir + "/" + backend.GuestSocketName

// guestConfig is the optional yaml file baked into sandbox images.
type guestConfig struct {
	Listen         string              `yaml:"listen"`
	Logger         logger.Config       `yaml:"logger"`
	Server         guest.Config        `yaml:"server"`
	Devices        guest.DeviceMounter `yaml:"devices"`
	Limits         guest.Limits        `yaml:"limits"`
	SeccompProfile string              `yaml:"seccompProfile"`
	Env            []string            `yaml:"env"`
}

var (
	guestConfigPath string
	guestListen     string
	guestBoot       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the host connection",
	RunE:  runServe,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&guestConfigPath, "config", os.Getenv("ARENA_GUEST_CONFIG"), "path to config file")
		cmd.Flags().StringVar(&guestListen, "listen", os.Getenv("ARENA_GUEST_LISTEN"), "unix:<path> or vsock:<port>")
		cmd.Flags().StringVar(&guestBoot, "boot", os.Getenv("ARENA_GUEST_BOOT"), "command prefixed to the agent bundle")
	}
}

func loadGuestConfig(path string) (*guestConfig, error) {
	cfg := &guestConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file failed: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file failed: %w", err)
		}
	}
	if guestListen != "" {
		cfg.Listen = guestListen
	}
	if guestBoot != "" {
		cfg.Server.BootCommand = guestBoot
	}
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	return cfg, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadGuestConfig(guestConfigPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logger); err != nil {
		return fmt.Errorf("init logger failed: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	launcher := &guest.ExecLauncher{
		Env:            cfg.Env,
		Limits:         cfg.Limits,
		SeccompProfile: cfg.SeccompProfile,
	}
	srv, err := guest.NewServer(cfg.Server, launcher, &cfg.Devices)
	if err != nil {
		return err
	}

	ln, err := listen(cfg.Listen)
	if err != nil {
		return err
	}
	defer ln.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	context.AfterFunc(ctx, func() { _ = ln.Close() })

	// everything the recorder keeps comes after this line
	fmt.Println(recorder.BootSentinel)
	logger.Info(ctx, "guest manager listening", zap.String("listen", cfg.Listen), zap.String("version", version))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		if err := srv.Serve(ctx, conn); err != nil {
			logger.Error(ctx, "host session failed", zap.Error(err))
		}
	}
}

// connListener accepts host connections. vsock connections are plain files,
// so it does not deal in net.Conn.
type connListener interface {
	Accept() (io.ReadWriteCloser, error)
	Close() error
}

type netListener struct {
	net.Listener
}

func (l netListener) Accept() (io.ReadWriteCloser, error) {
	return l.Listener.Accept()
}

func listen(addr string) (connListener, error) {
	scheme, target, ok := strings.Cut(addr, ":")
	if !ok {
		return nil, fmt.Errorf("listen address %q must be unix:<path> or vsock:<port>", addr)
	}
	switch scheme {
	case "unix":
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		ln, err := net.Listen("unix", target)
		if err != nil {
			return nil, err
		}
		return netListener{ln}, nil
	case "vsock":
		port, err := strconv.ParseUint(target, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vsock port %q: %w", target, err)
		}
		return listenVsock(uint32(port))
	default:
		return nil, fmt.Errorf("unsupported listen scheme %q", scheme)
	}
}

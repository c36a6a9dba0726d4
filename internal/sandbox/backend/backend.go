// Package backend abstracts the sandbox technologies agents run in.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"agentarena/internal/sandbox/recorder"
	"agentarena/internal/sandbox/stream"
	appErr "agentarena/pkg/errors"
)

const (
	// ScratchGuestPath is where the writable scratch volume is mounted in every sandbox.
	ScratchGuestPath = "/scratch"
	// DefaultConnectTimeout bounds waiting for the guest manager to come up.
	DefaultConnectTimeout = 45 * time.Second

	dialInterval = 200 * time.Millisecond
	stopWait     = 2 * time.Second
)

// Mount binds a host path into the sandbox.
type Mount struct {
	HostPath  string `yaml:"hostPath" json:"hostPath"`
	GuestPath string `yaml:"guestPath" json:"guestPath"`
	ReadOnly  bool   `yaml:"readOnly" json:"readOnly"`
}

// SpawnRequest describes one sandbox. Scratch and root filesystem volumes are
// added by the backend and must not be listed in Mounts.
type SpawnRequest struct {
	WorkDir     string
	RAMBudgetMB int64
	Mounts      []Mount
	// SwapPath is a formatted swap image. Each sandbox gets its own copy.
	SwapPath string
}

// Backend creates sandboxes. The variant is chosen once from configuration.
type Backend interface {
	Name() string
	Spawn(ctx context.Context, req SpawnRequest) (Sandbox, error)
}

// Sandbox is one running isolated environment.
type Sandbox interface {
	ID() string
	// Connect blocks until the guest manager is reachable and has completed the
	// initial handshake.
	Connect(ctx context.Context) (*stream.Stream, error)
	// TakeRecorder detaches the sandbox output for logging. Only the first call succeeds.
	TakeRecorder(maxLen int) (*recorder.Recorder, error)
	// Shutdown tears the sandbox down. It is safe to call more than once.
	Shutdown(ctx context.Context) error
}

func validateSpawnRequest(req SpawnRequest) error {
	if req.WorkDir == "" {
		return appErr.ValidationError("work_dir", "is required")
	}
	if req.RAMBudgetMB <= 0 {
		return appErr.ValidationError("ram_budget", "must be positive")
	}
	for _, m := range req.Mounts {
		if m.HostPath == "" || m.GuestPath == "" {
			return appErr.ValidationError("mounts", "host and guest paths are required")
		}
		if m.GuestPath == ScratchGuestPath || m.GuestPath == "/" {
			return appErr.ValidationError("mounts", fmt.Sprintf("guest path %s is reserved", m.GuestPath))
		}
	}
	return nil
}

// dialUntilReady retries dial until it succeeds, ctx ends or the sandbox exits.
func dialUntilReady(ctx context.Context, exited <-chan struct{}, dial func(context.Context) (net.Conn, error)) (net.Conn, error) {
	ticker := time.NewTicker(dialInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		conn, err := dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-exited:
			return nil, appErr.Wrapf(lastErr, appErr.SandboxConnectFailed, "sandbox exited before the guest manager became ready")
		case <-ctx.Done():
			return nil, appErr.Wrapf(errors.Join(ctx.Err(), lastErr), appErr.SandboxConnectFailed, "timed out waiting for the guest manager")
		case <-ticker.C:
		}
	}
}

// connect dials the guest and performs the handshake.
func connect(ctx context.Context, timeout time.Duration, exited <-chan struct{}, dial func(context.Context) (net.Conn, error), n *Negotiation) (*stream.Stream, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialUntilReady(ctx, exited, dial)
	if err != nil {
		return nil, err
	}
	s := stream.New(conn)
	if err := Handshake(ctx, s, n); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func waitExit(exited <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-exited:
		return true
	case <-timer.C:
		return false
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

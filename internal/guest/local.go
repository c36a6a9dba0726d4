package guest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"agentarena/internal/sandbox/backend"
	"agentarena/internal/sandbox/recorder"
	"agentarena/internal/sandbox/stream"
	appErr "agentarena/pkg/errors"
	"agentarena/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/threading"
	"go.uber.org/zap"
)

// LocalBackend runs every sandbox as an in-process guest session with its own
// scratch directory under the request's work dir. Agents are not isolated
// from the host, so it is only meant for development and tests.
type LocalBackend struct {
	cfg      Config
	launcher Launcher
}

// NewLocalBackend creates the backend. cfg.ScratchDir is ignored.
func NewLocalBackend(cfg Config, launcher Launcher) (*LocalBackend, error) {
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}
	return &LocalBackend{cfg: cfg, launcher: launcher}, nil
}

func (b *LocalBackend) Name() string {
	return "local"
}

func (b *LocalBackend) Spawn(ctx context.Context, req backend.SpawnRequest) (backend.Sandbox, error) {
	if req.WorkDir == "" {
		return nil, appErr.ValidationError("work_dir", "is required")
	}
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxSpawnFailed, "create work dir failed")
	}
	dir, err := os.MkdirTemp(req.WorkDir, "local-")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxSpawnFailed, "create scratch dir failed")
	}
	cfg := b.cfg
	cfg.ScratchDir = dir
	srv, err := NewServer(cfg, b.launcher, nopMounter{})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, appErr.Wrapf(err, appErr.SandboxSpawnFailed, "create guest server failed")
	}
	logR, logW, err := os.Pipe()
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, appErr.Wrapf(err, appErr.SandboxSpawnFailed, "create log pipe failed")
	}

	host, guestConn := net.Pipe()
	// the session outlives the spawn request
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sb := &localSandbox{
		id:     "local-" + uuid.NewString(),
		dir:    dir,
		host:   host,
		logs:   logR,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	threading.GoSafe(func() {
		defer close(sb.done)
		defer logW.Close()
		_, _ = fmt.Fprintln(logW, recorder.BootSentinel)
		if err := srv.Serve(sessCtx, guestConn); err != nil {
			_, _ = fmt.Fprintf(logW, "guest session failed: %v\n", err)
			logger.Warn(sessCtx, "local guest session failed", zap.String("sandbox_id", sb.id), zap.Error(err))
		}
	})
	return sb, nil
}

type localSandbox struct {
	id     string
	dir    string
	host   net.Conn
	logs   *os.File
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	connected bool
	recording bool

	shutdownOnce sync.Once
	shutdownErr  error
}

func (sb *localSandbox) ID() string {
	return sb.id
}

func (sb *localSandbox) Connect(ctx context.Context) (*stream.Stream, error) {
	sb.mu.Lock()
	if sb.connected {
		sb.mu.Unlock()
		return nil, appErr.Newf(appErr.SandboxConnectFailed, "sandbox %s is already connected", sb.id)
	}
	sb.connected = true
	sb.mu.Unlock()

	s := stream.New(sb.host)
	if err := backend.Handshake(ctx, s, nil); err != nil {
		return nil, err
	}
	return s, nil
}

func (sb *localSandbox) TakeRecorder(maxLen int) (*recorder.Recorder, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.recording {
		return nil, appErr.Newf(appErr.RecorderUnavailable, "recorder of %s already taken", sb.id)
	}
	sb.recording = true
	return recorder.New(sb.logs, maxLen), nil
}

func (sb *localSandbox) Shutdown(ctx context.Context) error {
	sb.shutdownOnce.Do(func() {
		_ = sb.host.Close()
		sb.cancel()
		<-sb.done
		sb.mu.Lock()
		if !sb.recording {
			_ = sb.logs.Close()
		}
		sb.mu.Unlock()
		if err := os.RemoveAll(sb.dir); err != nil {
			sb.shutdownErr = appErr.Wrapf(err, appErr.SandboxShutdownFailed, "remove scratch dir of %s failed", sb.id)
		}
	})
	return sb.shutdownErr
}

// nopMounter serves sessions whose volumes are bound before they start.
type nopMounter struct{}

func (nopMounter) Mount(ctx context.Context, req backend.MountRequest) error {
	return fmt.Errorf("volume %s cannot be mounted by a local sandbox", req.UUID)
}

func (nopMounter) SwapOn(ctx context.Context) error {
	return nil
}

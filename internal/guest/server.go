// Package guest is the manager that runs inside a sandbox. It answers the
// host over a single stream: it mounts volumes, receives the agent bundle,
// runs the agent and relays its input and output.
package guest

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"agentarena/internal/sandbox/backend"
	"agentarena/internal/sandbox/stream"
	"agentarena/internal/sandbox/wire"
	appErr "agentarena/pkg/errors"
	"agentarena/pkg/utils/logger"

	"github.com/google/shlex"
	"github.com/zeromicro/go-zero/core/threading"
	"go.uber.org/zap"
)

const (
	defaultMaxLine   = stream.DefaultMaxMessageLen - len(wire.Output)
	defaultMaxStderr = 64 << 10
	defaultMaxUpload = 1 << 30
)

// Config tunes a Server. Zero values select defaults.
type Config struct {
	// ScratchDir receives the bundle and resolves relative TAKEFILE paths.
	ScratchDir string `yaml:"scratchDir"`
	// BootCommand is split like a shell command line and prefixed to the
	// bundle path. Empty runs the bundle itself.
	BootCommand string `yaml:"bootCommand"`
	MaxLine     int    `yaml:"maxLine"`
	MaxStderr   int    `yaml:"maxStderr"`
	MaxUpload   int64  `yaml:"maxUpload"`
}

// Mounter attaches the volumes requested during the handshake.
type Mounter interface {
	Mount(ctx context.Context, req backend.MountRequest) error
	SwapOn(ctx context.Context) error
}

// Server serves host connections.
type Server struct {
	cfg      Config
	boot     []string
	launcher Launcher
	mounter  Mounter
}

// NewServer validates cfg and creates a server.
func NewServer(cfg Config, launcher Launcher, mounter Mounter) (*Server, error) {
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if mounter == nil {
		return nil, errors.New("mounter is required")
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = backend.ScratchGuestPath
	}
	if cfg.MaxLine <= 0 || cfg.MaxLine > defaultMaxLine {
		cfg.MaxLine = defaultMaxLine
	}
	if cfg.MaxStderr <= 0 || cfg.MaxStderr > defaultMaxLine {
		cfg.MaxStderr = defaultMaxStderr
	}
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = defaultMaxUpload
	}
	boot, err := shlex.Split(cfg.BootCommand)
	if err != nil {
		return nil, fmt.Errorf("parse boot command: %w", err)
	}
	return &Server{cfg: cfg, boot: boot, launcher: launcher, mounter: mounter}, nil
}

// Serve runs one host session until the host disconnects or ctx ends. The
// agent process is killed and conn closed on return.
func (srv *Server) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	sess := &session{srv: srv, s: stream.New(conn)}
	defer func() {
		sess.stopProcess()
		_ = sess.s.Close()
	}()

	if err := sess.handshake(ctx); err != nil {
		return err
	}
	for {
		msg, err := sess.s.NextFullMessage(ctx, 0)
		if err != nil {
			if appErr.Is(err, appErr.StreamClosed) {
				logger.Info(ctx, "host disconnected")
				return nil
			}
			return err
		}
		if err := sess.dispatch(ctx, msg); err != nil {
			return err
		}
	}
}

type session struct {
	srv *Server
	s   *stream.Stream

	// serializes writes from the command loop and the output pump
	sendMu sync.Mutex

	bundle string
	proc   *agentProc
}

func (sess *session) handshake(ctx context.Context) error {
	msg, err := sess.s.NextFullMessage(ctx, 0)
	if err != nil {
		return err
	}
	switch {
	case bytes.Equal(msg, []byte(backend.NoMountRequest)):
		return nil
	case bytes.HasPrefix(msg, []byte(backend.MountRequestPrefix)):
	default:
		return unexpectedFrame(msg)
	}

	var mounts []backend.MountRequest
	if err := json.Unmarshal(msg[len(backend.MountRequestPrefix):], &mounts); err != nil {
		return appErr.Wrapf(err, appErr.ProtocolViolation, "decode mount request failed: %v", err)
	}
	for _, m := range mounts {
		if err := sess.srv.mounter.Mount(ctx, m); err != nil {
			return appErr.Wrapf(err, appErr.SandboxHandshakeFail, "mount %s at %s failed: %v", m.UUID, m.Path, err)
		}
		logger.Info(ctx, "volume mounted", zap.String("uuid", m.UUID), zap.String("path", m.Path), zap.Bool("read_only", m.ReadOnly))
	}
	if err := sess.s.ExpectExactMsg(ctx, []byte(backend.SwapOn)); err != nil {
		return err
	}
	if err := sess.srv.mounter.SwapOn(ctx); err != nil {
		logger.Warn(ctx, "swap unavailable", zap.Error(err))
	}
	return sess.send(ctx, backend.Mounted, nil)
}

func (sess *session) dispatch(ctx context.Context, msg []byte) error {
	switch {
	case bytes.HasPrefix(msg, []byte(wire.Input)):
		sess.input(ctx, msg[len(wire.Input):])
		return nil
	case bytes.HasPrefix(msg, []byte(wire.Reboot)):
		return sess.reboot(ctx, msg[len(wire.Reboot):])
	case bytes.HasPrefix(msg, []byte(wire.TakeFile)):
		return sess.takeFile(ctx, string(msg[len(wire.TakeFile):]))
	case bytes.HasPrefix(msg, []byte(wire.UploadName)):
		return sess.upload(ctx, string(msg[len(wire.UploadName):]))
	default:
		return unexpectedFrame(msg)
	}
}

func (sess *session) upload(ctx context.Context, name string) error {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		return appErr.Newf(appErr.ProtocolViolation, "invalid bundle name %q", name)
	}
	header := make([]byte, 1+wire.UploadLengthSize)
	if err := sess.s.ReadExact(ctx, header); err != nil {
		return err
	}
	if header[0] != wire.UploadLength {
		return appErr.Newf(appErr.ProtocolViolation, "expected bundle length marker, got %q", header[0])
	}
	size := binary.BigEndian.Uint64(header[1:])
	if size > uint64(sess.srv.cfg.MaxUpload) {
		return appErr.Newf(appErr.ProtocolViolation, "bundle of %d bytes exceeds %d", size, sess.srv.cfg.MaxUpload)
	}

	target := filepath.Join(sess.srv.cfg.ScratchDir, base)
	if err := sess.receive(ctx, target, int64(size)); err != nil {
		return err
	}
	if err := sess.s.ExpectExactMsg(ctx, []byte(wire.FileEnds)); err != nil {
		return err
	}
	if err := sess.send(ctx, wire.Received, nil); err != nil {
		return err
	}
	logger.Info(ctx, "bundle received", zap.String("path", target), zap.Uint64("size", size))

	sess.stopProcess()
	sess.bundle = target
	// SPAWNED must reach the host before anything the agent prints
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()
	if err := sess.start(ctx, nil); err != nil {
		return sess.s.SendPrefixedFullMessage(ctx, []byte(wire.Terminated), stripNUL([]byte(err.Error())))
	}
	return sess.s.SendFullMessage(ctx, []byte(wire.Spawned))
}

func (sess *session) receive(ctx context.Context, target string, size int64) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("create bundle file: %w", err)
	}
	if err := sess.s.ReadUntilN(ctx, size, f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close bundle file: %w", err)
	}
	return os.Chmod(target, 0o755)
}

func (sess *session) start(ctx context.Context, args []string) error {
	argv := make([]string, 0, len(sess.srv.boot)+1+len(args))
	argv = append(argv, sess.srv.boot...)
	argv = append(argv, sess.bundle)
	argv = append(argv, args...)
	p, err := sess.srv.launcher.Launch(ctx, LaunchSpec{Argv: argv, Dir: sess.srv.cfg.ScratchDir})
	if err != nil {
		logger.Warn(ctx, "launch agent failed", zap.Strings("argv", argv), zap.Error(err))
		return err
	}
	ap := &agentProc{proc: p, done: make(chan struct{})}
	sess.proc = ap
	threading.GoSafe(func() {
		ap.pump(ctx, sess, sess.srv.cfg.MaxLine, sess.srv.cfg.MaxStderr)
	})
	logger.Info(ctx, "agent started", zap.Strings("argv", argv))
	return nil
}

// stopProcess kills the current process and waits for its output to be
// drained. Nothing it wrote is forwarded once this begins.
func (sess *session) stopProcess() {
	ap := sess.proc
	if ap == nil {
		return
	}
	sess.proc = nil
	ap.silence()
	_ = ap.proc.Kill()
	_ = ap.proc.Stdin().Close()
	<-ap.done
}

// input blocks while the agent is not reading its stdin.
func (sess *session) input(ctx context.Context, data []byte) {
	ap := sess.proc
	if ap == nil {
		logger.Debug(ctx, "input dropped, no agent running")
		return
	}
	if _, err := ap.proc.Stdin().Write(data); err != nil {
		logger.Debug(ctx, "agent stdin closed", zap.Error(err))
	}
}

func (sess *session) reboot(ctx context.Context, payload []byte) error {
	var args []string
	if err := json.Unmarshal(payload, &args); err != nil {
		return appErr.Wrapf(err, appErr.ProtocolViolation, "decode reboot arguments failed: %v", err)
	}
	sess.stopProcess()
	if sess.bundle == "" {
		return sess.send(ctx, wire.Terminated, []byte("no agent bundle uploaded"))
	}
	if err := sess.start(ctx, args); err != nil {
		return sess.send(ctx, wire.Terminated, stripNUL([]byte(err.Error())))
	}
	return nil
}

func (sess *session) takeFile(ctx context.Context, path string) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(sess.srv.cfg.ScratchDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, fs.ErrNotExist) {
			reason = wire.FileErrorNotFound
		}
		return sess.send(ctx, wire.FileError, stripNUL([]byte(reason)))
	}

	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()
	if err := sess.s.SendPrefixedFullMessage(ctx, []byte(wire.File), []byte(strconv.Itoa(len(data)))); err != nil {
		return err
	}
	return sess.s.SendMessage(ctx, data, false)
}

func (sess *session) send(ctx context.Context, prefix string, payload []byte) error {
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()
	return sess.s.SendPrefixedFullMessage(ctx, []byte(prefix), payload)
}

func unexpectedFrame(msg []byte) error {
	head := msg
	if len(head) > 32 {
		head = head[:32]
	}
	return appErr.Newf(appErr.ProtocolViolation, "unexpected frame %q", head)
}

// Package agent drives one competitor program through its sandbox lifecycle.
package agent

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"agentarena/internal/sandbox/backend"
	"agentarena/internal/sandbox/recorder"
	"agentarena/internal/sandbox/stream"
	"agentarena/internal/sandbox/wire"
	appErr "agentarena/pkg/errors"
	"agentarena/pkg/utils/logger"

	"go.uber.org/zap"
)

// DefaultMaxFileSize bounds files extracted with TakeFile.
const DefaultMaxFileSize int64 = 50 << 20

// Options tunes a Manager. Zero values select defaults.
type Options struct {
	RecorderMaxLen  int
	RecorderTimeout time.Duration
	MaxMessageLen   int
	MaxFileSize     int64
}

func (o Options) withDefaults() Options {
	if o.RecorderMaxLen <= 0 {
		o.RecorderMaxLen = recorder.DefaultMaxLen
	}
	if o.RecorderTimeout <= 0 {
		o.RecorderTimeout = recorder.DefaultActiveTimeout
	}
	if o.MaxMessageLen <= 0 {
		o.MaxMessageLen = stream.DefaultMaxMessageLen
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	return o
}

// Manager owns one sandbox and the agent running in it. It is not safe for
// concurrent use.
type Manager struct {
	opts    Options
	sandbox backend.Sandbox
	stream  *stream.Stream
	rec     *recorder.Recorder

	running bool
	stderr  string
	// frames that arrived while a file transfer was pending
	pending [][]byte
	// raw bytes of an interrupted file transfer still to be skipped
	skip int64
	// TAKEFILE_ requests whose reply header has not been read yet
	awaitingFile int

	shutdown bool
	logs     string
	err      error
}

// Spawn creates a sandbox, starts recording its output and connects to the
// guest manager. On failure the sandbox is torn down and its logs are attached
// to the returned error as the vm_logs detail.
func Spawn(ctx context.Context, b backend.Backend, req backend.SpawnRequest, opts Options) (*Manager, error) {
	start := time.Now()
	sb, err := b.Spawn(ctx, req)
	if err != nil {
		return nil, err
	}
	m := &Manager{opts: opts.withDefaults(), sandbox: sb}

	rec, err := sb.TakeRecorder(m.opts.RecorderMaxLen)
	if err != nil {
		logger.Warn(ctx, "sandbox output unavailable", zap.String("sandbox_id", sb.ID()), zap.Error(err))
	}
	m.rec = rec

	s, err := sb.Connect(ctx)
	if err != nil {
		return nil, m.abort(ctx, err)
	}
	m.stream = s
	logger.Info(ctx, "sandbox connected",
		zap.String("backend", b.Name()),
		zap.String("sandbox_id", sb.ID()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return m, nil
}

// ID returns the sandbox identifier.
func (m *Manager) ID() string {
	return m.sandbox.ID()
}

// Running reports whether the agent process is believed to be alive.
func (m *Manager) Running() bool {
	return m.running
}

// Upload streams a bundle of exactly size bytes to the guest and waits for the
// agent to be started from it.
func (m *Manager) Upload(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := m.usable(); err != nil {
		return err
	}
	if size < 0 {
		return appErr.ValidationError("size", "must not be negative")
	}
	if err := m.upload(ctx, name, r, size); err != nil {
		return m.abort(ctx, appErr.Wrapf(err, appErr.AgentUploadFailed, "upload %s failed: %v", name, err))
	}
	m.running = true
	m.stderr = ""
	logger.Info(ctx, "agent spawned", zap.String("sandbox_id", m.ID()), zap.String("bundle", name), zap.Int64("size", size))
	return nil
}

func (m *Manager) upload(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := m.stream.SendPrefixedFullMessage(ctx, []byte(wire.UploadName), []byte(name)); err != nil {
		return err
	}
	header := make([]byte, 1+wire.UploadLengthSize)
	header[0] = wire.UploadLength
	binary.BigEndian.PutUint64(header[1:], uint64(size))
	if err := m.stream.SendMessage(ctx, header, false); err != nil {
		return err
	}
	n, err := io.CopyN(m.stream.Writer(ctx), r, size)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("bundle ended after %d of %d bytes", n, size)
		}
		return err
	}
	if err := m.stream.SendFullMessage(ctx, []byte(wire.FileEnds)); err != nil {
		return err
	}
	if err := m.stream.ExpectExactMsg(ctx, []byte(wire.Received)); err != nil {
		return err
	}
	return m.stream.ExpectExactMsg(ctx, []byte(wire.Spawned))
}

// Reboot restarts the agent process with args. It does not wait for the
// process to produce output.
func (m *Manager) Reboot(ctx context.Context, args []string) error {
	if err := m.usable(); err != nil {
		return err
	}
	if args == nil {
		args = []string{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "encode reboot arguments failed")
	}
	if err := m.stream.SendPrefixedFullMessage(ctx, []byte(wire.Reboot), payload); err != nil {
		return err
	}
	m.running = true
	m.stderr = ""
	m.pending = nil
	return nil
}

// NextMessage returns the next line written by the agent. When the agent has
// exited it returns an AgentTerminated error carrying its stderr, and keeps
// doing so without touching the stream until the agent is rebooted.
func (m *Manager) NextMessage(ctx context.Context) ([]byte, error) {
	if !m.running {
		return nil, m.terminated()
	}
	if err := m.usable(); err != nil {
		return nil, err
	}
	msg, err := m.nextFrame(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case bytes.HasPrefix(msg, []byte(wire.Output)):
		return msg[len(wire.Output):], nil
	case bytes.HasPrefix(msg, []byte(wire.Terminated)):
		m.running = false
		m.stderr = string(msg[len(wire.Terminated):])
		return nil, m.terminated()
	default:
		return nil, unexpectedFrame(msg)
	}
}

// SendInput writes data to the agent's stdin. No newline is added.
func (m *Manager) SendInput(ctx context.Context, data []byte) error {
	if err := m.usable(); err != nil {
		return err
	}
	err := m.stream.SendPrefixedFullMessage(ctx, []byte(wire.Input), data)
	if err == nil || appErr.Is(err, appErr.InvalidPayload) || ctx.Err() != nil {
		return err
	}
	return appErr.Wrapf(err, appErr.AgentWriteFailed, "write to agent failed: %v", err)
}

// TakeFile reads a file from the guest filesystem. Agent output arriving in
// the meantime is kept for later NextMessage calls. Replies to earlier calls
// that were interrupted are discarded.
func (m *Manager) TakeFile(ctx context.Context, path string) ([]byte, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	if err := m.resync(ctx); err != nil {
		return nil, err
	}
	if err := m.stream.SendPrefixedFullMessage(ctx, []byte(wire.TakeFile), []byte(path)); err != nil {
		return nil, err
	}
	m.awaitingFile++
	for {
		msg, err := m.stream.NextFullMessage(ctx, m.opts.MaxMessageLen)
		if err != nil {
			return nil, err
		}
		if isFileReply(msg) && m.awaitingFile > 1 {
			if err := m.discardReply(ctx, msg); err != nil {
				return nil, err
			}
			continue
		}
		switch {
		case bytes.HasPrefix(msg, []byte(wire.Output)), bytes.HasPrefix(msg, []byte(wire.Terminated)):
			m.pending = append(m.pending, msg)
		case bytes.HasPrefix(msg, []byte(wire.File)):
			m.awaitingFile--
			return m.readFile(ctx, path, string(msg[len(wire.File):]))
		case bytes.HasPrefix(msg, []byte(wire.FileError)):
			m.awaitingFile--
			reason := string(msg[len(wire.FileError):])
			if reason == wire.FileErrorNotFound {
				return nil, appErr.Newf(appErr.FileNotFound, "file %s not found", path).WithDetail("path", path)
			}
			return nil, appErr.Newf(appErr.FileReadFailed, "read %s failed: %s", path, reason).WithDetail("path", path)
		default:
			return nil, unexpectedFrame(msg)
		}
	}
}

func (m *Manager) readFile(ctx context.Context, path, header string) ([]byte, error) {
	size, err := parseFileSize(header)
	if err != nil {
		return nil, err
	}
	if size > m.opts.MaxFileSize {
		if err := m.rawRead(ctx, size, io.Discard); err != nil {
			return nil, err
		}
		return nil, appErr.Newf(appErr.FileTooLarge, "file %s is %d bytes, limit is %d", path, size, m.opts.MaxFileSize).
			WithDetail("path", path).
			WithDetail("size", size)
	}
	var buf bytes.Buffer
	buf.Grow(int(size))
	if err := m.rawRead(ctx, size, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseFileSize(header string) (int64, error) {
	size, err := strconv.ParseInt(header, 10, 64)
	if err != nil || size < 0 {
		return 0, appErr.Newf(appErr.ProtocolViolation, "invalid file length %q", header)
	}
	return size, nil
}

func isFileReply(msg []byte) bool {
	return bytes.HasPrefix(msg, []byte(wire.File)) || bytes.HasPrefix(msg, []byte(wire.FileError))
}

// discardReply drops the reply to a TakeFile call that gave up before the
// header arrived, including the raw file bytes that follow FILE_.
func (m *Manager) discardReply(ctx context.Context, msg []byte) error {
	m.awaitingFile--
	if !bytes.HasPrefix(msg, []byte(wire.File)) {
		return nil
	}
	size, err := parseFileSize(string(msg[len(wire.File):]))
	if err != nil {
		return err
	}
	return m.rawRead(ctx, size, io.Discard)
}

// rawRead copies n raw bytes and remembers how many are left when interrupted.
func (m *Manager) rawRead(ctx context.Context, n int64, w io.Writer) error {
	cw := &countingWriter{w: w}
	if err := m.stream.ReadUntilN(ctx, n, cw); err != nil {
		m.skip = n - cw.n
		return err
	}
	return nil
}

// resync discards what is left of an interrupted file transfer.
func (m *Manager) resync(ctx context.Context) error {
	if m.skip == 0 {
		return nil
	}
	if err := m.rawRead(ctx, m.skip, io.Discard); err != nil {
		return err
	}
	m.skip = 0
	return nil
}

func (m *Manager) nextFrame(ctx context.Context) ([]byte, error) {
	if len(m.pending) > 0 {
		msg := m.pending[0]
		m.pending = m.pending[1:]
		return msg, nil
	}
	for {
		if err := m.resync(ctx); err != nil {
			return nil, err
		}
		msg, err := m.stream.NextFullMessage(ctx, m.opts.MaxMessageLen)
		if err != nil {
			return nil, err
		}
		if m.awaitingFile > 0 && isFileReply(msg) {
			if err := m.discardReply(ctx, msg); err != nil {
				return nil, err
			}
			continue
		}
		return msg, nil
	}
}

// Shutdown tears the sandbox down and returns the recorded output. Later calls
// return the same result.
func (m *Manager) Shutdown(ctx context.Context) (string, error) {
	if m.shutdown {
		return m.logs, m.err
	}
	m.shutdown = true
	m.running = false

	var errs []error
	if m.stream != nil {
		if err := m.stream.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			logger.Debug(ctx, "close sandbox stream failed", zap.Error(err))
		}
	}
	if err := m.sandbox.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	m.logs = m.collectLogs(ctx)
	m.err = errors.Join(errs...)
	if m.err != nil {
		logger.Warn(ctx, "sandbox shutdown failed", zap.String("sandbox_id", m.ID()), zap.Error(m.err))
	}
	return m.logs, m.err
}

// collectLogs never fails: recorder problems are logged and an empty log returned.
func (m *Manager) collectLogs(ctx context.Context) string {
	if m.rec == nil {
		return ""
	}
	logs, err := m.rec.ShutdownPassive()
	if err == nil {
		return logs
	}
	logs, err = m.rec.ShutdownActive(m.opts.RecorderTimeout)
	if err != nil {
		logger.Warn(ctx, "sandbox logs unavailable", zap.String("sandbox_id", m.ID()), zap.Error(err))
		return ""
	}
	return logs
}

// abort shuts the sandbox down after a setup failure and attaches its logs to err.
func (m *Manager) abort(ctx context.Context, err error) error {
	logs, _ := m.Shutdown(ctx)
	e := appErr.GetError(err)
	if logs != "" {
		e.WithDetail("vm_logs", logs)
	}
	return e
}

func (m *Manager) usable() error {
	if m.shutdown {
		return appErr.Newf(appErr.StreamClosed, "sandbox %s has been shut down", m.ID())
	}
	return nil
}

func (m *Manager) terminated() error {
	e := appErr.New(appErr.AgentTerminated)
	if m.stderr != "" {
		e.WithDetail("stderr", m.stderr)
	}
	return e
}

func unexpectedFrame(msg []byte) error {
	head := msg
	if len(head) > 32 {
		head = head[:32]
	}
	return appErr.Newf(appErr.ProtocolViolation, "unexpected frame %q", head)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

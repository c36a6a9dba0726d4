package guest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agentarena/internal/sandbox/agent"
	"agentarena/internal/sandbox/backend"
	"agentarena/internal/sandbox/stream"
	"agentarena/internal/sandbox/wire"
	appErr "agentarena/pkg/errors"
)

func echoAgent(ctx context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fmt.Fprintln(stdout, strings.TrimSpace("ready "+strings.Join(argv[1:], " ")))
	sc := bufio.NewScanner(stdin)
	for sc.Scan() {
		switch line := sc.Text(); line {
		case "quit":
			fmt.Fprint(stderr, "bye")
			return nil
		case "nul":
			fmt.Fprint(stdout, "a\x00b\n")
		default:
			fmt.Fprintf(stdout, "echo %s\n", line)
		}
	}
	return sc.Err()
}

func spawnLocal(t *testing.T, ctx context.Context, cfg Config, fn AgentFunc) *agent.Manager {
	t.Helper()
	b, err := NewLocalBackend(cfg, FuncLauncher{Agent: fn})
	if err != nil {
		t.Fatalf("new local backend failed: %v", err)
	}
	m, err := agent.Spawn(ctx, b, backend.SpawnRequest{WorkDir: t.TempDir(), RAMBudgetMB: 64}, agent.Options{})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	t.Cleanup(func() { _, _ = m.Shutdown(context.Background()) })
	return m
}

func expectLine(t *testing.T, ctx context.Context, m *agent.Manager, want string) {
	t.Helper()
	got, err := m.NextMessage(ctx)
	if err != nil {
		t.Fatalf("expected line %q, got error %v", want, err)
	}
	if string(got) != want {
		t.Fatalf("expected line %q, got %q", want, got)
	}
}

func TestLocalSession(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := spawnLocal(t, ctx, Config{}, echoAgent)

	bundle := []byte("bundle-bytes")
	if err := m.Upload(ctx, "dir/bot.bin", bytes.NewReader(bundle), int64(len(bundle))); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	expectLine(t, ctx, m, "ready")

	if err := m.SendInput(ctx, []byte("hello\n")); err != nil {
		t.Fatalf("send input failed: %v", err)
	}
	expectLine(t, ctx, m, "echo hello")

	if err := m.SendInput(ctx, []byte("nul\n")); err != nil {
		t.Fatalf("send input failed: %v", err)
	}
	expectLine(t, ctx, m, "ab")

	data, err := m.TakeFile(ctx, "bot.bin")
	if err != nil {
		t.Fatalf("take file failed: %v", err)
	}
	if !bytes.Equal(data, bundle) {
		t.Fatalf("expected uploaded bundle, got %q", data)
	}
	if _, err := m.TakeFile(ctx, "missing.txt"); !appErr.Is(err, appErr.FileNotFound) {
		t.Fatalf("expected FileNotFound, got %v", err)
	}

	if err := m.SendInput(ctx, []byte("quit\n")); err != nil {
		t.Fatalf("send input failed: %v", err)
	}
	_, err = m.NextMessage(ctx)
	if !appErr.Is(err, appErr.AgentTerminated) {
		t.Fatalf("expected AgentTerminated, got %v", err)
	}
	if got := appErr.GetError(err).Detail("stderr"); got != "bye" {
		t.Fatalf("expected stderr bye, got %q", got)
	}

	if err := m.Reboot(ctx, []string{"--fast"}); err != nil {
		t.Fatalf("reboot failed: %v", err)
	}
	expectLine(t, ctx, m, "ready --fast")

	if _, err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestRebootKillsRunningAgent(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := spawnLocal(t, ctx, Config{}, echoAgent)

	if err := m.Upload(ctx, "bot", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	expectLine(t, ctx, m, "ready")
	if err := m.Reboot(ctx, []string{"again"}); err != nil {
		t.Fatalf("reboot failed: %v", err)
	}
	// the killed agent must not report its exit
	expectLine(t, ctx, m, "ready again")
	if err := m.SendInput(ctx, []byte("ping\n")); err != nil {
		t.Fatalf("send input failed: %v", err)
	}
	expectLine(t, ctx, m, "echo ping")
}

func TestLongLinesAreTruncated(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chatty := func(ctx context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
		fmt.Fprint(stdout, strings.Repeat("x", 20)+"\nok\n")
		<-ctx.Done()
		return nil
	}
	m := spawnLocal(t, ctx, Config{MaxLine: 8}, chatty)
	if err := m.Upload(ctx, "bot", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	expectLine(t, ctx, m, "xxxxxxxx")
	expectLine(t, ctx, m, "ok")
}

func TestBootCommandPrefixesBundle(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seen := make(chan []string, 1)
	recordArgv := func(ctx context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
		seen <- argv
		<-ctx.Done()
		return nil
	}
	m := spawnLocal(t, ctx, Config{BootCommand: `python3 -u "my runner.py"`}, recordArgv)
	if err := m.Upload(ctx, "bot.py", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	argv := <-seen
	if len(argv) != 4 || argv[0] != "python3" || argv[1] != "-u" || argv[2] != "my runner.py" {
		t.Fatalf("unexpected argv %q", argv)
	}
	if filepath.Base(argv[3]) != "bot.py" {
		t.Fatalf("expected bundle path last, got %q", argv[3])
	}
}

func TestNewServerRejectsBadBootCommand(t *testing.T) {
	t.Parallel()
	_, err := NewServer(Config{BootCommand: `run "unterminated`}, FuncLauncher{Agent: echoAgent}, nopMounter{})
	if err == nil {
		t.Fatalf("expected boot command parse error")
	}
}

type fakeMounter struct {
	mu      sync.Mutex
	mounted []backend.MountRequest
	swapped bool
	err     error
}

func (f *fakeMounter) Mount(ctx context.Context, req backend.MountRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.mounted = append(f.mounted, req)
	return nil
}

func (f *fakeMounter) SwapOn(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swapped = true
	return nil
}

func serveRaw(t *testing.T, ctx context.Context, cfg Config, mounter Mounter) (*stream.Stream, net.Conn, <-chan error) {
	t.Helper()
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = t.TempDir()
	}
	srv, err := NewServer(cfg, FuncLauncher{Agent: echoAgent}, mounter)
	if err != nil {
		t.Fatalf("new server failed: %v", err)
	}
	hostConn, guestConn := net.Pipe()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, guestConn) }()
	t.Cleanup(func() { _ = hostConn.Close() })
	return stream.New(hostConn), hostConn, errCh
}

func TestHandshakeMountsVolumes(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mounter := &fakeMounter{}
	host, hostConn, errCh := serveRaw(t, ctx, Config{}, mounter)

	n := &backend.Negotiation{Mounts: []backend.MountRequest{
		{UUID: "u-scratch", Path: "/scratch"},
		{UUID: "u-data", Path: "/data", ReadOnly: true},
	}}
	if err := backend.Handshake(ctx, host, n); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	mounter.mu.Lock()
	if len(mounter.mounted) != 2 || mounter.mounted[1].Path != "/data" || !mounter.mounted[1].ReadOnly {
		t.Fatalf("unexpected mounts %+v", mounter.mounted)
	}
	if !mounter.swapped {
		t.Fatalf("expected swap to be enabled")
	}
	mounter.mu.Unlock()

	_ = hostConn.Close()
	if err := <-errCh; err != nil {
		t.Fatalf("expected clean exit on disconnect, got %v", err)
	}
}

func TestHandshakeMountFailure(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mounter := &fakeMounter{err: fmt.Errorf("no device")}
	host, _, errCh := serveRaw(t, ctx, Config{}, mounter)

	n := &backend.Negotiation{Mounts: []backend.MountRequest{{UUID: "u", Path: "/scratch"}}}
	if err := backend.Handshake(ctx, host, n); !appErr.Is(err, appErr.SandboxHandshakeFail) {
		t.Fatalf("expected handshake failure, got %v", err)
	}
	if err := <-errCh; !appErr.Is(err, appErr.SandboxHandshakeFail) {
		t.Fatalf("expected guest handshake failure, got %v", err)
	}
}

func TestCommandsBeforeUpload(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	host, _, errCh := serveRaw(t, ctx, Config{}, nopMounter{})
	if err := backend.Handshake(ctx, host, nil); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	if err := host.SendPrefixedFullMessage(ctx, []byte(wire.Input), []byte("dropped\n")); err != nil {
		t.Fatalf("send input failed: %v", err)
	}
	if err := host.SendPrefixedFullMessage(ctx, []byte(wire.Reboot), []byte(`[]`)); err != nil {
		t.Fatalf("send reboot failed: %v", err)
	}
	msg, err := host.NextFullMessage(ctx, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(msg) != wire.Terminated+"no agent bundle uploaded" {
		t.Fatalf("expected termination frame, got %q", msg)
	}

	if err := host.SendFullMessage(ctx, []byte("BOGUS")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := <-errCh; !appErr.Is(err, appErr.ProtocolViolation) {
		t.Fatalf("expected ProtocolViolation, got %v", err)
	}
}

func TestUploadLargerThanLimit(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	host, _, errCh := serveRaw(t, ctx, Config{MaxUpload: 10}, nopMounter{})
	if err := backend.Handshake(ctx, host, nil); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if err := host.SendPrefixedFullMessage(ctx, []byte(wire.UploadName), []byte("bot")); err != nil {
		t.Fatalf("send name failed: %v", err)
	}
	header := make([]byte, 1+wire.UploadLengthSize)
	header[0] = wire.UploadLength
	binary.BigEndian.PutUint64(header[1:], 100)
	if err := host.SendMessage(ctx, header, false); err != nil {
		t.Fatalf("send header failed: %v", err)
	}
	if err := <-errCh; !appErr.Is(err, appErr.ProtocolViolation) {
		t.Fatalf("expected ProtocolViolation, got %v", err)
	}
}

func TestHeadBufferKeepsPrefix(t *testing.T) {
	t.Parallel()
	h := &headBuffer{max: 4}
	for _, chunk := range []string{"ab", "cdef", "gh"} {
		if n, err := h.Write([]byte(chunk)); err != nil || n != len(chunk) {
			t.Fatalf("expected full write, got %d %v", n, err)
		}
	}
	if got := string(h.Bytes()); got != "abcd" {
		t.Fatalf("expected abcd, got %q", got)
	}
}

func TestStripNUL(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"plain":    "plain",
		"a\x00b":   "ab",
		"\x00\x00": "",
		"":         "",
	}
	for in, want := range cases {
		if got := string(stripNUL([]byte(in))); got != want {
			t.Fatalf("stripNUL(%q): expected %q, got %q", in, want, got)
		}
	}
}

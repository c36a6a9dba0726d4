package agent

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"agentarena/internal/sandbox/backend"
	"agentarena/internal/sandbox/recorder"
	"agentarena/internal/sandbox/stream"
	appErr "agentarena/pkg/errors"
)

type fakeSandbox struct {
	conn       net.Conn
	output     string
	connectErr error
	shutdowns  int
}

func (f *fakeSandbox) ID() string { return "fake-1" }

func (f *fakeSandbox) Connect(context.Context) (*stream.Stream, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return stream.New(f.conn), nil
}

func (f *fakeSandbox) TakeRecorder(maxLen int) (*recorder.Recorder, error) {
	return recorder.New(strings.NewReader(f.output), maxLen), nil
}

func (f *fakeSandbox) Shutdown(context.Context) error {
	f.shutdowns++
	if f.conn != nil {
		_ = f.conn.Close()
	}
	return nil
}

type fakeBackend struct {
	sb *fakeSandbox
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Spawn(context.Context, backend.SpawnRequest) (backend.Sandbox, error) {
	return b.sb, nil
}

// fakeGuest records everything the host writes and replays queued frames in order.
type fakeGuest struct {
	conn  net.Conn
	mu    sync.Mutex
	seen  bytes.Buffer
	outbo chan []byte
}

func newFakeGuest(conn net.Conn) *fakeGuest {
	g := &fakeGuest{conn: conn, outbo: make(chan []byte, 16)}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			g.mu.Lock()
			g.seen.Write(buf[:n])
			g.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	go func() {
		for b := range g.outbo {
			if _, err := conn.Write(b); err != nil {
				return
			}
		}
	}()
	return g
}

func (g *fakeGuest) send(frames ...string) {
	g.outbo <- []byte(strings.Join(frames, ""))
}

func (g *fakeGuest) waitSeen(t *testing.T, want []byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		ok := bytes.Contains(g.seen.Bytes(), want)
		g.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	t.Fatalf("expected guest to receive %q, got %q", want, g.seen.Bytes())
}

func spawnManager(t *testing.T, opts Options) (*Manager, *fakeGuest, *fakeSandbox) {
	t.Helper()
	host, guest := net.Pipe()
	sb := &fakeSandbox{conn: host, output: "boot\n" + recorder.BootSentinel + "\nagent log\n"}
	m, err := Spawn(context.Background(), &fakeBackend{sb: sb}, backend.SpawnRequest{}, opts)
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	g := newFakeGuest(guest)
	t.Cleanup(func() {
		_, _ = m.Shutdown(context.Background())
		_ = guest.Close()
		close(g.outbo)
	})
	return m, g, sb
}

func withTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestUploadWireSequence(t *testing.T) {
	t.Parallel()
	m, g, _ := spawnManager(t, Options{})
	bundle := make([]byte, 100)
	for i := range bundle {
		bundle[i] = byte(i)
	}
	g.send("RECEIVED\x00", "SPAWNED\x00")

	if err := m.Upload(withTimeout(t, 2*time.Second), "agent.tar.gz", bytes.NewReader(bundle), int64(len(bundle))); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if !m.Running() {
		t.Fatalf("expected agent to be running after upload")
	}

	var want bytes.Buffer
	want.WriteString("Nagent.tar.gz\x00")
	want.WriteByte('F')
	_ = binary.Write(&want, binary.BigEndian, uint64(100))
	want.Write(bundle)
	want.WriteString("FILE ENDS\x00")
	g.waitSeen(t, want.Bytes())
}

func TestUploadFailureShutsDownWithLogs(t *testing.T) {
	t.Parallel()
	m, g, sb := spawnManager(t, Options{})
	g.send("RECEIVED\x00", "CRASHED\x00")

	err := m.Upload(withTimeout(t, 2*time.Second), "agent.tar.gz", strings.NewReader("abc"), 3)
	if !appErr.Is(err, appErr.AgentUploadFailed) {
		t.Fatalf("expected upload failure, got %v", err)
	}
	if appErr.KindOf(err) != appErr.FaultSetup {
		t.Fatalf("expected setup fault, got %s", appErr.KindOf(err))
	}
	if got := appErr.GetError(err).Detail("vm_logs"); got != "agent log\n" {
		t.Fatalf("expected vm logs after boot sentinel, got %q", got)
	}
	if sb.shutdowns != 1 {
		t.Fatalf("expected one sandbox shutdown, got %d", sb.shutdowns)
	}
	if m.Running() {
		t.Fatalf("expected agent not running")
	}
}

func TestUploadShortBundle(t *testing.T) {
	t.Parallel()
	m, _, _ := spawnManager(t, Options{})
	err := m.Upload(withTimeout(t, 2*time.Second), "agent.tar.gz", strings.NewReader("abc"), 10)
	if !appErr.Is(err, appErr.AgentUploadFailed) {
		t.Fatalf("expected upload failure, got %v", err)
	}
}

func TestSpawnConnectFailureAttachesLogs(t *testing.T) {
	t.Parallel()
	sb := &fakeSandbox{
		output:     recorder.BootSentinel + "\nno vsock device\n",
		connectErr: appErr.New(appErr.SandboxConnectFailed),
	}
	_, err := Spawn(context.Background(), &fakeBackend{sb: sb}, backend.SpawnRequest{}, Options{})
	if !appErr.Is(err, appErr.SandboxConnectFailed) {
		t.Fatalf("expected connect failure, got %v", err)
	}
	if got := appErr.GetError(err).Detail("vm_logs"); got != "no vsock device\n" {
		t.Fatalf("unexpected vm logs %q", got)
	}
	if sb.shutdowns != 1 {
		t.Fatalf("expected one sandbox shutdown, got %d", sb.shutdowns)
	}
}

func TestNextMessageBeforeBootIsTerminated(t *testing.T) {
	t.Parallel()
	m, _, _ := spawnManager(t, Options{})
	_, err := m.NextMessage(context.Background())
	if !appErr.Is(err, appErr.AgentTerminated) {
		t.Fatalf("expected terminated, got %v", err)
	}
}

func TestTerminationIsSticky(t *testing.T) {
	t.Parallel()
	m, g, sb := spawnManager(t, Options{})
	ctx := withTimeout(t, 2*time.Second)
	if err := m.Reboot(ctx, nil); err != nil {
		t.Fatalf("reboot failed: %v", err)
	}
	g.send("OUTPUT_hello\x00", "F_panic: boom\x00")

	line, err := m.NextMessage(ctx)
	if err != nil || string(line) != "hello" {
		t.Fatalf("expected hello, got %q (%v)", line, err)
	}
	_, err = m.NextMessage(ctx)
	if !appErr.Is(err, appErr.AgentTerminated) {
		t.Fatalf("expected terminated, got %v", err)
	}
	if got := appErr.GetError(err).Detail("stderr"); got != "panic: boom" {
		t.Fatalf("expected stderr, got %q", got)
	}

	// the channel is gone, so any read would fail with a stream error
	_ = sb.conn.Close()
	for i := 0; i < 3; i++ {
		_, err = m.NextMessage(ctx)
		if !appErr.Is(err, appErr.AgentTerminated) {
			t.Fatalf("call %d: expected terminated, got %v", i, err)
		}
	}
}

func TestRebootResetsTermination(t *testing.T) {
	t.Parallel()
	m, g, _ := spawnManager(t, Options{})
	ctx := withTimeout(t, 2*time.Second)
	if err := m.Reboot(ctx, nil); err != nil {
		t.Fatalf("reboot failed: %v", err)
	}
	g.send("F_\x00")
	if _, err := m.NextMessage(ctx); !appErr.Is(err, appErr.AgentTerminated) {
		t.Fatalf("expected terminated, got %v", err)
	}

	if err := m.Reboot(ctx, []string{"--seed", "7"}); err != nil {
		t.Fatalf("reboot failed: %v", err)
	}
	if !m.Running() {
		t.Fatalf("expected running after reboot")
	}
	g.waitSeen(t, []byte(`REBOOT_["--seed","7"]`+"\x00"))

	_, err := m.NextMessage(withTimeout(t, 100*time.Millisecond))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the read to block until the deadline, got %v", err)
	}

	g.send("OUTPUT_STARTUP\x00")
	line, err := m.NextMessage(ctx)
	if err != nil || string(line) != "STARTUP" {
		t.Fatalf("expected STARTUP, got %q (%v)", line, err)
	}
}

func TestSendInput(t *testing.T) {
	t.Parallel()
	m, g, _ := spawnManager(t, Options{})
	ctx := withTimeout(t, 2*time.Second)
	if err := m.SendInput(ctx, []byte("move 3\n")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	g.waitSeen(t, []byte("INPUT_move 3\n\x00"))

	if err := m.SendInput(ctx, []byte{'a', 0, 'b'}); !appErr.Is(err, appErr.InvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}

func TestTakeFile(t *testing.T) {
	t.Parallel()
	m, g, _ := spawnManager(t, Options{MaxFileSize: 8})
	ctx := withTimeout(t, 2*time.Second)
	if err := m.Reboot(ctx, nil); err != nil {
		t.Fatalf("reboot failed: %v", err)
	}
	g.send(
		"OUTPUT_first\x00", "FILE_5\x00", "he\x00lo",
		"FILEERR_NOTFOUND\x00",
		"FILE_12\x00", "0123456789ab", "OUTPUT_second\x00",
		"FILEERR_permission denied\x00",
		"OUTPUT_third\x00",
	)

	data, err := m.TakeFile(ctx, "/scratch/replay.bin")
	if err != nil {
		t.Fatalf("take file failed: %v", err)
	}
	if string(data) != "he\x00lo" {
		t.Fatalf("expected file bytes, got %q", data)
	}
	g.waitSeen(t, []byte("TAKEFILE_/scratch/replay.bin\x00"))

	if _, err := m.TakeFile(ctx, "/missing"); !appErr.Is(err, appErr.FileNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = m.TakeFile(ctx, "/big")
	if !appErr.Is(err, appErr.FileTooLarge) {
		t.Fatalf("expected too large, got %v", err)
	}
	if appErr.KindOf(err) != appErr.FaultResource {
		t.Fatalf("expected resource fault, got %s", appErr.KindOf(err))
	}
	if _, err := m.TakeFile(ctx, "/secret"); !appErr.Is(err, appErr.FileReadFailed) {
		t.Fatalf("expected read failure, got %v", err)
	}

	for _, want := range []string{"first", "second", "third"} {
		line, err := m.NextMessage(ctx)
		if err != nil || string(line) != want {
			t.Fatalf("expected %q, got %q (%v)", want, line, err)
		}
	}
}

func TestInterruptedTakeFileResyncs(t *testing.T) {
	t.Parallel()
	m, g, _ := spawnManager(t, Options{})
	ctx := withTimeout(t, 2*time.Second)
	if err := m.Reboot(ctx, nil); err != nil {
		t.Fatalf("reboot failed: %v", err)
	}
	g.send("FILE_6\x00", "abc")

	_, err := m.TakeFile(withTimeout(t, 150*time.Millisecond), "/slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	g.send("d\x00f", "OUTPUT_after\x00")
	line, err := m.NextMessage(ctx)
	if err != nil || string(line) != "after" {
		t.Fatalf("expected after, got %q (%v)", line, err)
	}
}

func TestTakeFileTimeoutBeforeHeader(t *testing.T) {
	t.Parallel()
	m, g, _ := spawnManager(t, Options{})
	ctx := withTimeout(t, 2*time.Second)
	if err := m.Reboot(ctx, nil); err != nil {
		t.Fatalf("reboot failed: %v", err)
	}

	_, err := m.TakeFile(withTimeout(t, 100*time.Millisecond), "/slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	g.send("OUTPUT_before\x00", "FILE_3\x00", "abc", "OUTPUT_after\x00")
	for _, want := range []string{"before", "after"} {
		line, err := m.NextMessage(ctx)
		if err != nil || string(line) != want {
			t.Fatalf("expected %q, got %q (%v)", want, line, err)
		}
	}
}

func TestTakeFileSkipsAbandonedReplies(t *testing.T) {
	t.Parallel()
	m, g, _ := spawnManager(t, Options{})
	ctx := withTimeout(t, 2*time.Second)
	if err := m.Reboot(ctx, nil); err != nil {
		t.Fatalf("reboot failed: %v", err)
	}
	for _, path := range []string{"/a", "/b"} {
		if _, err := m.TakeFile(withTimeout(t, 50*time.Millisecond), path); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline for %s, got %v", path, err)
		}
	}

	g.send(
		"FILE_4\x00", "\x00\x00\x00\x00",
		"OUTPUT_mid\x00",
		"FILEERR_NOTFOUND\x00",
		"FILE_2\x00", "ok",
	)
	data, err := m.TakeFile(ctx, "/c")
	if err != nil || string(data) != "ok" {
		t.Fatalf("expected ok, got %q (%v)", data, err)
	}
	line, err := m.NextMessage(ctx)
	if err != nil || string(line) != "mid" {
		t.Fatalf("expected mid, got %q (%v)", line, err)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	m, _, sb := spawnManager(t, Options{})
	logs, err := m.Shutdown(context.Background())
	if err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if logs != "agent log\n" {
		t.Fatalf("unexpected logs %q", logs)
	}
	again, err := m.Shutdown(context.Background())
	if err != nil || again != logs {
		t.Fatalf("expected cached result, got %q (%v)", again, err)
	}
	if sb.shutdowns != 1 {
		t.Fatalf("expected one sandbox shutdown, got %d", sb.shutdowns)
	}
	if err := m.SendInput(context.Background(), []byte("x")); !appErr.Is(err, appErr.StreamClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

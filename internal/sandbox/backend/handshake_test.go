package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"agentarena/internal/sandbox/stream"
	appErr "agentarena/pkg/errors"
)

func TestMountRequestTupleEncoding(t *testing.T) {
	t.Parallel()
	in := []MountRequest{
		{UUID: "1b4e28ba-2fa1-11d2-883f-0016d3cca427", Path: "/scratch"},
		{UUID: "6fa459ea-ee8a-3ca4-894e-db77e160355e", Path: "/data", ReadOnly: true},
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `[["1b4e28ba-2fa1-11d2-883f-0016d3cca427","/scratch",false],["6fa459ea-ee8a-3ca4-894e-db77e160355e","/data",true]]`
	if string(b) != want {
		t.Fatalf("expected %s, got %s", want, b)
	}

	var out []MountRequest
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(out) != 2 || out[1] != in[1] {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}

func TestMountRequestRejectsShortTuple(t *testing.T) {
	t.Parallel()
	var m MountRequest
	if err := json.Unmarshal([]byte(`["id","/x"]`), &m); err == nil {
		t.Fatalf("expected error for short tuple")
	}
}

func TestHandshakeNegotiated(t *testing.T) {
	t.Parallel()
	host, guest := net.Pipe()
	defer host.Close()
	defer guest.Close()

	received := make(chan []byte, 1)
	go func() {
		var got []byte
		buf := make([]byte, 256)
		for bytes.Count(got, []byte{0}) < 2 {
			n, err := guest.Read(buf)
			if err != nil {
				break
			}
			got = append(got, buf[:n]...)
		}
		received <- got
		_, _ = guest.Write([]byte("MOUNTED\x00"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n := &Negotiation{Mounts: []MountRequest{{UUID: "u1", Path: "/scratch"}}}
	if err := Handshake(ctx, stream.New(host), n); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	want := "MOUNTREQUEST_[[\"u1\",\"/scratch\",false]]\x00SWAPON\x00"
	if got := string(<-received); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestHandshakeWithoutNegotiation(t *testing.T) {
	t.Parallel()
	host, guest := net.Pipe()
	defer host.Close()
	defer guest.Close()

	received := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := io.ReadAtLeast(guest, buf, len(NoMountRequest)+1)
		received <- string(buf[:n])
	}()

	if err := Handshake(context.Background(), stream.New(host), nil); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if got := <-received; got != NoMountRequest+"\x00" {
		t.Fatalf("expected no-mount sentinel, got %q", got)
	}
}

func TestHandshakeWrongConfirmation(t *testing.T) {
	t.Parallel()
	host, guest := net.Pipe()
	defer host.Close()
	defer guest.Close()

	go func() {
		buf := make([]byte, 256)
		zeros := 0
		for zeros < 2 {
			n, err := guest.Read(buf)
			if err != nil {
				return
			}
			zeros += bytes.Count(buf[:n], []byte{0})
		}
		_, _ = guest.Write([]byte("NOPE\x00"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := Handshake(ctx, stream.New(host), &Negotiation{})
	if !appErr.Is(err, appErr.SandboxHandshakeFail) {
		t.Fatalf("expected handshake failure, got %v", err)
	}
}

func TestDialUntilReadyRetries(t *testing.T) {
	t.Parallel()
	attempts := 0
	client, server := net.Pipe()
	defer server.Close()
	dial := func(context.Context) (net.Conn, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return client, nil
	}
	conn, err := dialUntilReady(context.Background(), make(chan struct{}), dial)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDialUntilReadyStopsWhenSandboxExits(t *testing.T) {
	t.Parallel()
	exited := make(chan struct{})
	close(exited)
	dial := func(context.Context) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	_, err := dialUntilReady(context.Background(), exited, dial)
	if !appErr.Is(err, appErr.SandboxConnectFailed) {
		t.Fatalf("expected connect failure, got %v", err)
	}
}

func TestDialUntilReadyHonoursDeadline(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	dial := func(context.Context) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	_, err := dialUntilReady(ctx, make(chan struct{}), dial)
	if !appErr.Is(err, appErr.SandboxConnectFailed) {
		t.Fatalf("expected connect failure, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline in chain, got %v", err)
	}
}

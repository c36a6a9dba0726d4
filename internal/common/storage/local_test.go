package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	appErr "agentarena/pkg/errors"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	t.Parallel()
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new storage failed: %v", err)
	}
	ctx := context.Background()
	body := []byte("bundle bytes")
	if err := s.PutObject(ctx, "bundles", "a/b.tar", bytes.NewReader(body), int64(len(body)), ""); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	stat, err := s.StatObject(ctx, "bundles", "a/b.tar")
	if err != nil || stat.SizeBytes != int64(len(body)) {
		t.Fatalf("expected size %d, got %d (%v)", len(body), stat.SizeBytes, err)
	}
	r, err := s.GetObject(ctx, "bundles", "a/b.tar")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, body) {
		t.Fatalf("expected %q, got %q", body, got)
	}
}

func TestLocalStorageErrors(t *testing.T) {
	t.Parallel()
	s, _ := NewLocalStorage(t.TempDir())
	ctx := context.Background()

	if _, err := s.StatObject(ctx, "bundles", "missing"); appErr.GetCode(err) != appErr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := s.GetObject(ctx, "bundles", "../../etc/passwd"); appErr.GetCode(err) != appErr.InvalidParams {
		t.Fatalf("expected escape to be rejected, got %v", err)
	}
}

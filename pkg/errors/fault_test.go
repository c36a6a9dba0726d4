package errors_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	. "agentarena/pkg/errors"
)

func TestErrorCode_Kind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code ErrorCode
		want FaultKind
	}{
		{StreamClosed, FaultProtocol},
		{ProtocolViolation, FaultProtocol},
		{SandboxSpawnFailed, FaultSetup},
		{AgentUploadFailed, FaultSetup},
		{BundleGone, FaultSetup},
		{AgentTimeout, FaultAgent},
		{AgentTerminated, FaultAgent},
		{AgentMisbehaved, FaultAgent},
		{FileTooLarge, FaultResource},
		{FileNotFound, FaultResource},
		{InternalServerError, FaultSystem},
		{MatchCancelled, FaultSystem},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.code.Message(), func(t *testing.T) {
			t.Parallel()
			if got := tt.code.Kind(); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestAttributedAgent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		wantAgent int
		wantOK    bool
	}{
		{name: "nil", err: nil},
		{name: "plain", err: errors.New("boom")},
		{name: "timeout", err: New(AgentTimeout).WithAgent(2), wantAgent: 2, wantOK: true},
		{name: "misbehaved", err: AgentFault(1, "bad move %q", "x"), wantAgent: 1, wantOK: true},
		{name: "wrapped", err: fmt.Errorf("round 3: %w", New(AgentTerminated).WithAgent(0)), wantAgent: 0, wantOK: true},
		{name: "resource-with-agent", err: New(FileNotFound).WithAgent(1)},
		{name: "protocol", err: New(StreamClosed)},
		{name: "blamed-resource", err: Blame(New(FileNotFound), 3), wantAgent: 3, wantOK: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			agent, ok := AttributedAgent(tt.err)
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if ok && agent != tt.wantAgent {
				t.Fatalf("expected agent %d, got %d", tt.wantAgent, agent)
			}
		})
	}
}

func TestGetCodeThroughWrapping(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("outer: %w", New(FileTooLarge))
	if got := GetCode(err); got != FileTooLarge {
		t.Fatalf("expected %d, got %d", FileTooLarge, got)
	}
	if !Is(err, FileTooLarge) {
		t.Fatal("expected Is to match wrapped code")
	}
	if GetCode(context.Canceled) != InternalServerError {
		t.Fatal("expected plain errors to map to internal error")
	}
}

func TestDetail(t *testing.T) {
	t.Parallel()
	err := New(AgentTerminated).WithDetail("stderr", "panic").WithDetail("code", 3)
	if got := err.Detail("stderr"); got != "panic" {
		t.Fatalf("expected panic, got %q", got)
	}
	if got := err.Detail("code"); got != "3" {
		t.Fatalf("expected 3, got %q", got)
	}
	if got := err.Detail("missing"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestWrapKeepsCustomError(t *testing.T) {
	t.Parallel()
	orig := New(StreamIO)
	wrapped := Wrap(orig, SandboxConnectFailed)
	if wrapped != orig {
		t.Fatal("expected Wrap to reuse the custom error")
	}
	if wrapped.Code != SandboxConnectFailed {
		t.Fatalf("expected code %d, got %d", SandboxConnectFailed, wrapped.Code)
	}
	if Wrap(nil, StreamIO) != nil {
		t.Fatal("expected nil for nil error")
	}
}

package guest

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"

	"agentarena/internal/sandbox/wire"
	"agentarena/pkg/utils/logger"

	"github.com/zeromicro/go-zero/core/threading"
	"go.uber.org/zap"
)

// LaunchSpec describes one agent process.
type LaunchSpec struct {
	Argv []string
	Dir  string
}

// Process is a started agent. Stdout and Stderr must be read to EOF before Wait.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	// Kill stops the process and everything it started.
	Kill() error
}

// Launcher starts agent processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// agentProc tracks one launched process and the goroutine forwarding its output.
type agentProc struct {
	proc Process
	done chan struct{}

	// held while forwarding so that silencing waits for an in-flight frame
	mu       sync.Mutex
	silenced bool
}

func (a *agentProc) silence() {
	a.mu.Lock()
	a.silenced = true
	a.mu.Unlock()
}

// forward sends one frame unless the process has been silenced.
func (a *agentProc) forward(ctx context.Context, sess *session, prefix string, payload []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.silenced {
		return
	}
	if err := sess.send(ctx, prefix, stripNUL(payload)); err != nil {
		logger.Debug(ctx, "forward agent output failed", zap.Error(err))
	}
}

// pump forwards stdout line by line and reports the exit with the captured stderr.
func (a *agentProc) pump(ctx context.Context, sess *session, maxLine, maxStderr int) {
	defer close(a.done)

	stderr := &headBuffer{max: maxStderr}
	group := threading.NewRoutineGroup()
	group.RunSafe(func() {
		_, _ = io.Copy(stderr, a.proc.Stderr())
	})

	reader := bufio.NewReader(a.proc.Stdout())
	var line []byte
	truncated := false
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			if len(line) > 0 {
				a.forward(ctx, sess, wire.Output, line)
			}
			break
		}
		if !truncated {
			room := maxLine - len(line)
			if len(chunk) > room {
				chunk = chunk[:room]
				truncated = true
			}
			line = append(line, chunk...)
		}
		if isPrefix {
			continue
		}
		a.forward(ctx, sess, wire.Output, line)
		line = line[:0]
		truncated = false
	}

	group.Wait()
	err := a.proc.Wait()
	logger.Info(ctx, "agent exited", zap.Error(err))
	a.forward(ctx, sess, wire.Terminated, stderr.Bytes())
}

// headBuffer keeps the first max bytes written to it and drops the rest.
type headBuffer struct {
	max int
	buf bytes.Buffer
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := h.max - h.buf.Len(); room > 0 {
		if len(p) > room {
			h.buf.Write(p[:room])
		} else {
			h.buf.Write(p)
		}
	}
	return len(p), nil
}

func (h *headBuffer) Bytes() []byte {
	return h.buf.Bytes()
}

func stripNUL(b []byte) []byte {
	if bytes.IndexByte(b, 0) < 0 {
		return b
	}
	return bytes.ReplaceAll(b, []byte{0}, nil)
}

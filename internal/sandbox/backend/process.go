package backend

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"agentarena/internal/sandbox/recorder"
	appErr "agentarena/pkg/errors"

	"github.com/zeromicro/go-zero/core/threading"
)

// process is a sandbox host process whose stdout and stderr share one pipe.
type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
	// result of cmd.Wait; read only after exited is closed
	err error

	mu  sync.Mutex
	out *os.File
}

func startProcess(dir, name string, args ...string) (*process, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = processAttr()
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	_ = pw.Close()

	p := &process{cmd: cmd, exited: make(chan struct{}), out: pr}
	threading.GoSafe(func() {
		p.err = cmd.Wait()
		close(p.exited)
	})
	return p, nil
}

// recorder hands the output pipe to a new recorder, which owns it from then on.
func (p *process) recorder(maxLen int) (*recorder.Recorder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out == nil {
		return nil, appErr.New(appErr.RecorderUnavailable).WithMessage("sandbox output already taken")
	}
	out := p.out
	p.out = nil
	return recorder.New(out, maxLen), nil
}

// exitStatus describes how the process ended, or "" while it still runs.
func (p *process) exitStatus() string {
	select {
	case <-p.exited:
	default:
		return ""
	}
	if p.err == nil {
		return "exit status 0"
	}
	return p.err.Error()
}

// withExitStatus attaches the exit status of a process that died before the
// guest came up.
func (p *process) withExitStatus(err error) error {
	status := p.exitStatus()
	var e *appErr.Error
	if status == "" || !errors.As(err, &e) {
		return err
	}
	return e.WithDetail("exit_status", status)
}

// stop kills the process group and waits briefly for the process to exit.
func (p *process) stop() error {
	var errs []error
	if p.cmd.Process != nil {
		if err := killProcessGroup(p.cmd.Process.Pid); err != nil {
			errs = append(errs, fmt.Errorf("kill process group: %w", err))
		}
	}
	if !waitExit(p.exited, stopWait) {
		errs = append(errs, fmt.Errorf("process %d did not exit within %s", p.cmd.Process.Pid, stopWait))
	}

	p.mu.Lock()
	if p.out != nil {
		_ = p.out.Close()
		p.out = nil
	}
	p.mu.Unlock()
	return errors.Join(errs...)
}

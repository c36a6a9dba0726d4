//go:build linux

package guest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Launch starts the init step with the request on an inherited pipe.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	req := InitRequest{
		Argv:           spec.Argv,
		Dir:            spec.Dir,
		Env:            buildEnv(l.Env),
		Limits:         l.Limits,
		SeccompProfile: l.SeccompProfile,
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode init request: %w", err)
	}
	initPath, err := l.initPath()
	if err != nil {
		return nil, fmt.Errorf("resolve init binary: %w", err)
	}

	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create request pipe: %w", err)
	}
	defer reqR.Close()

	cmd := exec.Command(initPath, InitCommand)
	cmd.Dir = spec.Dir
	cmd.ExtraFiles = []*os.File{reqR}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = reqW.Close()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = reqW.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = reqW.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		_ = reqW.Close()
		return nil, fmt.Errorf("start agent: %w", err)
	}
	_, werr := reqW.Write(payload)
	_ = reqW.Close()
	if werr != nil {
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		_ = cmd.Wait()
		return nil, fmt.Errorf("send init request: %w", werr)
	}

	pid := cmd.Process.Pid
	return &execProcess{
		pid:    pid,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		wait:   cmd.Wait,
		kill: func() error {
			if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
				return err
			}
			return nil
		},
	}, nil
}

package guest

import (
	"fmt"
	"io"
	"os"
)

// InitCommand is the hidden subcommand the guest binary re-executes itself
// with to confine an agent before exec.
const InitCommand = "agent-init"

// initRequestFD is where the child finds its InitRequest.
const initRequestFD = 3

// Limits are resource limits applied to the agent process. Zero leaves a
// limit untouched.
type Limits struct {
	CPUTimeSec int64 `yaml:"cpuTimeSec" json:"cpuTimeSec"`
	FileSizeMB int64 `yaml:"fileSizeMB" json:"fileSizeMB"`
	StackMB    int64 `yaml:"stackMB" json:"stackMB"`
	Processes  int64 `yaml:"processes" json:"processes"`
	OpenFiles  int64 `yaml:"openFiles" json:"openFiles"`
}

// InitRequest is handed to the init step over an inherited pipe.
type InitRequest struct {
	Argv           []string `json:"argv"`
	Dir            string   `json:"dir"`
	Env            []string `json:"env"`
	Limits         Limits   `json:"limits"`
	SeccompProfile string   `json:"seccompProfile,omitempty"`
}

func (r InitRequest) validate() error {
	if len(r.Argv) == 0 {
		return fmt.Errorf("command is required")
	}
	if r.Dir == "" {
		return fmt.Errorf("work dir is required")
	}
	return nil
}

// ExecLauncher runs agents as child processes in their own process group.
// Each child first runs the init step of InitPath, which applies Limits and
// the seccomp profile and then execs the agent.
type ExecLauncher struct {
	// InitPath defaults to the running executable.
	InitPath       string
	Env            []string
	Limits         Limits
	SeccompProfile string
}

func (l *ExecLauncher) initPath() (string, error) {
	if l.InitPath != "" {
		return l.InitPath, nil
	}
	return os.Executable()
}

func buildEnv(env []string) []string {
	if len(env) > 0 {
		return env
	}
	return []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
}

type execProcess struct {
	pid    int
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	wait   func() error
	kill   func() error
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Wait() error           { return p.wait() }
func (p *execProcess) Kill() error           { return p.kill() }

//go:build linux

package guest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// RunInit is the body of the init step. It reads the InitRequest from the
// inherited descriptor, confines the process and replaces it with the agent.
// It only returns on failure.
func RunInit() error {
	f := os.NewFile(initRequestFD, "init-request")
	if f == nil {
		return fmt.Errorf("init request descriptor missing")
	}
	req, err := decodeInitRequest(f)
	_ = f.Close()
	if err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}

	if err := os.Chdir(req.Dir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	if err := applyRlimits(req.Limits); err != nil {
		return err
	}
	if req.SeccompProfile != "" {
		if err := applySeccomp(req.SeccompProfile); err != nil {
			return err
		}
	}

	env := buildEnv(req.Env)
	os.Clearenv()
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("set env: %w", err)
		}
	}

	cmdPath, err := exec.LookPath(req.Argv[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}
	return unix.Exec(cmdPath, req.Argv, env)
}

func decodeInitRequest(r io.Reader) (InitRequest, error) {
	var req InitRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return InitRequest{}, fmt.Errorf("decode init request: %w", err)
	}
	return req, nil
}

func applyRlimits(limits Limits) error {
	set := func(resource int, value uint64, name string) error {
		if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: value, Max: value}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", name, err)
		}
		return nil
	}
	if limits.CPUTimeSec > 0 {
		if err := set(unix.RLIMIT_CPU, uint64(limits.CPUTimeSec), "cpu"); err != nil {
			return err
		}
	}
	if limits.FileSizeMB > 0 {
		if err := set(unix.RLIMIT_FSIZE, uint64(limits.FileSizeMB)<<20, "fsize"); err != nil {
			return err
		}
	}
	if limits.StackMB > 0 {
		if err := set(unix.RLIMIT_STACK, uint64(limits.StackMB)<<20, "stack"); err != nil {
			return err
		}
	}
	if limits.Processes > 0 {
		if err := set(unix.RLIMIT_NPROC, uint64(limits.Processes), "nproc"); err != nil {
			return err
		}
	}
	if limits.OpenFiles > 0 {
		if err := set(unix.RLIMIT_NOFILE, uint64(limits.OpenFiles), "nofile"); err != nil {
			return err
		}
	}
	return nil
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func applySeccomp(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("read seccomp profile: %w", err)
	}
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse seccomp profile: %w", err)
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				return fmt.Errorf("unknown syscall %s: %w", name, err)
			}
			if err := filter.AddRule(call, action); err != nil {
				return fmt.Errorf("add seccomp rule: %w", err)
			}
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}

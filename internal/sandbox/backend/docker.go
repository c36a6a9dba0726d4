package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"agentarena/internal/sandbox/recorder"
	"agentarena/internal/sandbox/stream"
	appErr "agentarena/pkg/errors"

	"github.com/google/uuid"
)

const (
	defaultDockerBinary = "docker"
	// GuestSocketDir is where the socket directory is bound inside containers.
	GuestSocketDir = "/run/arena"
	// GuestSocketName is the unix socket the container entrypoint listens on.
	GuestSocketName = "agent.sock"

	removeTimeout = 5 * time.Second
)

// DockerSettings configures the container backend.
type DockerSettings struct {
	Binary         string        `yaml:"binary"`
	Image          string        `yaml:"image"`
	Runtime        string        `yaml:"runtime"`
	Pull           string        `yaml:"pull"`
	Network        string        `yaml:"network"`
	CPUs           string        `yaml:"cpus"`
	PidsLimit      int           `yaml:"pidsLimit"`
	ExtraArgs      []string      `yaml:"extraArgs"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// Docker runs each sandbox as a container driven through the docker CLI.
type Docker struct {
	settings DockerSettings
}

// NewDocker validates settings and creates the backend.
func NewDocker(settings DockerSettings) (*Docker, error) {
	if settings.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	if settings.Binary == "" {
		settings.Binary = defaultDockerBinary
	}
	if settings.Network == "" {
		settings.Network = "none"
	}
	if settings.PidsLimit <= 0 {
		settings.PidsLimit = 256
	}
	if settings.ConnectTimeout <= 0 {
		settings.ConnectTimeout = DefaultConnectTimeout
	}
	return &Docker{settings: settings}, nil
}

func (d *Docker) Name() string {
	return "docker"
}

// Spawn starts the container in the foreground so its output can be recorded.
func (d *Docker) Spawn(ctx context.Context, req SpawnRequest) (Sandbox, error) {
	if err := validateSpawnRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(req.WorkDir, "ctr-")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxSpawnFailed, "create sandbox dir failed")
	}
	for _, sub := range []string{"scratch", "sock"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o777); err != nil {
			_ = os.RemoveAll(dir)
			return nil, appErr.Wrapf(err, appErr.SandboxSpawnFailed, "create sandbox dir failed")
		}
	}

	name := "arena-" + uuid.NewString()
	proc, err := startProcess(dir, d.settings.Binary, d.runArgs(name, dir, req)...)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, appErr.Wrapf(err, appErr.SandboxSpawnFailed, "start container failed: %v", err)
	}
	return &container{
		name:    name,
		binary:  d.settings.Binary,
		dir:     dir,
		socket:  filepath.Join(dir, "sock", GuestSocketName),
		timeout: d.settings.ConnectTimeout,
		proc:    proc,
	}, nil
}

func (d *Docker) runArgs(name, dir string, req SpawnRequest) []string {
	memory := strconv.FormatInt(req.RAMBudgetMB, 10) + "m"
	args := []string{
		"run", "--rm",
		"--name", name,
		"--network", d.settings.Network,
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", strconv.Itoa(d.settings.PidsLimit),
		"--memory", memory,
		"--memory-swap", memory,
		"-v", filepath.Join(dir, "scratch") + ":" + ScratchGuestPath + ":rw",
		"-v", filepath.Join(dir, "sock") + ":" + GuestSocketDir + ":rw",
	}
	for _, m := range req.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", m.HostPath+":"+m.GuestPath+":"+mode)
	}
	if d.settings.CPUs != "" {
		args = append(args, "--cpus", d.settings.CPUs)
	}
	if d.settings.Runtime != "" {
		args = append(args, "--runtime", d.settings.Runtime)
	}
	if d.settings.Pull != "" {
		args = append(args, "--pull", d.settings.Pull)
	}
	args = append(args, d.settings.ExtraArgs...)
	return append(args, d.settings.Image)
}

type container struct {
	name    string
	binary  string
	dir     string
	socket  string
	timeout time.Duration
	proc    *process

	shutdownOnce sync.Once
	shutdownErr  error
}

func (c *container) ID() string {
	return c.name
}

func (c *container) Connect(ctx context.Context) (*stream.Stream, error) {
	var dialer net.Dialer
	dial := func(ctx context.Context) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", c.socket)
	}
	s, err := connect(ctx, c.timeout, c.proc.exited, dial, nil)
	if err != nil {
		return nil, c.proc.withExitStatus(err)
	}
	return s, nil
}

func (c *container) TakeRecorder(maxLen int) (*recorder.Recorder, error) {
	return c.proc.recorder(maxLen)
}

func (c *container) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		var errs []error
		if err := c.forceRemove(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := c.proc.stop(); err != nil {
			errs = append(errs, err)
		}
		if err := os.RemoveAll(c.dir); err != nil {
			errs = append(errs, fmt.Errorf("remove sandbox dir: %w", err))
		}
		if len(errs) > 0 {
			c.shutdownErr = appErr.Wrapf(errors.Join(errs...), appErr.SandboxShutdownFailed, "shutdown container %s failed", c.name)
		}
	})
	return c.shutdownErr
}

// forceRemove removes the container even when the client process is gone.
func (c *container) forceRemove(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, c.binary, "rm", "-f", c.name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker rm -f %s: %w: %s", c.name, err, out)
	}
	return nil
}

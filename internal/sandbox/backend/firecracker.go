package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agentarena/internal/sandbox/recorder"
	"agentarena/internal/sandbox/stream"
	appErr "agentarena/pkg/errors"

	fcvsock "github.com/firecracker-microvm/firecracker-go-sdk/vsock"
	"github.com/google/uuid"
)

const (
	defaultFirecrackerBinary = "firecracker"
	defaultBootArgs          = "console=ttyS0 reboot=k panic=1 pci=off"
	defaultGuestPort         = 1024
	defaultGuestCID          = 3
	defaultVCPUs             = 1
)

// FirecrackerSettings configures the microVM backend.
type FirecrackerSettings struct {
	Binary         string        `yaml:"binary"`
	KernelImage    string        `yaml:"kernelImage"`
	BootArgs       string        `yaml:"bootArgs"`
	RootFSImage    string        `yaml:"rootfsImage"`
	ScratchImage   string        `yaml:"scratchImage"`
	VCPUs          int64         `yaml:"vcpus"`
	GuestCID       uint32        `yaml:"guestCID"`
	GuestPort      uint32        `yaml:"guestPort"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// Firecracker runs each sandbox as a firecracker microVM.
type Firecracker struct {
	settings FirecrackerSettings
}

// NewFirecracker validates settings and creates the backend.
func NewFirecracker(settings FirecrackerSettings) (*Firecracker, error) {
	if settings.KernelImage == "" {
		return nil, fmt.Errorf("kernel image is required")
	}
	if settings.RootFSImage == "" {
		return nil, fmt.Errorf("rootfs image is required")
	}
	if settings.ScratchImage == "" {
		return nil, fmt.Errorf("scratch image is required")
	}
	if settings.Binary == "" {
		settings.Binary = defaultFirecrackerBinary
	}
	if settings.BootArgs == "" {
		settings.BootArgs = defaultBootArgs
	}
	if settings.VCPUs <= 0 {
		settings.VCPUs = defaultVCPUs
	}
	if settings.GuestCID == 0 {
		settings.GuestCID = defaultGuestCID
	}
	if settings.GuestPort == 0 {
		settings.GuestPort = defaultGuestPort
	}
	if settings.ConnectTimeout <= 0 {
		settings.ConnectTimeout = DefaultConnectTimeout
	}
	return &Firecracker{settings: settings}, nil
}

func (f *Firecracker) Name() string {
	return "firecracker"
}

// Spawn prepares the drives and starts the VM without waiting for the guest.
func (f *Firecracker) Spawn(ctx context.Context, req SpawnRequest) (Sandbox, error) {
	if err := validateSpawnRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(req.WorkDir, "vm-")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxSpawnFailed, "create sandbox dir failed")
	}
	vm, err := f.start(dir, req)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, appErr.Wrapf(err, appErr.SandboxSpawnFailed, "spawn microvm failed: %v", err)
	}
	return vm, nil
}

func (f *Firecracker) start(dir string, req SpawnRequest) (*microVM, error) {
	images, err := f.prepareDrives(dir, req)
	if err != nil {
		return nil, err
	}
	cfg, negotiation, err := f.machineConfig(dir, images, req)
	if err != nil {
		return nil, err
	}
	cfgPath := filepath.Join(dir, "firecracker-config.json")
	if err := writeJSON(cfgPath, cfg); err != nil {
		return nil, fmt.Errorf("write firecracker config: %w", err)
	}

	proc, err := startProcess(dir, f.settings.Binary, "--api-sock", filepath.Join(dir, "firecracker.sock"), "--config-file", cfgPath)
	if err != nil {
		return nil, err
	}
	return &microVM{
		id:          "vm-" + uuid.NewString(),
		dir:         dir,
		vsockPath:   cfg.Vsock.UDSPath,
		port:        f.settings.GuestPort,
		timeout:     f.settings.ConnectTimeout,
		negotiation: negotiation,
		proc:        proc,
	}, nil
}

// driveImages are the writable images owned by one sandbox.
type driveImages struct {
	rootfs  string
	scratch string
	swap    string
}

// prepareDrives copies the writable images into the sandbox dir. The swap
// image is a template too: guests must never share a swap device.
func (f *Firecracker) prepareDrives(dir string, req SpawnRequest) (driveImages, error) {
	images := driveImages{
		rootfs:  filepath.Join(dir, "rootfs.ext4"),
		scratch: filepath.Join(dir, "scratch.ext4"),
	}
	if err := copyFile(f.settings.RootFSImage, images.rootfs); err != nil {
		return driveImages{}, fmt.Errorf("prepare rootfs: %w", err)
	}
	if err := copyFile(f.settings.ScratchImage, images.scratch); err != nil {
		return driveImages{}, fmt.Errorf("prepare scratch: %w", err)
	}
	if req.SwapPath != "" {
		images.swap = filepath.Join(dir, "swap.img")
		if err := copyFile(req.SwapPath, images.swap); err != nil {
			return driveImages{}, fmt.Errorf("prepare swap: %w", err)
		}
	}
	return images, nil
}

func (f *Firecracker) machineConfig(dir string, images driveImages, req SpawnRequest) (firecrackerConfig, *Negotiation, error) {
	drives := []drive{
		{DriveID: "rootfs", PathOnHost: images.rootfs, IsRootDevice: true},
		{DriveID: "scratch", PathOnHost: images.scratch},
	}
	scratchUUID, err := VolumeUUID(images.scratch)
	if err != nil {
		return firecrackerConfig{}, nil, err
	}
	negotiation := &Negotiation{Mounts: []MountRequest{{UUID: scratchUUID, Path: ScratchGuestPath}}}

	if images.swap != "" {
		drives = append(drives, drive{DriveID: "swap", PathOnHost: images.swap})
	}
	for i, m := range req.Mounts {
		id, err := VolumeUUID(m.HostPath)
		if err != nil {
			return firecrackerConfig{}, nil, err
		}
		drives = append(drives, drive{
			DriveID:    fmt.Sprintf("mount%d", i),
			PathOnHost: m.HostPath,
			IsReadOnly: m.ReadOnly,
		})
		negotiation.Mounts = append(negotiation.Mounts, MountRequest{UUID: id, Path: m.GuestPath, ReadOnly: m.ReadOnly})
	}

	cfg := firecrackerConfig{
		BootSource: bootSource{
			KernelImagePath: f.settings.KernelImage,
			BootArgs:        f.settings.BootArgs,
		},
		Drives: drives,
		MachineConfig: machineConfig{
			VCPUCount:  f.settings.VCPUs,
			MemSizeMiB: req.RAMBudgetMB,
		},
		Vsock: &vsockConfig{
			VsockID:  "agent",
			GuestCID: f.settings.GuestCID,
			UDSPath:  filepath.Join(dir, "v.sock"),
		},
	}
	return cfg, negotiation, nil
}

type microVM struct {
	id          string
	dir         string
	vsockPath   string
	port        uint32
	timeout     time.Duration
	negotiation *Negotiation
	proc        *process

	shutdownOnce sync.Once
	shutdownErr  error
}

func (vm *microVM) ID() string {
	return vm.id
}

func (vm *microVM) Connect(ctx context.Context) (*stream.Stream, error) {
	dial := func(ctx context.Context) (net.Conn, error) {
		return fcvsock.DialContext(ctx, vm.vsockPath, vm.port)
	}
	s, err := connect(ctx, vm.timeout, vm.proc.exited, dial, vm.negotiation)
	if err != nil {
		return nil, vm.proc.withExitStatus(err)
	}
	return s, nil
}

func (vm *microVM) TakeRecorder(maxLen int) (*recorder.Recorder, error) {
	return vm.proc.recorder(maxLen)
}

func (vm *microVM) Shutdown(ctx context.Context) error {
	vm.shutdownOnce.Do(func() {
		var errs []error
		if err := vm.proc.stop(); err != nil {
			errs = append(errs, err)
		}
		if err := os.RemoveAll(vm.dir); err != nil {
			errs = append(errs, fmt.Errorf("remove sandbox dir: %w", err))
		}
		if len(errs) > 0 {
			vm.shutdownErr = appErr.Wrapf(errors.Join(errs...), appErr.SandboxShutdownFailed, "shutdown microvm %s failed", vm.id)
		}
	})
	return vm.shutdownErr
}

type firecrackerConfig struct {
	BootSource    bootSource    `json:"boot-source"`
	Drives        []drive       `json:"drives"`
	MachineConfig machineConfig `json:"machine-config"`
	Vsock         *vsockConfig  `json:"vsock,omitempty"`
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type machineConfig struct {
	VCPUCount  int64 `json:"vcpu_count"`
	MemSizeMiB int64 `json:"mem_size_mib"`
	SMT        bool  `json:"smt"`
}

type vsockConfig struct {
	VsockID  string `json:"vsock_id"`
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

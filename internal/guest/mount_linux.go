//go:build linux

package guest

import (
	"context"
	"fmt"
	"os"
	"unsafe"

	"agentarena/internal/sandbox/backend"
	"agentarena/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Mount mounts the volume with req.UUID at req.Path.
func (m *DeviceMounter) Mount(ctx context.Context, req backend.MountRequest) error {
	dev, err := m.findDevice(req.UUID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(req.Path, 0o755); err != nil {
		return fmt.Errorf("mkdir mount target: %w", err)
	}
	var flags uintptr
	if req.ReadOnly {
		flags |= unix.MS_RDONLY
	}
	if err := unix.Mount(dev, req.Path, m.fsType(), flags, ""); err != nil {
		return fmt.Errorf("mount %s: %w", dev, err)
	}
	logger.Debug(ctx, "device mounted", zap.String("device", dev), zap.String("path", req.Path))
	return nil
}

// SwapOn enables the first swap device found. Having none is not an error.
func (m *DeviceMounter) SwapOn(ctx context.Context) error {
	dev, err := m.findSwap()
	if err != nil {
		return err
	}
	if dev == "" {
		logger.Debug(ctx, "no swap device attached")
		return nil
	}
	p, err := unix.BytePtrFromString(dev)
	if err != nil {
		return err
	}
	if _, _, errno := unix.Syscall(unix.SYS_SWAPON, uintptr(unsafe.Pointer(p)), 0, 0); errno != 0 {
		return fmt.Errorf("swapon %s: %w", dev, errno)
	}
	logger.Info(ctx, "swap enabled", zap.String("device", dev))
	return nil
}

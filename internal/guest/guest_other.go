//go:build !linux

package guest

import (
	"context"
	"errors"

	"agentarena/internal/sandbox/backend"
)

var errUnsupported = errors.New("guest manager requires linux")

func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	return nil, errUnsupported
}

func RunInit() error {
	return errUnsupported
}

func (m *DeviceMounter) Mount(ctx context.Context, req backend.MountRequest) error {
	return errUnsupported
}

func (m *DeviceMounter) SwapOn(ctx context.Context) error {
	return errUnsupported
}

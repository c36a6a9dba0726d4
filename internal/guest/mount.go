package guest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentarena/internal/sandbox/backend"
)

const (
	defaultDevicePattern = "/dev/vd*"
	defaultFSType        = "ext4"

	// the swap signature sits in the last ten bytes of the first page
	swapSignature       = "SWAPSPACE2"
	swapSignatureOffset = 4096 - len(swapSignature)
)

// DeviceMounter finds block devices by filesystem UUID and mounts them.
type DeviceMounter struct {
	DevicePattern string `yaml:"devicePattern"`
	FSType        string `yaml:"fsType"`
}

func (m *DeviceMounter) devices() ([]string, error) {
	pattern := m.DevicePattern
	if pattern == "" {
		pattern = defaultDevicePattern
	}
	return filepath.Glob(pattern)
}

func (m *DeviceMounter) fsType() string {
	if m.FSType == "" {
		return defaultFSType
	}
	return m.FSType
}

// findDevice returns the device whose ext superblock carries id.
func (m *DeviceMounter) findDevice(id string) (string, error) {
	devices, err := m.devices()
	if err != nil {
		return "", err
	}
	for _, dev := range devices {
		got, err := backend.VolumeUUID(dev)
		if err != nil {
			continue
		}
		if strings.EqualFold(got, id) {
			return dev, nil
		}
	}
	return "", fmt.Errorf("no device with uuid %s", id)
}

// findSwap returns the first device with a swap signature, or "".
func (m *DeviceMounter) findSwap() (string, error) {
	devices, err := m.devices()
	if err != nil {
		return "", err
	}
	sig := make([]byte, len(swapSignature))
	for _, dev := range devices {
		f, err := os.Open(dev)
		if err != nil {
			continue
		}
		_, err = f.ReadAt(sig, int64(swapSignatureOffset))
		_ = f.Close()
		if err == nil && bytes.Equal(sig, []byte(swapSignature)) {
			return dev, nil
		}
	}
	return "", nil
}

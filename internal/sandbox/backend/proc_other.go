//go:build !linux

package backend

import (
	"os"
	"syscall"
)

func processAttr() *syscall.SysProcAttr {
	return nil
}

func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

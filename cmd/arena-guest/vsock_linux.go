//go:build linux

package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

type vsockListener struct {
	fd        int
	closeOnce sync.Once
}

func listenVsock(port uint32) (connListener, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("create vsock socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrVM{CID: unix.VMADDR_CID_ANY, Port: port}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind vsock port %d: %w", port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen vsock: %w", err)
	}
	return &vsockListener{fd: fd}, nil
}

// Accept returns the connection as a non-blocking file so that read and
// write deadlines work.
func (l *vsockListener) Accept() (io.ReadWriteCloser, error) {
	for {
		nfd, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			_ = unix.Close(nfd)
			return nil, err
		}
		return os.NewFile(uintptr(nfd), "vsock"), nil
	}
}

// Close shuts the socket down, which also wakes a blocked Accept.
func (l *vsockListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		_ = unix.Shutdown(l.fd, unix.SHUT_RDWR)
		err = unix.Close(l.fd)
	})
	return err
}

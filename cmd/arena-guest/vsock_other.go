//go:build !linux

package main

import "errors"

func listenVsock(port uint32) (connListener, error) {
	return nil, errors.New("vsock requires linux")
}

//go:build unix

// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"errors"
	"net"
	"syscall"
)

type syscallConn interface {
	SyscallConn() (syscall.RawConn, error)
}

// socketFD extracts the raw file descriptor backing a *net.TCPConn (or
// anything exposing the standard SyscallConn shape) so it can be handed
// to unix.Poll. The descriptor is borrowed, not duped: it stays owned
// and closed by conn.
func socketFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscallConn)
	if !ok {
		return 0, errors.New("backend: connection does not expose a raw file descriptor")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	var ctrlErr error
	if err := raw.Control(func(p uintptr) { fd = int(p) }); err != nil {
		ctrlErr = err
	}
	return fd, ctrlErr
}

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

package accept

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// ListenBacklog is the fixed listen(2) backlog, matching the reference
// implementation's literal constant. net.Listen does not expose a
// backlog parameter, so the listening socket is built directly from
// the unix syscalls already used for the poll loop.
const ListenBacklog = 100

// listenTCP opens a TCP listener bound to addr (host:port, host empty
// meaning INADDR_ANY) with ListenBacklog as its listen(2) backlog.
func listenTCP(addr string) (net.Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := parsePort(portStr)
	if err != nil {
		return nil, err
	}

	ip := net.IPv4zero
	if host != "" {
		ip = net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("accept: invalid listen host %q", host)
		}
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("accept: socket: %w", err)
	}
	// Closed explicitly below on any setup error before the *os.File is
	// built; after that, f.Close releases it (net.FileListener keeps its
	// own dup).
	closeFD := func() { _ = unix.Close(fd) }

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		closeFD()
		return nil, fmt.Errorf("accept: setsockopt SO_REUSEADDR: %w", err)
	}

	var sa unix.SockaddrInet4
	copy(sa.Addr[:], ip.To4())
	sa.Port = port

	if err := unix.Bind(fd, &sa); err != nil {
		closeFD()
		return nil, fmt.Errorf("accept: bind: %w", err)
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		closeFD()
		return nil, fmt.Errorf("accept: listen: %w", err)
	}

	f := os.NewFile(uintptr(fd), "lb-listener")
	ln, err := net.FileListener(f)
	// net.FileListener dups fd internally; the original is safe to
	// close via f.Close once ln owns its own copy.
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("accept: FileListener: %w", err)
	}
	return ln, nil
}

func parsePort(s string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, fmt.Errorf("accept: invalid port %q: %w", s, err)
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("accept: port %d out of range", port)
	}
	return port, nil
}

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

// Package backend holds the in-memory descriptor for one upstream target
// and the poll set its worker drains. It is unix-only: the worker's
// readiness loop is built directly on poll(2) via golang.org/x/sys/unix,
// matching the C reference's polling model rather than a portable
// goroutine-per-connection shape.
package backend

import (
	"errors"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Status is the lifecycle state of a Backend.
type Status int

const (
	StatusInactive Status = iota
	StatusActive
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusError:
		return "error"
	default:
		return "inactive"
	}
}

// DefaultMaxConnections is the per-backend client capacity used when a
// roster entry does not override it.
const DefaultMaxConnections = 1000

// ReadBufferSize bounds a single drain read from a ready client socket.
const ReadBufferSize = 1024

var (
	// ErrBackendFull is returned by AppendClient when the backend is
	// already at its configured connection capacity.
	ErrBackendFull = errors.New("backend: at capacity")
	// ErrNotDialed is returned when an operation requires a connected
	// outbound socket that was never established, and by AppendClient
	// once the backend has been closed.
	ErrNotDialed = errors.New("backend: not dialed")
)

// Logger is the minimal structured-logging surface the backend and its
// collaborators need; *clog.Logger satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

// Forwarder is the single outbound hook a Backend invokes with payload
// bytes read from one of its clients. The reference source leaves
// upstream forwarding unimplemented and only traces the payload; this
// interface preserves that as a documented contract rather than an
// implementation.
type Forwarder interface {
	Forward(b *Backend, buf []byte) error
}

// DisconnectRecorder observes clients leaving a backend's poll set,
// for metrics. It is optional; a nil recorder is never called.
type DisconnectRecorder interface {
	RecordDisconnected(backendName string)
}

// Client is a single accepted connection. It is referenced from exactly
// one backend's poll set from the moment it is dispatched.
type Client struct {
	ID   uint64
	Conn net.Conn
	Addr net.Addr
}

// Backend is the in-memory descriptor for one upstream target: its dial
// identity, its connected outbound socket, and the poll set its worker
// polls for readability.
//
// Three independent locks guard three independent blocks of state,
// mirroring the contention analysis in the design notes: identityMu for
// the near-static name/address/status, capMu for the assigned-client
// count (touched on every dispatch and disconnect), and pollMu for the
// poll-descriptor/client arrays (touched by the worker every poll cycle
// and briefly by a dispatch handover). capMu is always acquired before
// pollMu when both are needed, by both the dispatcher and the backend's
// own compaction path — see compact below.
type Backend struct {
	identityMu sync.Mutex
	name       string
	addr       string
	port       int
	conn       net.Conn
	status     Status

	capMu  sync.Mutex
	cond   *sync.Cond
	count  int
	max    int
	closed bool

	pollMu  sync.Mutex
	descs   []unix.PollFd
	clients []*Client
}

// New creates a Backend descriptor for the given dial target. It does
// not dial; call Dial to connect.
func New(name, addr string, port, max int) *Backend {
	if max <= 0 {
		max = DefaultMaxConnections
	}
	b := &Backend{
		name:    name,
		addr:    addr,
		port:    port,
		status:  StatusInactive,
		max:     max,
		descs:   make([]unix.PollFd, max),
		clients: make([]*Client, max),
	}
	b.cond = sync.NewCond(&b.capMu)
	return b
}

// Name, Addr, and Port report the backend's near-static identity.
func (b *Backend) Name() string { return b.name }
func (b *Backend) Addr() string { return b.addr }
func (b *Backend) Port() int    { return b.port }

// Status returns the backend's current lifecycle status.
func (b *Backend) Status() Status {
	b.identityMu.Lock()
	defer b.identityMu.Unlock()
	return b.status
}

// Conn returns the backend's outbound socket, or nil if it was never
// dialed successfully. Forwarders use this to relay payload upstream.
func (b *Backend) Conn() net.Conn {
	b.identityMu.Lock()
	defer b.identityMu.Unlock()
	return b.conn
}

// Dial connects the backend's outbound socket. A backend's status
// transitions monotonically on a given attempt: it becomes Active on
// success or Error on failure, and an Error backend is expected to be
// removed from the roster by the caller and never dialed again.
func (b *Backend) Dial(timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(b.addr, strconv.Itoa(b.port)), timeout)
	b.identityMu.Lock()
	defer b.identityMu.Unlock()
	if err != nil {
		b.status = StatusError
		return err
	}
	b.conn = conn
	b.status = StatusActive
	return nil
}

// Close tears down the backend's outbound socket and every assigned
// client socket, and marks the backend inactive. It also wakes any
// worker blocked in WaitForClients so it can observe the shutdown.
func (b *Backend) Close() error {
	b.identityMu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.status = StatusInactive
	b.identityMu.Unlock()

	b.capMu.Lock()
	b.closed = true
	b.pollMu.Lock()
	for i := 0; i < b.count; i++ {
		if c := b.clients[i]; c != nil {
			_ = c.Conn.Close()
		}
		b.clients[i] = nil
	}
	b.count = 0
	b.pollMu.Unlock()
	b.cond.Broadcast()
	b.capMu.Unlock()
	return nil
}

// Max returns the backend's configured connection capacity.
func (b *Backend) Max() int {
	b.capMu.Lock()
	defer b.capMu.Unlock()
	return b.max
}

// Count returns the number of clients currently assigned to this
// backend.
func (b *Backend) Count() int {
	b.capMu.Lock()
	defer b.capMu.Unlock()
	return b.count
}

// LoadRatio returns assigned_count / max_connections, the dispatcher's
// selection key.
func (b *Backend) LoadRatio() float64 {
	b.capMu.Lock()
	defer b.capMu.Unlock()
	return float64(b.count) / float64(b.max)
}

// AppendClient installs c as the next entry in the backend's poll set,
// under capMu then pollMu (the canonical lock order), and signals any
// worker blocked on zero assigned clients. It returns ErrBackendFull if
// the backend is already at capacity.
func (b *Backend) AppendClient(c *Client) error {
	fd, err := socketFD(c.Conn)
	if err != nil {
		return err
	}

	b.capMu.Lock()
	defer b.capMu.Unlock()

	if b.closed {
		return ErrNotDialed
	}
	if b.count >= b.max {
		return ErrBackendFull
	}

	b.pollMu.Lock()
	idx := b.count
	b.descs[idx] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	b.clients[idx] = c
	b.count++
	b.pollMu.Unlock()

	b.cond.Signal()
	return nil
}

// WaitForClients blocks until at least one client is assigned or the
// backend is closed. Spurious wakeups are tolerated by re-checking the
// predicate in a loop, per the design notes.
func (b *Backend) WaitForClients() (n int, ok bool) {
	b.capMu.Lock()
	defer b.capMu.Unlock()
	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return 0, false
	}
	return b.count, true
}

// PollAndDrain polls the first n poll descriptors with the given
// timeout and, for each ready client, reads up to ReadBufferSize bytes.
// A zero-byte read is treated as peer close and queued for compaction
// after the poll lock is released (see compact); a positive read is
// handed to fwd; a read error with no data is logged and skipped.
//
// The read itself runs while pollMu is held, preserving the known
// hazard that a slow client can block a dispatch handover for the
// duration of one read — see the design notes.
func (b *Backend) PollAndDrain(n int, timeout time.Duration, fwd Forwarder, log Logger, rec DisconnectRecorder) {
	if n == 0 {
		return
	}

	b.pollMu.Lock()
	fds := b.descs[:n]
	nready, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		b.pollMu.Unlock()
		if err != unix.EINTR {
			log.Errorf("backend %s: poll: %v", b.name, err)
		}
		return
	}
	if nready == 0 {
		b.pollMu.Unlock()
		return
	}

	var disconnected []int
	for i := 0; i < n; i++ {
		if fds[i].Revents&unix.POLLIN == 0 {
			continue
		}

		c := b.clients[i]
		buf := make([]byte, ReadBufferSize)
		nr, rerr := c.Conn.Read(buf)

		if nr > 0 && fwd != nil {
			if ferr := fwd.Forward(b, buf[:nr]); ferr != nil {
				log.Errorf("backend %s: forward client %d: %v", b.name, c.ID, ferr)
			}
		}

		switch {
		case errors.Is(rerr, io.EOF), nr == 0 && rerr == nil:
			disconnected = append(disconnected, i)
		case rerr != nil:
			log.Errorf("backend %s: read client %d: %v", b.name, c.ID, rerr)
		}
	}
	b.pollMu.Unlock()

	if len(disconnected) > 0 {
		b.compact(disconnected, rec)
	}
}

// compact removes the clients at the given poll-array indices, closing
// their sockets and swap-removing each to keep the first count entries
// dense. It acquires capMu then pollMu — the same order the dispatcher
// uses — so it never races a handover into deadlock even though it runs
// from the worker goroutine that just released pollMu in PollAndDrain.
// rec, if non-nil, is notified once per client actually removed.
func (b *Backend) compact(indices []int, rec DisconnectRecorder) {
	sort.Sort(sort.Reverse(sort.IntSlice(indices)))

	b.capMu.Lock()
	b.pollMu.Lock()
	for _, i := range indices {
		if i >= b.count {
			// Already removed by an overlapping index in this batch.
			continue
		}
		if c := b.clients[i]; c != nil {
			_ = c.Conn.Close()
		}
		last := b.count - 1
		if i != last {
			b.descs[i] = b.descs[last]
			b.clients[i] = b.clients[last]
		}
		b.clients[last] = nil
		b.count--
		if rec != nil {
			rec.RecordDisconnected(b.name)
		}
	}
	b.pollMu.Unlock()
	b.capMu.Unlock()
}

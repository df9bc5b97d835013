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

// Package accept runs the listening loop that turns inbound TCP
// connections into dispatched clients.
package accept

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dlorenc/tcplb/pkg/lb/backend"
)

// DefaultListenAddr is the address the acceptor binds when none is
// configured, matching the reference implementation's fixed port.
const DefaultListenAddr = ":1800"

// Assigner is the subset of Dispatcher's surface the acceptor needs.
type Assigner interface {
	Assign(c *backend.Client) (*backend.Backend, error)
}

// Logger is the structured-logging surface the acceptor needs.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

// Recorder observes clients rejected by the dispatcher, for metrics.
// It is optional; a nil recorder is never called.
type Recorder interface {
	RecordRejected()
}

// Acceptor owns the listening socket and hands each accepted
// connection to a Dispatcher.
type Acceptor struct {
	listener   net.Listener
	dispatcher Assigner
	log        Logger
	recorder   Recorder
	nextID     atomic.Uint64

	wg sync.WaitGroup
}

// Listen opens a listener on addr (DefaultListenAddr if empty) with
// the fixed ListenBacklog, ready for Serve.
func Listen(addr string) (net.Listener, error) {
	if addr == "" {
		addr = DefaultListenAddr
	}
	return listenTCP(addr)
}

// New creates an Acceptor over an already-open listener. rec may be
// nil, in which case rejected clients are not reported to metrics.
func New(ln net.Listener, d Assigner, log Logger, rec Recorder) *Acceptor {
	return &Acceptor{listener: ln, dispatcher: d, log: log, recorder: rec}
}

// Serve accepts connections until ctx is canceled or the listener is
// closed, dispatching each to a backend. A client rejected by the
// dispatcher (no backend available, or the chosen backend is already
// full) has its socket closed here, since the dispatcher's Assign
// contract leaves ownership with the caller on any error.
func (a *Acceptor) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				a.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				a.wg.Wait()
				return nil
			}
			a.log.Errorf("accept: %v", err)
			continue
		}

		a.wg.Add(1)
		go a.handle(conn)
	}
}

func (a *Acceptor) handle(conn net.Conn) {
	defer a.wg.Done()

	c := &backend.Client{
		ID:   a.nextID.Add(1),
		Conn: conn,
		Addr: conn.RemoteAddr(),
	}

	b, err := a.dispatcher.Assign(c)
	if err != nil {
		a.log.Errorf("dispatch client %d (%s): %v", c.ID, c.Addr, err)
		if a.recorder != nil {
			a.recorder.RecordRejected()
		}
		_ = conn.Close()
		return
	}
	a.log.Infof("client %d (%s) assigned to backend %s", c.ID, c.Addr, b.Name())
}

// Shutdown closes the listener and waits for in-flight handovers to
// finish, or ctx to expire, whichever comes first.
func (a *Acceptor) Shutdown(ctx context.Context) error {
	_ = a.listener.Close()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

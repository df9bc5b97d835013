package dispatch

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlorenc/tcplb/pkg/lb/backend"
	"github.com/dlorenc/tcplb/pkg/lb/roster"
)

func newActiveBackend(t *testing.T, name string, max int) *backend.Backend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	b := backend.New(name, addr.IP.String(), addr.Port, max)
	require.NoError(t, b.Dial(0))
	return b
}

// newClient returns a Client backed by a real TCP socket, since
// AppendClient needs a pollable file descriptor.
func newClient(t *testing.T) *backend.Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	farCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			farCh <- c
		}
	}()

	near, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	far := <-farCh

	t.Cleanup(func() { _ = near.Close(); _ = far.Close() })
	return &backend.Client{ID: 1, Conn: far, Addr: far.RemoteAddr()}
}

func TestDispatcher_NoBackends(t *testing.T) {
	r := roster.New()
	d := New(r)
	_, err := d.Assign(&backend.Client{ID: 1})
	require.ErrorIs(t, err, ErrNoBackendAvailable)
}

func TestDispatcher_PicksLeastLoaded(t *testing.T) {
	r := roster.New()
	b0 := newActiveBackend(t, "b0", 10)
	b1 := newActiveBackend(t, "b1", 10)
	require.NoError(t, r.Set(0, b0))
	require.NoError(t, r.Set(1, b1))

	d := New(r)

	require.NoError(t, b0.AppendClient(newClient(t)))

	got, err := d.Assign(newClient(t))
	require.NoError(t, err)
	assert.Equal(t, "b1", got.Name())
}

func TestDispatcher_SkipsFullBackend(t *testing.T) {
	r := roster.New()
	b0 := newActiveBackend(t, "b0", 1)
	require.NoError(t, r.Set(0, b0))

	d := New(r)
	require.NoError(t, b0.AppendClient(newClient(t)))

	_, err := d.Assign(newClient(t))
	require.ErrorIs(t, err, ErrNoBackendAvailable)
}

package accept

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlorenc/tcplb/pkg/lb/backend"
)

type testLogger struct{}

func (testLogger) Debugf(string, ...any) {}
func (testLogger) Infof(string, ...any)  {}
func (testLogger) Errorf(string, ...any) {}

type fakeDispatcher struct {
	assign func(*backend.Client) (*backend.Backend, error)
}

func (f *fakeDispatcher) Assign(c *backend.Client) (*backend.Backend, error) {
	return f.assign(c)
}

func TestListen_HonorsBacklogConstant(t *testing.T) {
	assert.Equal(t, 100, ListenBacklog)
}

func TestAcceptor_DispatchesConnection(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	assigned := make(chan uint64, 1)
	d := &fakeDispatcher{assign: func(c *backend.Client) (*backend.Backend, error) {
		assigned <- c.ID
		return backend.New("b0", "127.0.0.1", 1, 1), nil
	}}

	a := New(ln, d, testLogger{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case id := <-assigned:
		assert.Equal(t, uint64(1), id)
	case <-time.After(time.Second):
		t.Fatal("connection was never dispatched")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestAcceptor_RejectedClientSocketClosed(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	d := &fakeDispatcher{assign: func(c *backend.Client) (*backend.Backend, error) {
		return nil, assert.AnError
	}}

	rec := &countingRecorder{}
	a := New(ln, d, testLogger{}, rec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Serve(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err) // peer closed: dispatcher rejected the client

	require.Eventually(t, func() bool {
		return rec.count() > 0
	}, time.Second, 10*time.Millisecond, "rejected client was never reported to the recorder")
}

type countingRecorder struct {
	mu sync.Mutex
	n  int
}

func (r *countingRecorder) RecordRejected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
}

func (r *countingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func TestAcceptor_ShutdownWaitsForInFlight(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	release := make(chan struct{})
	d := &fakeDispatcher{assign: func(c *backend.Client) (*backend.Backend, error) {
		<-release
		return nil, assert.AnError
	}}

	a := New(ln, d, testLogger{}, nil)
	ctx := context.Background()
	go a.Serve(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- a.Shutdown(context.Background())
	}()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned before in-flight handover finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete")
	}
}

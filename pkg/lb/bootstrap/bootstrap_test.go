package bootstrap

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlorenc/tcplb/pkg/lb/backend"
)

type testLogger struct{ errs []string }

func (l *testLogger) Debugf(string, ...any) {}
func (l *testLogger) Infof(string, ...any)  {}
func (l *testLogger) Errorf(format string, args ...any) {
	l.errs = append(l.errs, format)
}

func TestParseMetadata_SkipsBlankAndComments(t *testing.T) {
	input := strings.NewReader(`
# a comment
web1 127.0.0.1 9001

web2 127.0.0.1 9002
`)
	entries := ParseMetadata(input, &testLogger{})
	require.Len(t, entries, 2)
	assert.Equal(t, "web1", entries[0].Name)
	assert.Equal(t, 9001, entries[0].Port)
	assert.Equal(t, "web2", entries[1].Name)
}

func TestParseMetadata_SkipsMalformedLines(t *testing.T) {
	input := strings.NewReader("web1 127.0.0.1 notaport\nweb2 127.0.0.1 9002 extra\nweb3 127.0.0.1 9003\n")
	log := &testLogger{}
	entries := ParseMetadata(input, log)
	require.Len(t, entries, 1)
	assert.Equal(t, "web3", entries[0].Name)
	assert.Len(t, log.errs, 2)
}

func TestInitServers_AllFail(t *testing.T) {
	entries := []Entry{{Name: "down", Addr: "127.0.0.1", Port: 1}}
	_, err := InitServers(entries, 10, 0, nil, nil, &testLogger{})
	require.Error(t, err)
}

func TestInitServers_PartialSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
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

	entries := []Entry{
		{Name: "up", Addr: addr.IP.String(), Port: addr.Port},
		{Name: "down", Addr: "127.0.0.1", Port: 1},
	}
	res, err := InitServers(entries, 10, 0, nil, nil, &testLogger{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Roster.Len())
	assert.Len(t, res.Workers, 1)
}

func TestInitServers_TruncatesAtMaxServers(t *testing.T) {
	entries := make([]Entry, 0, 12)
	for i := 0; i < 12; i++ {
		entries = append(entries, Entry{Name: "x", Addr: "127.0.0.1", Port: 1})
	}
	log := &testLogger{}
	_, err := InitServers(entries, 10, 0, nil, nil, log)
	require.Error(t, err) // all dial attempts against port 1 fail
	require.NotEmpty(t, log.errs)
	// one truncation warning plus one dial error for each of the 10 kept entries
	assert.Len(t, log.errs, 11)
}

type capturingForwarder struct {
	mu    sync.Mutex
	calls int
}

func (f *capturingForwarder) Forward(_ *backend.Backend, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *capturingForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type capturingRecorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *capturingRecorder) RecordDisconnected(backendName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, backendName)
}

func (r *capturingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// TestInitServers_WiresForwarderAndRecorderIntoWorkers proves the
// Forwarder and DisconnectRecorder passed into InitServers actually
// reach the spawned workers' poll loops, not just their constructors.
func TestInitServers_WiresForwarderAndRecorderIntoWorkers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
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

	fwd := &capturingForwarder{}
	rec := &capturingRecorder{}
	entries := []Entry{{Name: "up", Addr: addr.IP.String(), Port: addr.Port}}

	res, err := InitServers(entries, 10, 10*time.Millisecond, fwd, rec, &testLogger{})
	require.NoError(t, err)
	require.Len(t, res.Workers, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	RunWorkers(ctx, res.Workers)

	clientLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientLn.Close()

	farCh := make(chan net.Conn, 1)
	go func() {
		c, err := clientLn.Accept()
		if err == nil {
			farCh <- c
		}
	}()
	near, err := net.Dial("tcp", clientLn.Addr().String())
	require.NoError(t, err)
	far := <-farCh

	b := res.Roster.Backends()[0]
	require.NoError(t, b.AppendClient(&backend.Client{ID: 1, Conn: far}))

	_, err = near.Write([]byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fwd.count() > 0
	}, time.Second, 10*time.Millisecond, "forwarder was never invoked by a running worker")

	require.NoError(t, near.Close())

	require.Eventually(t, func() bool {
		return rec.count() > 0
	}, time.Second, 10*time.Millisecond, "disconnect recorder was never invoked by a running worker")
}

func TestPromptForMetadataPath(t *testing.T) {
	in := strings.NewReader("/tmp/servers.txt\n")
	out := &strings.Builder{}
	path, err := PromptForMetadataPath(in, out)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/servers.txt", path)
	assert.Contains(t, out.String(), "enter a path")
}

package roster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlorenc/tcplb/pkg/lb/backend"
)

func TestRoster_SetOutOfRange(t *testing.T) {
	r := New()
	require.Error(t, r.Set(-1, backend.New("a", "127.0.0.1", 9000, 10)))
	require.Error(t, r.Set(MaxServers, backend.New("a", "127.0.0.1", 9000, 10)))
}

func TestRoster_SetAndBackends(t *testing.T) {
	r := New()
	b0 := backend.New("b0", "127.0.0.1", 9000, 10)
	b1 := backend.New("b1", "127.0.0.1", 9001, 10)

	require.NoError(t, r.Set(0, b0))
	require.NoError(t, r.Set(2, b1))

	assert.Equal(t, 2, r.Len())
	got := r.Backends()
	require.Len(t, got, 2)
	assert.Equal(t, "b0", got[0].Name())
	assert.Equal(t, "b1", got[1].Name())
}

func TestRoster_Clear(t *testing.T) {
	r := New()
	b0 := backend.New("b0", "127.0.0.1", 9000, 10)
	require.NoError(t, r.Set(0, b0))
	require.Equal(t, 1, r.Len())

	r.Clear(0)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Backends())
}

func TestRoster_StatusSnapshot(t *testing.T) {
	r := New()
	b0 := backend.New("b0", "127.0.0.1", 9000, 10)
	require.NoError(t, r.Set(0, b0))

	statuses := r.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, "b0", statuses[0].Name)
	assert.Equal(t, "127.0.0.1", statuses[0].Addr)
	assert.Equal(t, 9000, statuses[0].Port)
	assert.Equal(t, "inactive", statuses[0].State)
	assert.Equal(t, 0, statuses[0].Count)
	assert.Equal(t, 10, statuses[0].Max)
	assert.Equal(t, 0.0, statuses[0].LoadRatio)
}

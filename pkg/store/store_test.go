package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phasor-io/phasor/pkg/instance"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	inst := instance.New("wi-1", "OrderFlow", "NotStarted", map[string]any{"amount": 100})
	require.NoError(t, s.Save(ctx, inst))

	loaded, err := s.Get(ctx, "wi-1")
	require.NoError(t, err)
	assert.Equal(t, "OrderFlow", loaded.WorkflowName)
	assert.Equal(t, instance.StatusRunning, loaded.Status)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Save(ctx, instance.New("wi-b", "W", "NotStarted", nil)))
	require.NoError(t, s.Save(ctx, instance.New("wi-a", "W", "NotStarted", nil)))

	instances, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "wi-a", instances[0].ID)
	assert.Equal(t, "wi-b", instances[1].ID)
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Save(ctx, instance.New("wi-1", "W", "NotStarted", nil)))
	require.NoError(t, s.Delete(ctx, "wi-1"))
	assert.ErrorIs(t, s.Delete(ctx, "wi-1"), ErrNotFound)
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()

	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	inst := instance.New("wi-1", "OrderFlow", "NotStarted", map[string]any{"amount": 100.0})
	inst.Phase = "ReserveStock"
	inst.LoopCounters["Refinement"] = 2
	require.NoError(t, s.Save(ctx, inst))

	loaded, err := s.Get(ctx, "wi-1")
	require.NoError(t, err)
	assert.Equal(t, "ReserveStock", loaded.Phase)
	assert.Equal(t, 2, loaded.LoopCounters["Refinement"])
	assert.Equal(t, 100.0, loaded.State["amount"])

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreGetAllocatesTrackingMaps(t *testing.T) {
	ctx := context.Background()

	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	// a fresh instance serializes without its tracking maps; after a
	// reload they must still be writable
	require.NoError(t, s.Save(ctx, instance.New("wi-1", "W", "NotStarted", nil)))

	loaded, err := s.Get(ctx, "wi-1")
	require.NoError(t, err)
	require.NotNil(t, loaded.LoopCounters)
	require.NotNil(t, loaded.Forks)
	require.NotNil(t, loaded.ApprovalsPassed)

	loaded.LoopCounters["Refinement"] = 1
	loaded.ApprovalsPassed["ManagerSignOff"] = true
	assert.Equal(t, 1, loaded.LoopCounters["Refinement"])

	listed, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.NotNil(t, listed[0].LoopCounters)
}

func TestFileStoreListAndDelete(t *testing.T) {
	ctx := context.Background()

	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, instance.New("wi-2", "W", "NotStarted", nil)))
	require.NoError(t, s.Save(ctx, instance.New("wi-1", "W", "NotStarted", nil)))

	instances, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "wi-1", instances[0].ID)

	require.NoError(t, s.Delete(ctx, "wi-1"))
	assert.ErrorIs(t, s.Delete(ctx, "wi-1"), ErrNotFound)
}

func TestNewStoreSchemeDispatch(t *testing.T) {
	ctx := context.Background()

	s, err := NewStore(ctx, nil, "memory://")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStore(ctx, nil, "file://"+t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = NewStore(ctx, nil, "bolt://whatever")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

package idalloc

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReserver struct {
	mu     sync.Mutex
	taken  map[string]bool
	always bool // if true, every reservation fails (simulates exhaustion)
}

func newFakeReserver() *fakeReserver {
	return &fakeReserver{taken: make(map[string]bool)}
}

func (f *fakeReserver) TryReserveClipID(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.always || f.taken[id] {
		return false, nil
	}
	f.taken[id] = true
	return true, nil
}

func TestAllocate_QuickLength(t *testing.T) {
	store := newFakeReserver()
	id, err := Allocate(context.Background(), store, Quick)
	require.NoError(t, err)
	assert.Len(t, id, 4)
}

func TestAllocate_EnhancedLength(t *testing.T) {
	store := newFakeReserver()
	id, err := Allocate(context.Background(), store, Enhanced)
	require.NoError(t, err)
	assert.Len(t, id, 10)
}

func TestAllocate_Charset(t *testing.T) {
	store := newFakeReserver()
	id, err := Allocate(context.Background(), store, Enhanced)
	require.NoError(t, err)
	for _, r := range id {
		assert.Contains(t, charset, string(r))
	}
}

func TestAllocate_ExhaustionSurfacesIDExhausted(t *testing.T) {
	store := &fakeReserver{taken: make(map[string]bool), always: true}
	_, err := Allocate(context.Background(), store, Quick)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ID_EXHAUSTED")
}

func TestAllocate_DistinctCallsDistinctIDs(t *testing.T) {
	store := newFakeReserver()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := Allocate(context.Background(), store, Enhanced)
		require.NoError(t, err)
		assert.False(t, seen[id], "allocator returned a duplicate id")
		seen[id] = true
	}
}

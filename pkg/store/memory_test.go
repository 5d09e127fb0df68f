package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runSessionStoreTests(t, func(t *testing.T) SessionStore {
		return NewMemory()
	})
}

// ============================================================================
// Aliasing
// ============================================================================

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	rec := testSessionRecord(testIdentity())
	require.NoError(t, s.RecordSession(ctx, rec))

	got, err := s.GetSession(ctx, rec.ID)
	require.NoError(t, err)
	got.State = "FAILED"
	got.EndReason = "mutated"

	again, err := s.GetSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "CONNECTED", again.State)
	assert.Empty(t, again.EndReason)
}

func TestMemoryStoreDetachesCallerRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	rec := testSessionRecord(testIdentity())
	require.NoError(t, s.RecordSession(ctx, rec))

	// Mutating the caller's struct after the write must not leak into
	// the stored row.
	rec.State = "FAILED"

	got, err := s.GetSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "CONNECTED", got.State)
}

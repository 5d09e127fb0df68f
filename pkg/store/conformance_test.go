package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testIdentity returns a fresh PSK identity so backends that keep state
// between runs (postgres) stay isolated.
func testIdentity() string {
	return "TEST_UICC_" + uuid.NewString()[:8]
}

func testSessionRecord(identity string) *SessionRecord {
	return &SessionRecord{
		ID:          uuid.NewString(),
		PSKIdentity: identity,
		PeerAddr:    "127.0.0.1:51234",
		State:       "CONNECTED",
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

// runSessionStoreTests exercises the SessionStore contract against one
// backend.
func runSessionStoreTests(t *testing.T, newStore func(t *testing.T) SessionStore) {
	ctx := context.Background()

	t.Run("RecordAndGetSession", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		identity := testIdentity()
		rec := testSessionRecord(identity)
		require.NoError(t, s.RecordSession(ctx, rec))

		got, err := s.GetSession(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, identity, got.PSKIdentity)
		assert.Equal(t, rec.PeerAddr, got.PeerAddr)
		assert.Equal(t, "CONNECTED", got.State)
		assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Second)
		assert.Nil(t, got.EndedAt)
		assert.Empty(t, got.EndReason)
	})

	t.Run("GetSessionNotFound", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, err := s.GetSession(ctx, uuid.NewString())
		require.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("RecordSessionRequiresID", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		err := s.RecordSession(ctx, &SessionRecord{PSKIdentity: testIdentity()})
		require.Error(t, err)
	})

	t.Run("RecordSessionRewritesRow", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		identity := testIdentity()
		rec := testSessionRecord(identity)
		require.NoError(t, s.RecordSession(ctx, rec))

		ended := rec.CreatedAt.Add(42 * time.Second)
		rec.State = "CLOSED"
		rec.EndedAt = &ended
		rec.EndReason = "normal"
		require.NoError(t, s.RecordSession(ctx, rec))

		got, err := s.GetSession(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "CLOSED", got.State)
		assert.Equal(t, "normal", got.EndReason)
		require.NotNil(t, got.EndedAt)
		assert.WithinDuration(t, ended, *got.EndedAt, time.Second)

		// The rewrite must not have inserted a second row.
		rows, err := s.LoadSessions(ctx, LoadOptions{Identity: identity})
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("LoadSessionsNewestFirst", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		identity := testIdentity()
		base := time.Now().UTC().Truncate(time.Second)

		var ids []string
		for i := 0; i < 3; i++ {
			rec := testSessionRecord(identity)
			rec.CreatedAt = base.Add(time.Duration(i-2) * 10 * time.Second)
			require.NoError(t, s.RecordSession(ctx, rec))
			ids = append(ids, rec.ID)
		}

		rows, err := s.LoadSessions(ctx, LoadOptions{Identity: identity})
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, ids[2], rows[0].ID)
		assert.Equal(t, ids[1], rows[1].ID)
		assert.Equal(t, ids[0], rows[2].ID)

		limited, err := s.LoadSessions(ctx, LoadOptions{Identity: identity, Limit: 2})
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, ids[2], limited[0].ID)
		assert.Equal(t, ids[1], limited[1].ID)
	})

	t.Run("LoadSessionsIdentityFilter", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		first := testIdentity()
		second := testIdentity()
		require.NoError(t, s.RecordSession(ctx, testSessionRecord(first)))
		require.NoError(t, s.RecordSession(ctx, testSessionRecord(second)))

		rows, err := s.LoadSessions(ctx, LoadOptions{Identity: first})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, first, rows[0].PSKIdentity)
	})

	t.Run("AppendAndLoadAPDUs", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		rec := testSessionRecord(testIdentity())
		require.NoError(t, s.RecordSession(ctx, rec))

		base := time.Now().UTC().Truncate(time.Second)
		exchanges := []*APDURecord{
			{
				SessionID: rec.ID,
				Seq:       0,
				Direction: DirectionSent,
				Hex:       "00A4040007A0000001510000",
				T:         base,
			},
			{
				SessionID:  rec.ID,
				Seq:        1,
				Direction:  DirectionReceived,
				Hex:        "9000",
				SW:         "9000",
				T:          base.Add(time.Second),
				DurationUS: 38000,
			},
			{
				SessionID: rec.ID,
				Seq:       2,
				Direction: DirectionSent,
				Hex:       "80F21000024F00",
				T:         base.Add(2 * time.Second),
			},
		}
		// Out of order on purpose; LoadAPDUs must sort by seq.
		require.NoError(t, s.AppendAPDU(ctx, exchanges[1]))
		require.NoError(t, s.AppendAPDU(ctx, exchanges[0]))
		require.NoError(t, s.AppendAPDU(ctx, exchanges[2]))

		rows, err := s.LoadAPDUs(ctx, rec.ID)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		for i, want := range exchanges {
			assert.Equal(t, want.Seq, rows[i].Seq, "row %d", i)
			assert.Equal(t, want.Direction, rows[i].Direction, "row %d", i)
			assert.Equal(t, want.Hex, rows[i].Hex, "row %d", i)
			assert.Equal(t, want.SW, rows[i].SW, "row %d", i)
			assert.Equal(t, want.DurationUS, rows[i].DurationUS, "row %d", i)
			assert.WithinDuration(t, want.T, rows[i].T, time.Second, "row %d", i)
		}
	})

	t.Run("AppendAPDUDuplicateSeq", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		rec := testSessionRecord(testIdentity())
		require.NoError(t, s.RecordSession(ctx, rec))

		row := &APDURecord{
			SessionID: rec.ID,
			Seq:       0,
			Direction: DirectionSent,
			Hex:       "00A4040000",
			T:         time.Now().UTC(),
		}
		require.NoError(t, s.AppendAPDU(ctx, row))
		err := s.AppendAPDU(ctx, row)
		require.ErrorIs(t, err, ErrDuplicateAPDU)
	})

	t.Run("LoadAPDUsUnknownSession", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, err := s.LoadAPDUs(ctx, uuid.NewString())
		require.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("LoadAPDUsEmptyHistory", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		rec := testSessionRecord(testIdentity())
		require.NoError(t, s.RecordSession(ctx, rec))

		rows, err := s.LoadAPDUs(ctx, rec.ID)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

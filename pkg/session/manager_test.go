package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerTracksLiveSessions(t *testing.T) {
	m, _ := testManager(t, testTimeouts)

	s1 := createSession(t, m)
	s2 := createSession(t, m)
	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.Equal(t, 2, m.Active())
	assert.Equal(t, uint64(2), m.Total())

	got, ok := m.Get(s1.ID())
	require.True(t, ok)
	assert.Same(t, s1, got)

	s1.End(EndReasonNormal)
	waitDone(t, s1)
	_, ok = m.Get(s1.ID())
	assert.False(t, ok)
	assert.Equal(t, 1, m.Active())
	assert.Equal(t, uint64(2), m.Total())

	s2.End(EndReasonNormal)
	waitDone(t, s2)
	assert.Equal(t, 0, m.Active())
}

func TestManagerSessionIDsAreSortable(t *testing.T) {
	m, _ := testManager(t, testTimeouts)
	defer func() { _ = m.Shutdown(context.Background()) }()

	s := createSession(t, m)
	u, err := uuid.Parse(s.ID())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), u.Version())
}

func TestManagerListNewestFirst(t *testing.T) {
	m, _ := testManager(t, testTimeouts)
	defer func() { _ = m.Shutdown(context.Background()) }()

	var ids []string
	for i := 0; i < 3; i++ {
		s := createSession(t, m)
		ids = append(ids, s.ID())
		time.Sleep(10 * time.Millisecond)
	}

	list, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[1], list[1].ID)
	assert.Equal(t, ids[0], list[2].ID)
	for _, sum := range list {
		assert.Equal(t, "CONNECTED", sum.State)
	}
}

func TestManagerShutdown(t *testing.T) {
	ctx := context.Background()
	m, st := testManager(t, testTimeouts)

	s1 := createSession(t, m)
	s2 := createSession(t, m)

	// Leave s1 with a command in flight so shutdown has to settle it.
	results := make(chan Result, 1)
	_, err := s1.Enqueue(ctx, []Command{{APDU: selectISD()}}, EnqueueOptions{Notify: results})
	require.NoError(t, err)
	_, closing := pull(t, s1, nil)
	require.False(t, closing)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))

	for _, s := range []*Session{s1, s2} {
		sum := snapshot(t, s)
		assert.Equal(t, "CLOSED", sum.State)
		assert.Equal(t, EndReasonShutdown, sum.EndReason)

		rec, err := st.GetSession(ctx, s.ID())
		require.NoError(t, err)
		assert.Equal(t, EndReasonShutdown, rec.EndReason)
	}

	r := receiveResult(t, results)
	assert.ErrorIs(t, r.Err, ErrSessionEnded)

	assert.Equal(t, 0, m.Active())
	assert.Equal(t, uint64(2), m.Total())

	_, err = m.Create(ConnInfo{Identity: "TEST_UICC_01", PeerAddr: "192.0.2.11:41001"})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManagerOnEndRunsAfterFinalize(t *testing.T) {
	m, _ := testManager(t, testTimeouts)

	ended := make(chan struct{})
	s, err := m.Create(ConnInfo{
		Identity: "TEST_UICC_02",
		PeerAddr: "192.0.2.12:41002",
		OnEnd:    func() { close(ended) },
	})
	require.NoError(t, err)

	s.End(EndReasonNormal)
	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("OnEnd was not invoked")
	}

	// By the time OnEnd fires the manager no longer lists the session.
	_, ok := m.Get(s.ID())
	assert.False(t, ok)
}

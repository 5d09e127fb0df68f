package sim

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardbench/scp81/internal/hexutil"
	"github.com/cardbench/scp81/pkg/apdu"
	"github.com/cardbench/scp81/pkg/event"
	"github.com/cardbench/scp81/pkg/gpframe"
	"github.com/cardbench/scp81/pkg/keystore"
	"github.com/cardbench/scp81/pkg/psktls"
	"github.com/cardbench/scp81/pkg/server"
	"github.com/cardbench/scp81/pkg/session"
	"github.com/cardbench/scp81/pkg/store"
)

const simIdentity = "SIM_UICC_001"

func simKey() []byte {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(0xA0 + i)
	}
	return key
}

// ============================================================================
// Test harness
// ============================================================================

type adminBench struct {
	manager *session.Manager
	st      *store.MemoryStore
	addr    string
}

// startAdmin runs a real admin server on an ephemeral loopback port with
// the sim identity provisioned.
func startAdmin(t *testing.T) *adminBench {
	t.Helper()

	st := store.NewMemory()
	bus := event.NewBus(nil)
	manager := session.NewManager(session.Config{
		Store:    st,
		Bus:      bus,
		Timeouts: session.Timeouts{Init: time.Hour, Idle: time.Hour, Lifetime: time.Hour},
	})
	keys, err := keystore.NewStatic([]keystore.Entry{{Identity: simIdentity, Key: simKey()}})
	require.NoError(t, err)

	srv, err := server.New(server.Config{
		Host:             "127.0.0.1",
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		DrainTimeout:     2 * time.Second,
		ShutdownTimeout:  5 * time.Second,
	}, server.Deps{Manager: manager, Keys: keys, Bus: bus})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	addr := srv.Addr().String()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("admin server did not stop")
		}
		_ = bus.Close()
	})
	return &adminBench{manager: manager, st: st, addr: addr}
}

// arm queues commands on the next session that appears; the client's
// StartDelay leaves room for this before the first pull.
func (b *adminBench) arm(t *testing.T, cmdHex ...string) {
	t.Helper()
	cmds := make([]session.Command, 0, len(cmdHex))
	for _, h := range cmdHex {
		raw, err := hexutil.Decode(h)
		require.NoError(t, err)
		cmd, err := apdu.DecodeCommand(raw)
		require.NoError(t, err)
		cmds = append(cmds, session.Command{APDU: cmd})
	}
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if ss := b.manager.Sessions(); len(ss) > 0 {
				_, _ = ss[0].Enqueue(context.Background(), cmds, session.EnqueueOptions{})
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
}

func simConfig(addr string) Config {
	return Config{
		Addr:       addr,
		Identity:   simIdentity,
		Key:        simKey(),
		StartDelay: 250 * time.Millisecond,
	}
}

// ============================================================================
// Construction
// ============================================================================

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Identity: simIdentity, Key: simKey()})
	assert.ErrorContains(t, err, "address")

	_, err = New(Config{Addr: "127.0.0.1:8443", Key: simKey()})
	assert.ErrorContains(t, err, "identity")

	_, err = New(Config{Addr: "127.0.0.1:8443", Identity: simIdentity, Key: []byte{0x01}})
	assert.ErrorContains(t, err, "16 or 32 bytes")
}

// ============================================================================
// Full sessions against a live server
// ============================================================================

func TestRunCompletesSession(t *testing.T) {
	bench := startAdmin(t)
	bench.arm(t, "00A4040007A0000001510000")

	client, err := New(simConfig(bench.addr))
	require.NoError(t, err)

	report, err := client.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Completed)
	assert.Equal(t, 1, report.Attempts)
	assert.Equal(t, "TLS_PSK_WITH_AES_128_CBC_SHA256", report.CipherSuite)

	require.Len(t, report.Exchanges, 1)
	ex := report.Exchanges[0]
	assert.Equal(t, byte(apdu.InsSelect), ex.INS)
	assert.Equal(t, "00A4040007A0000001510000", ex.CommandHex)
	assert.Equal(t, "9000", ex.SW)
	assert.False(t, ex.Injected)

	require.Eventually(t, func() bool {
		recs, err := bench.st.LoadSessions(context.Background(), store.LoadOptions{})
		return err == nil && len(recs) == 1 && recs[0].State == session.StateClosed.String()
	}, 5*time.Second, 10*time.Millisecond, "session row not closed")
}

func TestRunAnswersWholeQueue(t *testing.T) {
	bench := startAdmin(t)
	bench.arm(t,
		"00A4040007A0000001510000",
		"80F24000024F00",
		"80CA006600",
	)

	client, err := New(simConfig(bench.addr))
	require.NoError(t, err)

	report, err := client.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Exchanges, 3)

	assert.Equal(t, byte(apdu.InsSelect), report.Exchanges[0].INS)
	assert.Equal(t, byte(apdu.InsGetStatus), report.Exchanges[1].INS)
	assert.Equal(t, byte(apdu.InsGetData), report.Exchanges[2].INS)
	for _, ex := range report.Exchanges {
		assert.Equal(t, "9000", ex.SW)
	}
}

func TestRunUnknownInstruction(t *testing.T) {
	bench := startAdmin(t)
	bench.arm(t, "00EE0000")

	client, err := New(simConfig(bench.addr))
	require.NoError(t, err)

	report, err := client.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Exchanges, 1)
	assert.Equal(t, "6D00", report.Exchanges[0].SW)
	assert.True(t, report.Completed)
}

func TestRunErrorModeInjectsOverWire(t *testing.T) {
	bench := startAdmin(t)
	bench.arm(t, "00A4040007A0000001510000")

	cfg := simConfig(bench.addr)
	cfg.Behaviour = Behaviour{Mode: ModeError, Probability: 1, Seed: 7}
	client, err := New(cfg)
	require.NoError(t, err)

	report, err := client.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Exchanges, 1)
	assert.True(t, report.Exchanges[0].Injected)
	assert.Equal(t, "6F00", report.Exchanges[0].SW)
	assert.True(t, report.Completed)

	// The injected status word is what the server recorded.
	var rows []*store.APDURecord
	require.Eventually(t, func() bool {
		recs, err := bench.st.LoadSessions(context.Background(), store.LoadOptions{})
		if err != nil || len(recs) != 1 {
			return false
		}
		rows, err = bench.st.LoadAPDUs(context.Background(), recs[0].ID)
		return err == nil && len(rows) == 2
	}, 5*time.Second, 10*time.Millisecond, "apdu rows not recorded")
	assert.Equal(t, "6F00", rows[1].SW)
}

// ============================================================================
// Retry policy
// ============================================================================

func TestRunDoesNotRetryAuthFailure(t *testing.T) {
	bench := startAdmin(t)

	cfg := simConfig(bench.addr)
	cfg.Key = bytes.Repeat([]byte{0xFF}, 16)
	cfg.RetryBase = 10 * time.Millisecond
	client, err := New(cfg)
	require.NoError(t, err)

	report, err := client.Run(context.Background())
	require.Error(t, err)

	var he *psktls.HandshakeError
	require.ErrorAs(t, err, &he)
	assert.True(t, he.AuthFailure())
	assert.Equal(t, 1, report.Attempts)
	assert.False(t, report.Completed)
}

func TestRunRetriesTransportFailures(t *testing.T) {
	// Grab a port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := simConfig(addr)
	cfg.StartDelay = 0
	cfg.MaxAttempts = 3
	cfg.RetryBase = 10 * time.Millisecond
	client, err := New(cfg)
	require.NoError(t, err)

	report, err := client.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, report.Attempts)
	assert.False(t, report.Completed)
}

func TestRunStopsOnServerError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		conn := psktls.Server(raw, &psktls.Config{
			PSK: func(string) ([]byte, error) { return simKey(), nil },
		})
		if err := conn.Handshake(); err != nil {
			return
		}
		if _, err := gpframe.ReadRequest(bufio.NewReader(conn)); err != nil {
			return
		}
		_ = gpframe.WriteError(conn, http.StatusServiceUnavailable, "draining")
		_ = conn.Close()
	}()

	cfg := simConfig(ln.Addr().String())
	cfg.StartDelay = 0
	cfg.RetryBase = 10 * time.Millisecond
	client, err := New(cfg)
	require.NoError(t, err)

	report, err := client.Run(context.Background())
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusServiceUnavailable, pe.Status)
	assert.Equal(t, "draining", pe.Reason)
	assert.Equal(t, 1, report.Attempts)
}

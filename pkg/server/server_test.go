package server

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
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
	"github.com/cardbench/scp81/pkg/session"
	"github.com/cardbench/scp81/pkg/store"
)

const benchIdentity = "TEST_UICC_001"

func benchKey() []byte {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

// ============================================================================
// Test harness
// ============================================================================

// eventTap records every bus event for assertions.
type eventTap struct {
	mu     sync.Mutex
	events []event.Event
}

func tapBus(t *testing.T, bus *event.Bus) *eventTap {
	t.Helper()
	tap := &eventTap{}
	sub := bus.Subscribe(nil, func(ev event.Event) error {
		tap.mu.Lock()
		tap.events = append(tap.events, ev)
		tap.mu.Unlock()
		return nil
	})
	t.Cleanup(sub.Unsubscribe)
	return tap
}

func (tp *eventTap) byType(typ event.Type) []event.Event {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	var out []event.Event
	for _, ev := range tp.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// waitFor blocks until at least n events of the given type were published.
func (tp *eventTap) waitFor(t *testing.T, typ event.Type, n int) []event.Event {
	t.Helper()
	var got []event.Event
	require.Eventuallyf(t, func() bool {
		got = tp.byType(typ)
		return len(got) >= n
	}, 5*time.Second, 10*time.Millisecond, "waiting for %d %s events", n, typ)
	return got
}

type benchOpts struct {
	cfg      func(*Config)
	timeouts session.Timeouts
}

type benchEnv struct {
	srv     *Server
	manager *session.Manager
	keys    keystore.KeyStore
	st      *store.MemoryStore
	bus     *event.Bus
	tap     *eventTap
	addr    string

	cancel  context.CancelFunc
	done    chan error
	stopped bool
}

// newBench starts a server on an ephemeral loopback port with one
// provisioned identity and generous deadlines.
func newBench(t *testing.T, opts benchOpts) *benchEnv {
	t.Helper()

	st := store.NewMemory()
	bus := event.NewBus(nil)
	tap := tapBus(t, bus)

	timeouts := opts.timeouts
	if timeouts == (session.Timeouts{}) {
		timeouts = session.Timeouts{Init: time.Hour, Idle: time.Hour, Lifetime: time.Hour}
	}
	manager := session.NewManager(session.Config{Store: st, Bus: bus, Timeouts: timeouts})

	keys, err := keystore.NewStatic([]keystore.Entry{
		{Identity: benchIdentity, Key: benchKey()},
	})
	require.NoError(t, err)

	cfg := Config{
		Host:             "127.0.0.1",
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		DrainTimeout:     2 * time.Second,
		ShutdownTimeout:  5 * time.Second,
	}
	if opts.cfg != nil {
		opts.cfg(&cfg)
	}

	srv, err := New(cfg, Deps{Manager: manager, Keys: keys, Bus: bus})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	env := &benchEnv{
		srv:     srv,
		manager: manager,
		keys:    keys,
		st:      st,
		bus:     bus,
		tap:     tap,
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { env.done <- srv.Start(ctx) }()
	env.addr = srv.Addr().String()

	t.Cleanup(func() {
		if !env.stopped {
			_ = env.stop(t)
		}
		_ = bus.Close()
	})
	return env
}

// stop cancels the server and returns Start's result.
func (e *benchEnv) stop(t *testing.T) error {
	t.Helper()
	e.cancel()
	select {
	case err := <-e.done:
		e.stopped = true
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

// dialCard opens a PSK-TLS connection as the card side and fails the test
// if the handshake does.
func dialCard(t *testing.T, addr, identity string, key []byte) (*psktls.Conn, *bufio.Reader) {
	t.Helper()
	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn := psktls.Client(raw, &psktls.Config{Identity: identity, Key: key})
	require.NoError(t, conn.Handshake())
	t.Cleanup(func() { _ = conn.Close() })
	return conn, bufio.NewReader(conn)
}

// pullOnce posts the previous R-APDU (nil on first contact) and returns the
// server's reply.
func pullOnce(t *testing.T, conn *psktls.Conn, br *bufio.Reader, body []byte) *gpframe.Response {
	t.Helper()
	require.NoError(t, gpframe.WriteRequest(conn, "bench", "/admin", body))
	resp, err := gpframe.ReadResponse(br)
	require.NoError(t, err)
	return resp
}

func waitLiveSession(t *testing.T, m *session.Manager) *session.Session {
	t.Helper()
	var sess *session.Session
	require.Eventually(t, func() bool {
		ss := m.Sessions()
		if len(ss) == 0 {
			return false
		}
		sess = ss[0]
		return true
	}, 5*time.Second, 5*time.Millisecond, "no session registered")
	return sess
}

func enqueueHex(t *testing.T, sess *session.Session, cmdHex string) {
	t.Helper()
	raw, err := hexutil.Decode(cmdHex)
	require.NoError(t, err)
	cmd, err := apdu.DecodeCommand(raw)
	require.NoError(t, err)
	_, err = sess.Enqueue(context.Background(), []session.Command{{APDU: cmd}}, session.EnqueueOptions{})
	require.NoError(t, err)
}

func encodeSW(sw uint16) []byte {
	return apdu.NewResponse(nil, sw).Encode()
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestServerStartPublishesEvent(t *testing.T) {
	env := newBench(t, benchOpts{})

	started := env.tap.waitFor(t, event.TypeServerStarted, 1)[0].Payload.(event.ServerStarted)
	assert.Equal(t, "127.0.0.1", started.Host)
	assert.NotZero(t, started.Port)
	assert.Equal(t, []string{
		"TLS_PSK_WITH_AES_128_CBC_SHA256",
		"TLS_PSK_WITH_AES_256_CBC_SHA384",
	}, started.CipherSuites)
	assert.False(t, started.NullSuites)
	assert.True(t, env.srv.Running())
}

func TestDebugTierFlagsNullSuites(t *testing.T) {
	env := newBench(t, benchOpts{cfg: func(c *Config) { c.CipherTier = TierDebug }})

	started := env.tap.waitFor(t, event.TypeServerStarted, 1)[0].Payload.(event.ServerStarted)
	assert.True(t, started.NullSuites)
	assert.Contains(t, started.CipherSuites, "TLS_PSK_WITH_NULL_SHA256")
}

func TestNewRejectsBadConfig(t *testing.T) {
	manager := session.NewManager(session.Config{})
	keys, err := keystore.NewStatic(nil)
	require.NoError(t, err)

	_, err = New(Config{CipherTier: "fancy"}, Deps{Manager: manager, Keys: keys})
	assert.ErrorContains(t, err, "cipher tier")

	_, err = New(Config{Port: 70000}, Deps{Manager: manager, Keys: keys})
	assert.ErrorContains(t, err, "port")

	_, err = New(Config{}, Deps{Keys: keys})
	assert.ErrorContains(t, err, "session manager")

	_, err = New(Config{}, Deps{Manager: manager})
	assert.ErrorContains(t, err, "keystore")
}

func TestBindFailure(t *testing.T) {
	env := newBench(t, benchOpts{})
	port := env.srv.Addr().(*net.TCPAddr).Port

	srv2, err := New(Config{Host: "127.0.0.1", Port: port},
		Deps{Manager: env.manager, Keys: env.keys})
	require.NoError(t, err)

	err = srv2.Listen()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind")
}

func TestGracefulShutdown(t *testing.T) {
	env := newBench(t, benchOpts{})

	conn, br := dialCard(t, env.addr, benchIdentity, benchKey())
	waitLiveSession(t, env.manager)

	require.NoError(t, env.stop(t))

	ended := env.tap.waitFor(t, event.TypeSessionEnded, 1)[0].Payload.(event.SessionEnded)
	assert.Equal(t, session.EndReasonShutdown, ended.Reason)
	assert.Equal(t, session.StateClosed.String(), ended.State)

	stopped := env.tap.waitFor(t, event.TypeServerStopped, 1)[0].Payload.(event.ServerStopped)
	assert.Equal(t, "shutdown", stopped.Reason)
	assert.False(t, env.srv.Running())

	// The card sees its connection closed.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := gpframe.ReadResponse(br)
	assert.Error(t, err)

	// And nobody new gets in.
	if c, err := net.Dial("tcp", env.addr); err == nil {
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		one := make([]byte, 1)
		_, readErr := c.Read(one)
		assert.Error(t, readErr)
		_ = c.Close()
	}
}

func TestStopIsIdempotent(t *testing.T) {
	env := newBench(t, benchOpts{})
	require.NoError(t, env.stop(t))
	assert.NoError(t, env.srv.Stop(context.Background()))
}

// ============================================================================
// Pull protocol end to end
// ============================================================================

func TestHappyPathSelect(t *testing.T) {
	env := newBench(t, benchOpts{})
	conn, br := dialCard(t, env.addr, benchIdentity, benchKey())

	hs := env.tap.waitFor(t, event.TypeHandshakeCompleted, 1)[0].Payload.(event.HandshakeCompleted)
	assert.Equal(t, benchIdentity, hs.Identity)
	assert.Equal(t, "TLS_PSK_WITH_AES_128_CBC_SHA256", hs.CipherSuite)

	sess := waitLiveSession(t, env.manager)
	sum, err := sess.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.StateConnected.String(), sum.State)
	assert.Equal(t, benchIdentity, sum.PSKIdentity)

	enqueueHex(t, sess, "00A4040007A0000001510000")

	resp := pullOnce(t, conn, br, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, gpframe.ContentTypeCommand, resp.Headers.Get("Content-Type"))
	assert.Equal(t, "00A4040007A0000001510000", hexutil.Encode(resp.Body))

	sum, err = sess.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.StateActive.String(), sum.State)

	resp = pullOnce(t, conn, br, encodeSW(0x9000))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, resp.Close())

	ended := env.tap.waitFor(t, event.TypeSessionEnded, 1)[0].Payload.(event.SessionEnded)
	assert.Equal(t, session.StateClosed.String(), ended.State)
	assert.Equal(t, session.EndReasonNormal, ended.Reason)
	assert.Equal(t, 1, ended.Sent)
	assert.Equal(t, 1, ended.Received)

	received := env.tap.byType(event.TypeAPDUReceived)
	require.Len(t, received, 1)
	assert.Equal(t, "9000", received[0].Payload.(event.APDUReceived).SW)

	recs, err := env.st.LoadSessions(context.Background(), store.LoadOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, session.StateClosed.String(), recs[0].State)
	assert.Equal(t, session.EndReasonNormal, recs[0].EndReason)
}

func TestPSKMismatchCreatesNoSession(t *testing.T) {
	env := newBench(t, benchOpts{})

	raw, err := net.Dial("tcp", env.addr)
	require.NoError(t, err)
	defer raw.Close()
	conn := psktls.Client(raw, &psktls.Config{
		Identity: benchIdentity,
		Key:      bytes.Repeat([]byte{0xFF}, 16),
	})
	require.Error(t, conn.Handshake())

	failed := env.tap.waitFor(t, event.TypeHandshakeFailed, 1)[0].Payload.(event.HandshakeFailed)
	assert.Equal(t, psktls.ReasonDecryptionFailed, failed.Reason)
	assert.Equal(t, benchIdentity, failed.Identity)

	mismatch := env.tap.waitFor(t, event.TypePSKMismatch, 1)[0].Payload.(event.PSKMismatch)
	assert.Equal(t, psktls.ReasonDecryptionFailed, mismatch.Reason)

	assert.Zero(t, env.manager.Total())
	recs, err := env.st.LoadSessions(context.Background(), store.LoadOptions{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestGetResponseChaining(t *testing.T) {
	env := newBench(t, benchOpts{})
	conn, br := dialCard(t, env.addr, benchIdentity, benchKey())
	sess := waitLiveSession(t, env.manager)

	enqueueHex(t, sess, "80CA006600")

	resp := pullOnce(t, conn, br, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "80CA006600", hexutil.Encode(resp.Body))

	// 61 20: the server inserts GET RESPONSE ahead of the queue.
	resp = pullOnce(t, conn, br, []byte{0x61, 0x20})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "00C0000020", hexutil.Encode(resp.Body))

	data := bytes.Repeat([]byte{0xAB}, 0x20)
	resp = pullOnce(t, conn, br, apdu.NewResponse(data, 0x9000).Encode())
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	env.tap.waitFor(t, event.TypeSessionEnded, 1)

	rows, err := env.st.LoadAPDUs(context.Background(), sess.ID())
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, store.DirectionSent, rows[0].Direction)
	assert.Equal(t, store.DirectionReceived, rows[1].Direction)
	assert.Equal(t, "6120", rows[1].SW)
	assert.Equal(t, store.DirectionSent, rows[2].Direction)
	assert.Equal(t, "00C0000020", rows[2].Hex)
	assert.Equal(t, store.DirectionReceived, rows[3].Direction)
	assert.Equal(t, "9000", rows[3].SW)
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	env := newBench(t, benchOpts{
		timeouts: session.Timeouts{Init: 5 * time.Second, Idle: 250 * time.Millisecond, Lifetime: time.Hour},
	})
	conn, br := dialCard(t, env.addr, benchIdentity, benchKey())
	sess := waitLiveSession(t, env.manager)

	enqueueHex(t, sess, "00A4040007A0000001510000")
	resp := pullOnce(t, conn, br, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Stall instead of posting the R-APDU.
	ended := env.tap.waitFor(t, event.TypeSessionEnded, 1)[0].Payload.(event.SessionEnded)
	assert.Equal(t, session.EndReasonTimeoutActiveIdle, ended.Reason)
	assert.Equal(t, session.StateFailed.String(), ended.State)

	// The server closed the connection without a 204.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := gpframe.ReadResponse(br)
	assert.Error(t, err)
}

func TestQueueDrainEndsSession(t *testing.T) {
	env := newBench(t, benchOpts{})
	conn, br := dialCard(t, env.addr, benchIdentity, benchKey())
	sess := waitLiveSession(t, env.manager)

	enqueueHex(t, sess, "00A4040007A0000001510000")
	enqueueHex(t, sess, "80F24000024F00")

	resp := pullOnce(t, conn, br, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = pullOnce(t, conn, br, encodeSW(0x9000))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "80F24000024F00", hexutil.Encode(resp.Body))

	// Third pull drains the queue.
	resp = pullOnce(t, conn, br, encodeSW(0x9000))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, resp.Close())

	ended := env.tap.waitFor(t, event.TypeSessionEnded, 1)[0].Payload.(event.SessionEnded)
	assert.Equal(t, session.EndReasonNormal, ended.Reason)
	assert.Equal(t, 2, ended.Sent)
	assert.Equal(t, 2, ended.Received)
}

// ============================================================================
// Flood control
// ============================================================================

func TestFloodControlRejectsWithReset(t *testing.T) {
	env := newBench(t, benchOpts{})

	for i := 0; i < 5; i++ {
		raw, err := net.Dial("tcp", env.addr)
		require.NoError(t, err)
		conn := psktls.Client(raw, &psktls.Config{
			Identity: fmt.Sprintf("GHOST_%02d", i),
			Key:      benchKey(),
		})
		require.Error(t, conn.Handshake())
		_ = raw.Close()
	}

	env.tap.waitFor(t, event.TypeHandshakeFailed, 5)
	flood := env.tap.waitFor(t, event.TypePSKMismatchFlood, 1)[0].Payload.(event.PSKMismatchFlood)
	assert.Equal(t, "127.0.0.1", flood.PeerIP)
	assert.Equal(t, 5, flood.Failures)
	assert.Equal(t, 60, flood.WindowSeconds)
	assert.Equal(t, 60, flood.BlockSeconds)

	// The sixth attempt is rejected before TLS starts.
	raw, err := net.Dial("tcp", env.addr)
	require.NoError(t, err)
	defer raw.Close()
	conn := psktls.Client(raw, &psktls.Config{Identity: "GHOST_06", Key: benchKey()})
	require.Error(t, conn.Handshake())

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, env.tap.byType(event.TypeHandshakeFailed), 5)
	assert.Len(t, env.tap.byType(event.TypePSKMismatchFlood), 1)
	assert.Zero(t, env.manager.Total())
}

// ============================================================================
// Protocol errors
// ============================================================================

func TestMalformedRequestFailsSession(t *testing.T) {
	env := newBench(t, benchOpts{})
	conn, br := dialCard(t, env.addr, benchIdentity, benchKey())
	waitLiveSession(t, env.manager)

	_, err := conn.Write([]byte("NONSENSE\r\n\r\n"))
	require.NoError(t, err)

	resp, err := gpframe.ReadResponse(br)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "malformed_request_line", resp.Headers.Get("X-Admin-Error"))

	ended := env.tap.waitFor(t, event.TypeSessionEnded, 1)[0].Payload.(event.SessionEnded)
	assert.Equal(t, session.StateFailed.String(), ended.State)
	assert.Equal(t, session.EndReasonProtocol, ended.Reason)
}

func TestUnsupportedAdminProtocol(t *testing.T) {
	env := newBench(t, benchOpts{})
	conn, br := dialCard(t, env.addr, benchIdentity, benchKey())
	waitLiveSession(t, env.manager)

	req := "POST /admin HTTP/1.1\r\n" +
		"Host: bench\r\n" +
		"X-Admin-Protocol: globalPlatform.v2.0\r\n" +
		"Content-Length: 0\r\n\r\n"
	_, err := conn.Write([]byte(req))
	require.NoError(t, err)

	resp, err := gpframe.ReadResponse(br)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	assert.Equal(t, "unsupported_admin_protocol", resp.Headers.Get("X-Admin-Error"))

	ended := env.tap.waitFor(t, event.TypeSessionEnded, 1)[0].Payload.(event.SessionEnded)
	assert.Equal(t, session.EndReasonProtocol, ended.Reason)
}

func TestErrorRateExceededEvent(t *testing.T) {
	env := newBench(t, benchOpts{cfg: func(c *Config) { c.ErrorRateThreshold = 2 }})

	for i := 0; i < 2; i++ {
		conn, br := dialCard(t, env.addr, benchIdentity, benchKey())
		_, err := conn.Write([]byte("BOGUS\r\n\r\n"))
		require.NoError(t, err)
		_, _ = gpframe.ReadResponse(br)
		_ = conn.Close()
	}

	env.tap.waitFor(t, event.TypeSessionEnded, 2)
	exceeded := env.tap.waitFor(t, event.TypeErrorRateExceeded, 1)[0].Payload.(event.ErrorRateExceeded)
	assert.Equal(t, 2, exceeded.Failures)
	assert.Equal(t, 60, exceeded.WindowSeconds)
}

// ============================================================================
// Failure rate tracker
// ============================================================================

func TestFailureRateFiresOncePerWindow(t *testing.T) {
	r := newFailureRate(3, time.Minute)
	base := time.Now()

	assert.False(t, r.record(base))
	assert.False(t, r.record(base.Add(time.Second)))
	assert.True(t, r.record(base.Add(2*time.Second)))

	// Still over the threshold, but muted for the rest of the window.
	assert.False(t, r.record(base.Add(3*time.Second)))

	// A fresh burst after the window fires again.
	later := base.Add(3 * time.Minute)
	assert.False(t, r.record(later))
	assert.False(t, r.record(later.Add(time.Second)))
	assert.True(t, r.record(later.Add(2*time.Second)))
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Zero(t, cfg.Port)
	assert.Equal(t, TierProduction, cfg.CipherTier)
	assert.Equal(t, DefaultReadTimeout, cfg.ReadTimeout)
	assert.Equal(t, DefaultWriteTimeout, cfg.WriteTimeout)
	assert.Equal(t, 5, cfg.FloodGuard.Threshold)
	assert.NoError(t, cfg.Validate())
}

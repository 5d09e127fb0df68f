package psktls

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is a PSK-TLS connection over an underlying net.Conn. It implements
// net.Conn; Read and Write may be used concurrently with each other but not
// with themselves, matching crypto/tls semantics.
type Conn struct {
	conn     net.Conn
	reader   *bufio.Reader
	config   *Config
	isClient bool

	handshakeMu       sync.Mutex
	handshakeComplete atomic.Bool
	handshakeErr      error

	in  halfConn
	out halfConn

	// hand buffers handshake fragments across record boundaries.
	hand bytes.Buffer
	// appData holds the undrained tail of the last application data record.
	appData []byte
	// transcript accumulates raw handshake messages for the Finished MACs.
	transcript []byte

	suite        *cipherSuite
	peerIdentity string

	writeMu    sync.Mutex
	closeOnce  sync.Once
	closeErr   error
	peerClosed atomic.Bool
}

// Server wraps an accepted connection in the server role. The handshake
// runs on the first Handshake, Read or Write call.
func Server(conn net.Conn, config *Config) *Conn {
	return &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		config: config,
	}
}

// Client wraps a dialled connection in the client role.
func Client(conn net.Conn, config *Config) *Conn {
	return &Conn{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		config:   config,
		isClient: true,
	}
}

// Handshake runs the TLS handshake if it has not run yet. It is safe to
// call multiple times; later calls return the first outcome.
func (c *Conn) Handshake() error {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()

	if c.handshakeComplete.Load() {
		return nil
	}
	if c.handshakeErr != nil {
		return c.handshakeErr
	}

	var err error
	if c.isClient {
		err = c.clientHandshake()
	} else {
		err = c.serverHandshake()
	}
	if err != nil {
		c.handshakeErr = err
		return err
	}

	c.transcript = nil
	c.handshakeComplete.Store(true)
	return nil
}

// HandshakeContext runs the handshake under ctx. Cancellation forces the
// underlying connection's deadline so blocked I/O aborts; the connection is
// unusable afterwards.
func (c *Conn) HandshakeContext(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	err := c.Handshake()
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("psktls: handshake: %w", ctx.Err())
	}
	return err
}

// ConnectionState describes the negotiated parameters.
type ConnectionState struct {
	HandshakeComplete bool
	CipherSuite       uint16
	PeerIdentity      string
}

// ConnectionState returns the current negotiation state. PeerIdentity is
// the client's PSK identity on the server side and the server's identity
// hint, if any, on the client side.
func (c *Conn) ConnectionState() ConnectionState {
	state := ConnectionState{HandshakeComplete: c.handshakeComplete.Load()}
	if c.suite != nil {
		state.CipherSuite = c.suite.id
	}
	state.PeerIdentity = c.peerIdentity
	return state
}

// Read reads decrypted application data.
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.Handshake(); err != nil {
		return 0, err
	}

	for len(c.appData) == 0 {
		if c.peerClosed.Load() {
			return 0, io.EOF
		}
		typ, fragment, err := c.readRecord()
		if err != nil {
			return 0, err
		}
		switch typ {
		case recordTypeApplicationData:
			c.appData = fragment
		case recordTypeAlert:
			if err := c.handleAlert(fragment); err != nil {
				return 0, err
			}
		case recordTypeHandshake, recordTypeChangeCipherSpec:
			// No renegotiation.
			_ = c.sendAlert(alertUnexpectedMessage)
			return 0, errors.New("psktls: unexpected post-handshake message")
		}
	}

	n := copy(p, c.appData)
	c.appData = c.appData[n:]
	return n, nil
}

// Write encrypts and writes application data, fragmenting to the TLS record
// limit.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.Handshake(); err != nil {
		return 0, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var written int
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}
		if err := c.writeRecord(recordTypeApplicationData, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// handleAlert processes one alert record during application data flow.
func (c *Conn) handleAlert(fragment []byte) error {
	if len(fragment) != 2 {
		return errors.New("psktls: malformed alert record")
	}
	desc := alert(fragment[1])
	if desc == alertCloseNotify {
		c.peerClosed.Store(true)
		return nil
	}
	if fragment[0] == alertLevelWarning {
		return nil
	}
	return &AlertError{Description: uint8(desc)}
}

// sendAlert writes an alert record; close_notify is the only warning-level
// alert this implementation emits.
func (c *Conn) sendAlert(desc alert) error {
	level := byte(alertLevelError)
	if desc == alertCloseNotify {
		level = alertLevelWarning
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeRecord(recordTypeAlert, []byte{level, byte(desc)})
}

// Close sends close_notify if the handshake completed, then closes the
// underlying connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.handshakeComplete.Load() {
			_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			_ = c.sendAlert(alertCloseNotify)
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Conn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// NetConn returns the underlying transport connection.
func (c *Conn) NetConn() net.Conn { return c.conn }

// ============================================================================
// Handshake plumbing shared by both roles
// ============================================================================

// readHandshakeMessage returns the next handshake message: its type, body,
// and the raw framed bytes for the transcript. Alerts received instead are
// surfaced as AlertError.
func (c *Conn) readHandshakeMessage() (uint8, []byte, []byte, error) {
	for c.hand.Len() < 4 {
		if err := c.readHandshakeRecord(); err != nil {
			return 0, nil, nil, err
		}
	}

	header := c.hand.Bytes()[:4]
	n := int(header[1])<<16 | int(header[2])<<8 | int(header[3])
	if n > maxHandshakeSize {
		return 0, nil, nil, errDecodeHandshake
	}
	for c.hand.Len() < 4+n {
		if err := c.readHandshakeRecord(); err != nil {
			return 0, nil, nil, err
		}
	}

	raw := make([]byte, 4+n)
	if _, err := io.ReadFull(&c.hand, raw); err != nil {
		return 0, nil, nil, err
	}
	return raw[0], raw[4:], raw, nil
}

// maxHandshakeSize bounds a single handshake message; PSK flights are tiny.
const maxHandshakeSize = 4096

// readHandshakeRecord pulls one record that must carry handshake data.
func (c *Conn) readHandshakeRecord() error {
	typ, fragment, err := c.readRecord()
	if err != nil {
		return err
	}
	switch typ {
	case recordTypeHandshake:
		if len(fragment) == 0 {
			return errDecodeHandshake
		}
		c.hand.Write(fragment)
		return nil
	case recordTypeAlert:
		if len(fragment) != 2 {
			return errors.New("psktls: malformed alert record")
		}
		return &AlertError{Description: fragment[1]}
	default:
		return fmt.Errorf("psktls: unexpected record type %d during handshake", typ)
	}
}

// readChangeCipherSpec consumes the single-byte CCS record. Any buffered
// handshake data at this point is a protocol violation.
func (c *Conn) readChangeCipherSpec() error {
	if c.hand.Len() > 0 {
		return errors.New("psktls: handshake data before change_cipher_spec")
	}
	typ, fragment, err := c.readRecord()
	if err != nil {
		return err
	}
	if typ == recordTypeAlert && len(fragment) == 2 {
		return &AlertError{Description: fragment[1]}
	}
	if typ != recordTypeChangeCipherSpec || len(fragment) != 1 || fragment[0] != 1 {
		return errors.New("psktls: expected change_cipher_spec")
	}
	return nil
}

// writeHandshakeMessage writes one message and appends it to the transcript.
func (c *Conn) writeHandshakeMessage(raw []byte) error {
	if err := c.writeRecord(recordTypeHandshake, raw); err != nil {
		return err
	}
	c.transcript = append(c.transcript, raw...)
	return nil
}

// failHandshake sends the alert matching the failure and wraps it into a
// HandshakeError with everything negotiated so far.
func (c *Conn) failHandshake(reason string, desc alert, err error) error {
	_ = c.sendAlert(desc)
	he := &HandshakeError{Reason: reason, Identity: c.peerIdentity, Err: err}
	if c.suite != nil {
		he.CipherSuite = c.suite.id
	}
	return he
}

// wrapHandshakeIOError classifies read-side failures: peer alerts map to
// the canonical reason strings, record MAC failures are authentication
// failures, the rest is transport.
func (c *Conn) wrapHandshakeIOError(err error) error {
	var ae *AlertError
	if errors.As(err, &ae) {
		var reason string
		switch alert(ae.Description) {
		case alertUnknownPSKIdentity:
			reason = ReasonUnknownPSKIdentity
		case alertBadRecordMAC, alertDecryptError:
			reason = ReasonDecryptionFailed
		case alertProtocolVersion:
			reason = ReasonProtocolVersion
		case alertHandshakeFailure:
			reason = ReasonNoMutualCipher
		default:
			reason = ae.DescriptionString()
		}
		he := &HandshakeError{Reason: reason, Identity: c.peerIdentity, Err: ae}
		if c.suite != nil {
			he.CipherSuite = c.suite.id
		}
		return he
	}
	if errors.Is(err, errBadRecordMAC) {
		return c.failHandshake(ReasonDecryptionFailed, alertBadRecordMAC, err)
	}
	he := &HandshakeError{Reason: ReasonTransport, Identity: c.peerIdentity, Err: err}
	if c.suite != nil {
		he.CipherSuite = c.suite.id
	}
	return he
}

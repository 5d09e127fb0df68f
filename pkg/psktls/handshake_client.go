package psktls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// clientHandshake runs the client side of the PSK handshake. The card stack
// this mimics sends no extensions and expects the server to pick the cipher
// suite from its offered list.
func (c *Conn) clientHandshake() error {
	if err := ValidateIdentity(c.config.Identity); err != nil {
		return &HandshakeError{Reason: ReasonInvalidPSKIdentity, Err: err}
	}
	if err := ValidateKey(c.config.Key); err != nil {
		return &HandshakeError{Reason: ReasonInternal, Err: err}
	}

	var clientRandom [randomLength]byte
	if _, err := io.ReadFull(c.config.rand(), clientRandom[:]); err != nil {
		return c.failHandshake(ReasonInternal, alertInternalError, err)
	}

	hello := &clientHelloMsg{
		version:      VersionTLS12,
		random:       clientRandom,
		cipherSuites: c.config.suites(),
	}
	if err := c.sendHandshakeMessages(hello.marshal); err != nil {
		return c.wrapHandshakeIOError(err)
	}

	typ, body, raw, err := c.readHandshakeMessage()
	if err != nil {
		return c.wrapHandshakeIOError(err)
	}
	if typ != typeServerHello {
		return c.failHandshake(ReasonUnexpectedMessage, alertUnexpectedMessage, nil)
	}
	serverHello, err := parseServerHello(body)
	if err != nil {
		return c.failHandshake(ReasonMalformedMessage, alertIllegalParameter, err)
	}
	c.transcript = append(c.transcript, raw...)

	if serverHello.version != VersionTLS12 {
		return c.failHandshake(ReasonProtocolVersion, alertProtocolVersion,
			fmt.Errorf("server selected version %04x", serverHello.version))
	}
	suite := suiteByID(serverHello.cipherSuite)
	if suite == nil || !containsSuite(c.config.suites(), serverHello.cipherSuite) {
		return c.failHandshake(ReasonNoMutualCipher, alertIllegalParameter,
			fmt.Errorf("server selected unoffered suite %04x", serverHello.cipherSuite))
	}
	c.suite = suite

	// ServerKeyExchange is optional; it only carries the identity hint.
	typ, body, raw, err = c.readHandshakeMessage()
	if err != nil {
		return c.wrapHandshakeIOError(err)
	}
	if typ == typeServerKeyExchange {
		ske, err := parseServerKeyExchange(body)
		if err != nil {
			return c.failHandshake(ReasonMalformedMessage, alertIllegalParameter, err)
		}
		c.peerIdentity = string(ske.identityHint)
		c.transcript = append(c.transcript, raw...)

		typ, body, raw, err = c.readHandshakeMessage()
		if err != nil {
			return c.wrapHandshakeIOError(err)
		}
	}
	if typ != typeServerHelloDone || len(body) != 0 {
		return c.failHandshake(ReasonUnexpectedMessage, alertUnexpectedMessage, nil)
	}
	c.transcript = append(c.transcript, raw...)

	cke := &clientKeyExchangeMsg{identity: []byte(c.config.Identity)}
	if err := c.sendHandshakeMessages(cke.marshal); err != nil {
		return c.wrapHandshakeIOError(err)
	}

	premaster := pskPremaster(c.config.Key)
	master := masterFromPremaster(suite, premaster, clientRandom[:], serverHello.random[:])
	zero(premaster)
	clientMAC, serverMAC, clientKey, serverKey := keysFromMaster(suite, master, clientRandom[:], serverHello.random[:])

	if err := c.writeRecord(recordTypeChangeCipherSpec, []byte{1}); err != nil {
		return c.wrapHandshakeIOError(err)
	}
	if err := c.out.changeCipher(suite, clientKey, clientMAC); err != nil {
		return c.failHandshake(ReasonInternal, alertInternalError, err)
	}

	clientFinished := &finishedMsg{
		verifyData: finishedVerify(suite, master, labelClientFinished, c.transcript),
	}
	if err := c.sendHandshakeMessages(clientFinished.marshal); err != nil {
		return c.wrapHandshakeIOError(err)
	}

	if err := c.readChangeCipherSpec(); err != nil {
		return c.wrapHandshakeIOError(err)
	}
	if err := c.in.changeCipher(suite, serverKey, serverMAC); err != nil {
		return c.failHandshake(ReasonInternal, alertInternalError, err)
	}

	typ, body, _, err = c.readHandshakeMessage()
	if err != nil {
		return c.wrapHandshakeIOError(err)
	}
	if typ != typeFinished {
		return c.failHandshake(ReasonUnexpectedMessage, alertUnexpectedMessage, nil)
	}
	serverFinished, err := parseFinished(body)
	if err != nil {
		return c.failHandshake(ReasonMalformedMessage, alertIllegalParameter, err)
	}
	expected := finishedVerify(suite, master, labelServerFinished, c.transcript)
	if !verifyDataEqual(serverFinished.verifyData, expected) {
		return c.failHandshake(ReasonDecryptionFailed, alertDecryptError,
			errors.New("psktls: server finished verification failed"))
	}
	zero(master)

	if c.hand.Len() > 0 {
		return c.failHandshake(ReasonUnexpectedMessage, alertUnexpectedMessage,
			errors.New("psktls: trailing handshake data"))
	}
	return nil
}

func containsSuite(suites []uint16, id uint16) bool {
	for _, s := range suites {
		if s == id {
			return true
		}
	}
	return false
}

// Dial opens a TCP connection to addr and runs the PSK handshake under ctx.
// On handshake failure the connection is closed and a HandshakeError is
// returned.
func Dial(ctx context.Context, addr string, config *Config) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("psktls: dial %s: %w", addr, err)
	}

	conn := Client(raw, config)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

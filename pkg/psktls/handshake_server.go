package psktls

import (
	"errors"
	"fmt"
	"io"
)

// serverHandshake runs the server side of the PSK handshake:
//
//	ClientHello            -------->
//	                       <--------  ServerHello
//	                       <--------  ServerKeyExchange (identity hint, optional)
//	                       <--------  ServerHelloDone
//	ClientKeyExchange      -------->
//	ChangeCipherSpec       -------->
//	Finished               -------->
//	                       <--------  ChangeCipherSpec
//	                       <--------  Finished
func (c *Conn) serverHandshake() error {
	typ, body, raw, err := c.readHandshakeMessage()
	if err != nil {
		return c.wrapHandshakeIOError(err)
	}
	if typ != typeClientHello {
		return c.failHandshake(ReasonUnexpectedMessage, alertUnexpectedMessage, nil)
	}
	hello, err := parseClientHello(body)
	if err != nil {
		return c.failHandshake(ReasonMalformedMessage, alertIllegalParameter, err)
	}
	c.transcript = append(c.transcript, raw...)

	if hello.version < VersionTLS12 {
		return c.failHandshake(ReasonProtocolVersion, alertProtocolVersion,
			fmt.Errorf("client offered version %04x", hello.version))
	}

	suite := c.selectSuite(hello.cipherSuites)
	if suite == nil {
		return c.failHandshake(ReasonNoMutualCipher, alertHandshakeFailure, nil)
	}
	c.suite = suite

	var serverRandom [randomLength]byte
	if _, err := io.ReadFull(c.config.rand(), serverRandom[:]); err != nil {
		return c.failHandshake(ReasonInternal, alertInternalError, err)
	}

	serverHello := &serverHelloMsg{
		version:     VersionTLS12,
		random:      serverRandom,
		cipherSuite: suite.id,
	}
	if err := c.sendHandshakeMessages(serverHello.marshal); err != nil {
		return c.wrapHandshakeIOError(err)
	}

	if c.config.IdentityHint != "" {
		ske := &serverKeyExchangeMsg{identityHint: []byte(c.config.IdentityHint)}
		if err := c.sendHandshakeMessages(ske.marshal); err != nil {
			return c.wrapHandshakeIOError(err)
		}
	}
	if err := c.sendHandshakeMessages(marshalServerHelloDone); err != nil {
		return c.wrapHandshakeIOError(err)
	}

	typ, body, raw, err = c.readHandshakeMessage()
	if err != nil {
		return c.wrapHandshakeIOError(err)
	}
	if typ != typeClientKeyExchange {
		return c.failHandshake(ReasonUnexpectedMessage, alertUnexpectedMessage, nil)
	}
	cke, err := parseClientKeyExchange(body)
	if err != nil {
		return c.failHandshake(ReasonMalformedMessage, alertIllegalParameter, err)
	}
	c.transcript = append(c.transcript, raw...)

	identity := string(cke.identity)
	if err := ValidateIdentity(identity); err != nil {
		return c.failHandshake(ReasonInvalidPSKIdentity, alertIllegalParameter, err)
	}
	c.peerIdentity = identity

	if c.config.PSK == nil {
		return c.failHandshake(ReasonInternal, alertInternalError,
			errors.New("psktls: server config has no PSK callback"))
	}
	psk, err := c.config.PSK(identity)
	if err != nil {
		if errors.Is(err, ErrUnknownIdentity) {
			return c.failHandshake(ReasonUnknownPSKIdentity, alertUnknownPSKIdentity, err)
		}
		return c.failHandshake(ReasonInternal, alertInternalError, err)
	}
	if err := ValidateKey(psk); err != nil {
		return c.failHandshake(ReasonInternal, alertInternalError, err)
	}

	premaster := pskPremaster(psk)
	master := masterFromPremaster(suite, premaster, hello.random[:], serverRandom[:])
	zero(premaster)
	clientMAC, serverMAC, clientKey, serverKey := keysFromMaster(suite, master, hello.random[:], serverRandom[:])

	// The client switches ciphers first; a PSK mismatch surfaces here as a
	// record MAC failure on its Finished.
	if err := c.readChangeCipherSpec(); err != nil {
		return c.wrapHandshakeIOError(err)
	}
	if err := c.in.changeCipher(suite, clientKey, clientMAC); err != nil {
		return c.failHandshake(ReasonInternal, alertInternalError, err)
	}

	typ, body, raw, err = c.readHandshakeMessage()
	if err != nil {
		return c.wrapHandshakeIOError(err)
	}
	if typ != typeFinished {
		return c.failHandshake(ReasonUnexpectedMessage, alertUnexpectedMessage, nil)
	}
	clientFinished, err := parseFinished(body)
	if err != nil {
		return c.failHandshake(ReasonMalformedMessage, alertIllegalParameter, err)
	}
	expected := finishedVerify(suite, master, labelClientFinished, c.transcript)
	if !verifyDataEqual(clientFinished.verifyData, expected) {
		return c.failHandshake(ReasonDecryptionFailed, alertDecryptError,
			errors.New("psktls: client finished verification failed"))
	}
	c.transcript = append(c.transcript, raw...)

	if err := c.writeRecord(recordTypeChangeCipherSpec, []byte{1}); err != nil {
		return c.wrapHandshakeIOError(err)
	}
	if err := c.out.changeCipher(suite, serverKey, serverMAC); err != nil {
		return c.failHandshake(ReasonInternal, alertInternalError, err)
	}

	serverFinished := &finishedMsg{
		verifyData: finishedVerify(suite, master, labelServerFinished, c.transcript),
	}
	if err := c.sendHandshakeMessages(serverFinished.marshal); err != nil {
		return c.wrapHandshakeIOError(err)
	}
	zero(master)

	if c.hand.Len() > 0 {
		return c.failHandshake(ReasonUnexpectedMessage, alertUnexpectedMessage,
			errors.New("psktls: trailing handshake data"))
	}
	return nil
}

// selectSuite picks the first configured suite the client also offers.
// Preference order is the server's, not the client's.
func (c *Conn) selectSuite(offered []uint16) *cipherSuite {
	for _, want := range c.config.suites() {
		suite := suiteByID(want)
		if suite == nil {
			continue
		}
		for _, got := range offered {
			if got == want {
				return suite
			}
		}
	}
	return nil
}

// sendHandshakeMessages marshals and writes one handshake message, appending
// it to the transcript.
func (c *Conn) sendHandshakeMessages(marshal func() ([]byte, error)) error {
	raw, err := marshal()
	if err != nil {
		return err
	}
	return c.writeHandshakeMessage(raw)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

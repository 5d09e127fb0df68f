package psktls

import (
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

// VersionTLS12 is the only protocol version this package speaks; Amendment B
// mandates TLS 1.2 for SCP81.
const VersionTLS12 uint16 = 0x0303

// Handshake message types from RFC 5246.
const (
	typeClientHello       uint8 = 1
	typeServerHello       uint8 = 2
	typeServerKeyExchange uint8 = 12
	typeServerHelloDone   uint8 = 14
	typeClientKeyExchange uint8 = 16
	typeFinished          uint8 = 20
)

const randomLength = 32

var errDecodeHandshake = errors.New("psktls: malformed handshake message")

// marshalHandshake frames a message body with the 1-byte type and 24-bit
// length header.
func marshalHandshake(typ uint8, body func(*cryptobyte.Builder)) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(typ)
	b.AddUint24LengthPrefixed(body)
	return b.Bytes()
}

type clientHelloMsg struct {
	version      uint16
	random       [randomLength]byte
	sessionID    []byte
	cipherSuites []uint16
}

func (m *clientHelloMsg) marshal() ([]byte, error) {
	return marshalHandshake(typeClientHello, func(b *cryptobyte.Builder) {
		b.AddUint16(m.version)
		b.AddBytes(m.random[:])
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(m.sessionID)
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, suite := range m.cipherSuites {
				b.AddUint16(suite)
			}
		})
		// Null compression only.
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8(0)
		})
	})
}

func parseClientHello(body []byte) (*clientHelloMsg, error) {
	m := &clientHelloMsg{}
	s := cryptobyte.String(body)

	var random []byte
	if !s.ReadUint16(&m.version) || !s.ReadBytes(&random, randomLength) {
		return nil, errDecodeHandshake
	}
	copy(m.random[:], random)

	var sessionID cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&sessionID) || len(sessionID) > 32 {
		return nil, errDecodeHandshake
	}
	m.sessionID = append([]byte(nil), sessionID...)

	var suites cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&suites) || len(suites)%2 != 0 || suites.Empty() {
		return nil, errDecodeHandshake
	}
	for !suites.Empty() {
		var id uint16
		if !suites.ReadUint16(&id) {
			return nil, errDecodeHandshake
		}
		m.cipherSuites = append(m.cipherSuites, id)
	}

	var compression cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&compression) || compression.Empty() {
		return nil, errDecodeHandshake
	}

	// Extensions are legal but carry nothing we need; skip if present.
	if !s.Empty() {
		var extensions cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
			return nil, errDecodeHandshake
		}
	}

	return m, nil
}

type serverHelloMsg struct {
	version     uint16
	random      [randomLength]byte
	sessionID   []byte
	cipherSuite uint16
}

func (m *serverHelloMsg) marshal() ([]byte, error) {
	return marshalHandshake(typeServerHello, func(b *cryptobyte.Builder) {
		b.AddUint16(m.version)
		b.AddBytes(m.random[:])
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(m.sessionID)
		})
		b.AddUint16(m.cipherSuite)
		b.AddUint8(0)
	})
}

func parseServerHello(body []byte) (*serverHelloMsg, error) {
	m := &serverHelloMsg{}
	s := cryptobyte.String(body)

	var random []byte
	if !s.ReadUint16(&m.version) || !s.ReadBytes(&random, randomLength) {
		return nil, errDecodeHandshake
	}
	copy(m.random[:], random)

	var sessionID cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&sessionID) {
		return nil, errDecodeHandshake
	}
	m.sessionID = append([]byte(nil), sessionID...)

	var compression uint8
	if !s.ReadUint16(&m.cipherSuite) || !s.ReadUint8(&compression) || compression != 0 {
		return nil, errDecodeHandshake
	}

	if !s.Empty() {
		var extensions cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
			return nil, errDecodeHandshake
		}
	}

	return m, nil
}

// serverKeyExchangeMsg carries the optional psk_identity_hint from RFC 4279.
type serverKeyExchangeMsg struct {
	identityHint []byte
}

func (m *serverKeyExchangeMsg) marshal() ([]byte, error) {
	return marshalHandshake(typeServerKeyExchange, func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(m.identityHint)
		})
	})
}

func parseServerKeyExchange(body []byte) (*serverKeyExchangeMsg, error) {
	s := cryptobyte.String(body)
	var hint cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&hint) || !s.Empty() {
		return nil, errDecodeHandshake
	}
	return &serverKeyExchangeMsg{identityHint: append([]byte(nil), hint...)}, nil
}

// clientKeyExchangeMsg carries the psk_identity chosen by the client.
type clientKeyExchangeMsg struct {
	identity []byte
}

func (m *clientKeyExchangeMsg) marshal() ([]byte, error) {
	return marshalHandshake(typeClientKeyExchange, func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(m.identity)
		})
	})
}

func parseClientKeyExchange(body []byte) (*clientKeyExchangeMsg, error) {
	s := cryptobyte.String(body)
	var identity cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&identity) || !s.Empty() {
		return nil, errDecodeHandshake
	}
	return &clientKeyExchangeMsg{identity: append([]byte(nil), identity...)}, nil
}

func marshalServerHelloDone() ([]byte, error) {
	return marshalHandshake(typeServerHelloDone, func(b *cryptobyte.Builder) {})
}

type finishedMsg struct {
	verifyData []byte
}

func (m *finishedMsg) marshal() ([]byte, error) {
	return marshalHandshake(typeFinished, func(b *cryptobyte.Builder) {
		b.AddBytes(m.verifyData)
	})
}

func parseFinished(body []byte) (*finishedMsg, error) {
	if len(body) != finishedVerifyLen {
		return nil, errDecodeHandshake
	}
	return &finishedMsg{verifyData: append([]byte(nil), body...)}, nil
}

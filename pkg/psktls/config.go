// Package psktls implements the TLS 1.2 pre-shared-key cipher suites from
// RFC 4279 and RFC 5487 over TCP, which the standard library does not offer.
// The scope is exactly what GlobalPlatform Amendment B requires of an SCP81
// endpoint: plain-PSK key exchange, CBC and NULL record protection, a
// server-side identity lookup callback, and nothing else. No certificates,
// no session resumption, no renegotiation, TLS 1.2 only.
package psktls

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// MaxIdentityLength bounds the PSK identity in bytes.
const MaxIdentityLength = 128

// ErrUnknownIdentity is returned by a PSKCallback when the presented
// identity has no provisioned key. The handshake answers it with the
// unknown_psk_identity alert.
var ErrUnknownIdentity = errors.New("psktls: unknown psk identity")

// PSKCallback resolves a client identity to its pre-shared key. It must be
// safe for concurrent use. Returning ErrUnknownIdentity rejects the
// handshake; any other error aborts it as internal.
type PSKCallback func(identity string) ([]byte, error)

// Config drives both endpoint roles. Servers set PSK and optionally
// IdentityHint; clients set Identity and Key.
type Config struct {
	// CipherSuites is the permitted set in preference order. Empty means
	// ProductionCipherSuites.
	CipherSuites []uint16

	// PSK looks up the key for a client identity (server side).
	PSK PSKCallback

	// IdentityHint, when non-empty, is sent in the ServerKeyExchange so a
	// card holding several keys can pick one (server side).
	IdentityHint string

	// Identity is the PSK identity presented to the server (client side).
	Identity string

	// Key is the pre-shared key, 16 or 32 bytes (client side).
	Key []byte

	// Rand is the entropy source, crypto/rand by default.
	Rand io.Reader
}

func (c *Config) rand() io.Reader {
	if c != nil && c.Rand != nil {
		return c.Rand
	}
	return rand.Reader
}

func (c *Config) suites() []uint16 {
	if c != nil && len(c.CipherSuites) > 0 {
		return c.CipherSuites
	}
	return ProductionCipherSuites()
}

// ValidateIdentity checks the protocol bounds on a PSK identity: valid
// UTF-8, non-empty, at most MaxIdentityLength bytes.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return errors.New("psktls: empty psk identity")
	}
	if len(identity) > MaxIdentityLength {
		return fmt.Errorf("psktls: psk identity exceeds %d bytes", MaxIdentityLength)
	}
	if !utf8.ValidString(identity) {
		return errors.New("psktls: psk identity is not valid utf-8")
	}
	return nil
}

// ValidateKey checks the permitted PSK lengths.
func ValidateKey(key []byte) error {
	if len(key) != 16 && len(key) != 32 {
		return fmt.Errorf("psktls: psk must be 16 or 32 bytes, got %d", len(key))
	}
	return nil
}

// Stable handshake failure reasons surfaced in events and logs.
const (
	ReasonProtocolVersion    = "protocol_version"
	ReasonNoMutualCipher     = "no_mutual_cipher"
	ReasonUnknownPSKIdentity = "unknown_psk_identity"
	ReasonInvalidPSKIdentity = "invalid_psk_identity"
	ReasonDecryptionFailed   = "decryption_failed"
	ReasonUnexpectedMessage  = "unexpected_message"
	ReasonMalformedMessage   = "malformed_message"
	ReasonTransport          = "transport"
	ReasonInternal           = "internal"
)

// HandshakeError is a failed TLS handshake with whatever was learned before
// the failure. Identity is empty until the client presented one; CipherSuite
// is zero until negotiation succeeded.
type HandshakeError struct {
	Reason      string
	Identity    string
	CipherSuite uint16
	Err         error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("psktls: handshake failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("psktls: handshake failed (%s)", e.Reason)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// AuthFailure reports whether the failure was an authentication rejection,
// which callers must not retry.
func (e *HandshakeError) AuthFailure() bool {
	return e.Reason == ReasonUnknownPSKIdentity || e.Reason == ReasonDecryptionFailed
}

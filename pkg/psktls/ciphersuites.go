package psktls

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

// PSK cipher suite identifiers from RFC 4279 and RFC 5487.
const (
	TLS_PSK_WITH_NULL_SHA        uint16 = 0x002C
	TLS_PSK_WITH_AES_128_CBC_SHA uint16 = 0x008C
	TLS_PSK_WITH_AES_256_CBC_SHA uint16 = 0x008D

	TLS_PSK_WITH_AES_128_CBC_SHA256 uint16 = 0x00AE
	TLS_PSK_WITH_AES_256_CBC_SHA384 uint16 = 0x00AF
	TLS_PSK_WITH_NULL_SHA256        uint16 = 0x00B0
	TLS_PSK_WITH_NULL_SHA384        uint16 = 0x00B1
)

// cipherSuite describes the key schedule and record protection of one PSK
// suite. All supported suites are HMAC + CBC (or NULL) with the TLS 1.2
// explicit per-record IV; the PRF hash is SHA-256 except for the SHA384
// suites (RFC 5487 section 3).
type cipherSuite struct {
	id        uint16
	name      string
	keyLen    int
	macKeyLen int
	ivLen     int
	null      bool
	newMAC    func() hash.Hash
	newPRF    func() hash.Hash
}

var cipherSuites = []*cipherSuite{
	{
		id:        TLS_PSK_WITH_AES_128_CBC_SHA256,
		name:      "TLS_PSK_WITH_AES_128_CBC_SHA256",
		keyLen:    16,
		macKeyLen: 32,
		ivLen:     16,
		newMAC:    sha256.New,
		newPRF:    sha256.New,
	},
	{
		id:        TLS_PSK_WITH_AES_256_CBC_SHA384,
		name:      "TLS_PSK_WITH_AES_256_CBC_SHA384",
		keyLen:    32,
		macKeyLen: 48,
		ivLen:     16,
		newMAC:    sha512.New384,
		newPRF:    sha512.New384,
	},
	{
		id:        TLS_PSK_WITH_AES_128_CBC_SHA,
		name:      "TLS_PSK_WITH_AES_128_CBC_SHA",
		keyLen:    16,
		macKeyLen: 20,
		ivLen:     16,
		newMAC:    sha1.New,
		newPRF:    sha256.New,
	},
	{
		id:        TLS_PSK_WITH_AES_256_CBC_SHA,
		name:      "TLS_PSK_WITH_AES_256_CBC_SHA",
		keyLen:    32,
		macKeyLen: 20,
		ivLen:     16,
		newMAC:    sha1.New,
		newPRF:    sha256.New,
	},
	{
		id:        TLS_PSK_WITH_NULL_SHA,
		name:      "TLS_PSK_WITH_NULL_SHA",
		keyLen:    0,
		macKeyLen: 20,
		ivLen:     0,
		null:      true,
		newMAC:    sha1.New,
		newPRF:    sha256.New,
	},
	{
		id:        TLS_PSK_WITH_NULL_SHA256,
		name:      "TLS_PSK_WITH_NULL_SHA256",
		keyLen:    0,
		macKeyLen: 32,
		ivLen:     0,
		null:      true,
		newMAC:    sha256.New,
		newPRF:    sha256.New,
	},
	{
		id:        TLS_PSK_WITH_NULL_SHA384,
		name:      "TLS_PSK_WITH_NULL_SHA384",
		keyLen:    0,
		macKeyLen: 48,
		ivLen:     0,
		null:      true,
		newMAC:    sha512.New384,
		newPRF:    sha512.New384,
	},
}

func suiteByID(id uint16) *cipherSuite {
	for _, s := range cipherSuites {
		if s.id == id {
			return s
		}
	}
	return nil
}

// CipherSuiteName returns the RFC name, or a hex form for unknown IDs.
func CipherSuiteName(id uint16) string {
	if s := suiteByID(id); s != nil {
		return s.name
	}
	return "0x" + hexUint16(id)
}

func hexUint16(v uint16) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{
		digits[v>>12&0xF], digits[v>>8&0xF], digits[v>>4&0xF], digits[v&0xF],
	})
}

// ProductionCipherSuites is the default permitted set.
func ProductionCipherSuites() []uint16 {
	return []uint16{
		TLS_PSK_WITH_AES_128_CBC_SHA256,
		TLS_PSK_WITH_AES_256_CBC_SHA384,
	}
}

// LegacyCipherSuites adds the SHA-1 CBC suites needed by older UICC stacks.
func LegacyCipherSuites() []uint16 {
	return append(ProductionCipherSuites(),
		TLS_PSK_WITH_AES_128_CBC_SHA,
		TLS_PSK_WITH_AES_256_CBC_SHA,
	)
}

// DebugCipherSuites adds the NULL-encryption suites for trace debugging.
// Servers configured with these must warn loudly on start.
func DebugCipherSuites() []uint16 {
	return append(LegacyCipherSuites(),
		TLS_PSK_WITH_NULL_SHA,
		TLS_PSK_WITH_NULL_SHA256,
		TLS_PSK_WITH_NULL_SHA384,
	)
}

// ContainsNullSuite reports whether suites include a NULL-encryption suite.
func ContainsNullSuite(suites []uint16) bool {
	for _, id := range suites {
		if s := suiteByID(id); s != nil && s.null {
			return true
		}
	}
	return false
}

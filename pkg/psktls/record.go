package psktls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"errors"
	"fmt"
	"io"

	"github.com/cardbench/scp81/pkg/bufpool"
)

// Record content types.
const (
	recordTypeChangeCipherSpec uint8 = 20
	recordTypeAlert            uint8 = 21
	recordTypeHandshake        uint8 = 22
	recordTypeApplicationData  uint8 = 23
)

const (
	recordHeaderLen = 5
	maxPlaintext    = 16384
	// Plaintext plus MAC, padding and explicit IV.
	maxCiphertext = maxPlaintext + 2048
)

var (
	errBadRecordMAC   = errors.New("psktls: record authentication failed")
	errRecordOverflow = errors.New("psktls: oversized record")
	errSeqExhausted   = errors.New("psktls: record sequence number exhausted")
)

// halfConn is one direction of the record protection state. Until
// changeCipher is called records pass in the clear; afterwards the suite's
// MAC-then-encrypt CBC scheme (or MAC only, for NULL suites) applies with
// the TLS 1.2 explicit per-record IV.
type halfConn struct {
	suite  *cipherSuite
	block  cipher.Block
	macKey []byte
	seq    [8]byte
}

func (hc *halfConn) changeCipher(suite *cipherSuite, key, macKey []byte) error {
	if !suite.null {
		block, err := aes.NewCipher(key)
		if err != nil {
			return fmt.Errorf("init record cipher: %w", err)
		}
		hc.block = block
	}
	hc.suite = suite
	hc.macKey = macKey
	hc.seq = [8]byte{}
	return nil
}

func (hc *halfConn) active() bool {
	return hc.suite != nil
}

func (hc *halfConn) incSeq() error {
	for i := 7; i >= 0; i-- {
		hc.seq[i]++
		if hc.seq[i] != 0 {
			return nil
		}
	}
	return errSeqExhausted
}

// computeMAC is the RFC 5246 record MAC over the implicit sequence number
// and the record pseudo-header.
func (hc *halfConn) computeMAC(typ uint8, fragment []byte) []byte {
	m := hmac.New(hc.suite.newMAC, hc.macKey)
	m.Write(hc.seq[:])
	m.Write([]byte{
		typ,
		byte(VersionTLS12 >> 8), byte(VersionTLS12 & 0xff),
		byte(len(fragment) >> 8), byte(len(fragment)),
	})
	m.Write(fragment)
	return m.Sum(nil)
}

// seal protects one outgoing fragment and returns the record payload.
func (hc *halfConn) seal(typ uint8, fragment []byte, rand io.Reader) ([]byte, error) {
	if !hc.active() {
		return fragment, nil
	}

	mac := hc.computeMAC(typ, fragment)
	if err := hc.incSeq(); err != nil {
		return nil, err
	}

	if hc.suite.null {
		out := make([]byte, 0, len(fragment)+len(mac))
		out = append(out, fragment...)
		out = append(out, mac...)
		return out, nil
	}

	blockSize := hc.block.BlockSize()
	padCount := blockSize - (len(fragment)+len(mac))%blockSize

	// Scratch only; CryptBlocks copies it into out.
	plaintext := bufpool.Get(len(fragment) + len(mac) + padCount)
	defer bufpool.Put(plaintext)
	n := copy(plaintext, fragment)
	n += copy(plaintext[n:], mac)
	for i := n; i < len(plaintext); i++ {
		plaintext[i] = byte(padCount - 1)
	}

	out := make([]byte, hc.suite.ivLen+len(plaintext))
	iv := out[:hc.suite.ivLen]
	if _, err := io.ReadFull(rand, iv); err != nil {
		return nil, fmt.Errorf("generate record iv: %w", err)
	}
	cipher.NewCBCEncrypter(hc.block, iv).CryptBlocks(out[hc.suite.ivLen:], plaintext)
	return out, nil
}

// open verifies and strips record protection from one incoming payload.
func (hc *halfConn) open(typ uint8, payload []byte) ([]byte, error) {
	if !hc.active() {
		return payload, nil
	}

	macLen := hc.suite.macKeyLen

	if hc.suite.null {
		if len(payload) < macLen {
			return nil, errBadRecordMAC
		}
		fragment := payload[:len(payload)-macLen]
		mac := payload[len(payload)-macLen:]
		expected := hc.computeMAC(typ, fragment)
		if !hmac.Equal(mac, expected) {
			return nil, errBadRecordMAC
		}
		if err := hc.incSeq(); err != nil {
			return nil, err
		}
		return fragment, nil
	}

	blockSize := hc.block.BlockSize()
	ivLen := hc.suite.ivLen
	if len(payload) < ivLen+blockSize || (len(payload)-ivLen)%blockSize != 0 {
		return nil, errBadRecordMAC
	}

	iv := payload[:ivLen]
	plaintext := make([]byte, len(payload)-ivLen)
	cipher.NewCBCDecrypter(hc.block, iv).CryptBlocks(plaintext, payload[ivLen:])

	// Padding: padCount trailing bytes all equal to padCount-1.
	padCount := int(plaintext[len(plaintext)-1]) + 1
	if padCount > len(plaintext)-macLen {
		return nil, errBadRecordMAC
	}
	padOK := byte(0)
	for _, b := range plaintext[len(plaintext)-padCount:] {
		padOK |= b ^ byte(padCount-1)
	}
	if padOK != 0 {
		return nil, errBadRecordMAC
	}

	body := plaintext[:len(plaintext)-padCount]
	fragment := body[:len(body)-macLen]
	mac := body[len(body)-macLen:]
	expected := hc.computeMAC(typ, fragment)
	if !hmac.Equal(mac, expected) {
		return nil, errBadRecordMAC
	}
	if err := hc.incSeq(); err != nil {
		return nil, err
	}
	return fragment, nil
}

// writeRecord protects and writes one record. Fragments above maxPlaintext
// are split by the caller.
func (c *Conn) writeRecord(typ uint8, fragment []byte) error {
	payload, err := c.out.seal(typ, fragment, c.config.rand())
	if err != nil {
		return err
	}
	if len(payload) > maxCiphertext {
		return errRecordOverflow
	}

	record := bufpool.Get(recordHeaderLen + len(payload))
	defer bufpool.Put(record)
	record[0] = typ
	record[1] = byte(VersionTLS12 >> 8)
	record[2] = byte(VersionTLS12 & 0xff)
	record[3] = byte(len(payload) >> 8)
	record[4] = byte(len(payload))
	copy(record[recordHeaderLen:], payload)

	if _, err := c.conn.Write(record); err != nil {
		return err
	}
	return nil
}

// readRecord reads and unprotects the next record from the wire.
func (c *Conn) readRecord() (uint8, []byte, error) {
	var header [recordHeaderLen]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return 0, nil, err
	}

	typ := header[0]
	if typ < recordTypeChangeCipherSpec || typ > recordTypeApplicationData {
		return 0, nil, fmt.Errorf("psktls: unknown record type %d", typ)
	}
	if header[1] != 0x03 {
		return 0, nil, fmt.Errorf("psktls: unsupported record version %02x%02x", header[1], header[2])
	}

	n := int(header[3])<<8 | int(header[4])
	if n > maxCiphertext {
		return 0, nil, errRecordOverflow
	}

	// open can return a sub-slice of payload, so payload is never pooled.
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return 0, nil, fmt.Errorf("read record body: %w", err)
	}

	fragment, err := c.in.open(typ, payload)
	if err != nil {
		return 0, nil, err
	}
	return typ, fragment, nil
}

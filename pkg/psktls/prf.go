package psktls

import (
	"crypto/hmac"
	"crypto/subtle"
	"hash"
)

const (
	masterSecretLength = 48
	finishedVerifyLen  = 12
)

var (
	labelMasterSecret   = []byte("master secret")
	labelKeyExpansion   = []byte("key expansion")
	labelClientFinished = []byte("client finished")
	labelServerFinished = []byte("server finished")
)

// pHash implements P_hash from RFC 5246 section 5, writing len(out) bytes.
func pHash(newHash func() hash.Hash, out, secret, seed []byte) {
	h := hmac.New(newHash, secret)
	h.Write(seed)
	a := h.Sum(nil)

	for len(out) > 0 {
		h.Reset()
		h.Write(a)
		h.Write(seed)
		b := h.Sum(nil)
		n := copy(out, b)
		out = out[n:]

		h.Reset()
		h.Write(a)
		a = h.Sum(nil)
	}
}

// prf12 is the TLS 1.2 PRF with the suite's hash.
func prf12(newHash func() hash.Hash, n int, secret, label, seed []byte) []byte {
	labelAndSeed := make([]byte, 0, len(label)+len(seed))
	labelAndSeed = append(labelAndSeed, label...)
	labelAndSeed = append(labelAndSeed, seed...)

	out := make([]byte, n)
	pHash(newHash, out, secret, labelAndSeed)
	return out
}

// pskPremaster builds the plain-PSK pre-master secret from RFC 4279
// section 2: a zero-filled other_secret of the PSK's length, then the PSK,
// both length-prefixed.
func pskPremaster(psk []byte) []byte {
	n := len(psk)
	out := make([]byte, 0, 4+2*n)
	out = append(out, byte(n>>8), byte(n))
	out = append(out, make([]byte, n)...)
	out = append(out, byte(n>>8), byte(n))
	out = append(out, psk...)
	return out
}

// masterFromPremaster derives the 48-byte master secret.
func masterFromPremaster(suite *cipherSuite, premaster, clientRandom, serverRandom []byte) []byte {
	seed := make([]byte, 0, len(clientRandom)+len(serverRandom))
	seed = append(seed, clientRandom...)
	seed = append(seed, serverRandom...)
	return prf12(suite.newPRF, masterSecretLength, premaster, labelMasterSecret, seed)
}

// keysFromMaster expands the key block. TLS 1.2 CBC suites use an explicit
// per-record IV, so only MAC and cipher keys are drawn.
func keysFromMaster(suite *cipherSuite, master, clientRandom, serverRandom []byte) (clientMAC, serverMAC, clientKey, serverKey []byte) {
	seed := make([]byte, 0, len(serverRandom)+len(clientRandom))
	seed = append(seed, serverRandom...)
	seed = append(seed, clientRandom...)

	n := 2*suite.macKeyLen + 2*suite.keyLen
	block := prf12(suite.newPRF, n, master, labelKeyExpansion, seed)

	clientMAC, block = block[:suite.macKeyLen], block[suite.macKeyLen:]
	serverMAC, block = block[:suite.macKeyLen], block[suite.macKeyLen:]
	clientKey, block = block[:suite.keyLen], block[suite.keyLen:]
	serverKey = block[:suite.keyLen]
	return
}

// finishedVerify computes the 12-byte Finished verify_data over the
// handshake transcript hash.
func finishedVerify(suite *cipherSuite, master []byte, label, transcript []byte) []byte {
	h := suite.newPRF()
	h.Write(transcript)
	return prf12(suite.newPRF, finishedVerifyLen, master, label, h.Sum(nil))
}

func verifyDataEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

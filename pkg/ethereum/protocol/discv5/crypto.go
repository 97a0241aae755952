package discv5

import (
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"encoding/hex"
	"github.com/ethereum/go-ethereum/p2p/enode"
)

const (
	// Masking parameters.
	aesKeySize      = 16
	sizeofMaskingIV = 16
	sizeofNonce     = 12
	sizeofIDNonce   = 32
)

// Nonce is the message nonce. It identifies a request/response pair and is
// the AES/GCM nonce of the message ciphertext.
type Nonce [sizeofNonce]byte

func (n Nonce) String() string { return hex.EncodeToString(n[:]) }

// IDNonce is the challenge sent in a WHOAREYOU packet.
type IDNonce [sizeofIDNonce]byte

func (n IDNonce) String() string { return hex.EncodeToString(n[:]) }

// MaskingIV is the random value sent in clear at the front of every packet.
type MaskingIV [sizeofMaskingIV]byte

func (iv MaskingIV) String() string { return hex.EncodeToString(iv[:]) }

// maskingStream returns the AES-CTR keystream for 'masking' / 'unmasking'
// packet headers. The key is the first 16 bytes of id, which is the
// destination when encoding and the local node when decoding.
func maskingStream(id enode.ID, iv MaskingIV) cipher.Stream {
	var key [aesKeySize]byte
	copy(key[:], id[:aesKeySize])
	defer wipe(key[:])
	defer wipe(iv[:])

	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic("can't create cipher: " + err.Error())
	}
	return cipher.NewCTR(block, iv[:])
}

// maskHeader XORs the masking keystream over buf in place. Applying it twice
// with the same id and iv restores the input.
func maskHeader(id enode.ID, iv MaskingIV, buf []byte) {
	maskingStream(id, iv).XORKeyStream(buf, buf)
}

// wipe zeroes b. The key and IV copies are stack values the compiler would
// otherwise leave behind.
//
//go:noinline
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func randomIV() (iv MaskingIV) {
	mustRead(iv[:])
	return iv
}

func randomNonce() (n Nonce) {
	mustRead(n[:])
	return n
}

// mustRead fills b from the system random source or panics.
func mustRead(b []byte) {
	if _, err := crand.Read(b); err != nil {
		panic("discv5: can't read random data: " + err.Error())
	}
}

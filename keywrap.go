package vaultfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// sivSize is the length of the synthetic IV that prefixes every wrapped key
const sivSize = 16

// keyWrapper wraps the master key under the key-encryption key using
// AES-SIV (RFC 5297). SIV is deterministic and misuse resistant, so wrapping
// needs no nonce and the 16-byte SIV doubles as the integrity tag.
type keyWrapper struct {
	mac cipher.Block // S2V / CMAC key (first half)
	ctr cipher.Block // CTR key (second half)
}

// newKeyWrapper accepts a 32, 48 or 64 byte key, split into two AES keys
func newKeyWrapper(key []byte) (*keyWrapper, error) {
	switch len(key) {
	case 32, 48, 64:
	default:
		return nil, &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("AES-SIV requires a 32, 48 or 64-byte key, got %d bytes", len(key)),
			Err:     ErrInvalidKey,
		}
	}

	half := len(key) / 2
	mac, err := aes.NewCipher(key[:half])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	ctr, err := aes.NewCipher(key[half:])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return &keyWrapper{mac: mac, ctr: ctr}, nil
}

// Seal returns SIV || ciphertext
func (w *keyWrapper) Seal(plaintext []byte, ad ...[]byte) []byte {
	siv := w.s2v(plaintext, ad...)

	out := make([]byte, sivSize+len(plaintext))
	copy(out, siv)
	w.xorCTR(siv, plaintext, out[sivSize:])
	return out
}

// Open verifies and decrypts the output of Seal. Any mismatch in the key,
// the associated data or the ciphertext yields errOpenFailed.
func (w *keyWrapper) Open(sealed []byte, ad ...[]byte) ([]byte, error) {
	if len(sealed) < sivSize {
		return nil, errOpenFailed
	}
	siv := sealed[:sivSize]

	plaintext := make([]byte, len(sealed)-sivSize)
	w.xorCTR(siv, sealed[sivSize:], plaintext)

	if subtle.ConstantTimeCompare(siv, w.s2v(plaintext, ad...)) != 1 {
		clear(plaintext)
		return nil, errOpenFailed
	}
	return plaintext, nil
}

// s2v implements the S2V (Synthetic IV) algorithm from RFC 5297
func (w *keyWrapper) s2v(plaintext []byte, ad ...[]byte) []byte {
	// D = CMAC(zero_block)
	d := cmac(w.mac, make([]byte, 16))

	// For each AD[i]: D = dbl(D) xor CMAC(AD[i])
	for _, a := range ad {
		d = xor(dbl(d), cmac(w.mac, a))
	}

	var t []byte
	if len(plaintext) >= 16 {
		// T = plaintext xorend D
		t = make([]byte, len(plaintext))
		copy(t, plaintext)
		xorBytes(t[len(t)-16:], d)
	} else {
		// T = dbl(D) xor pad(plaintext)
		t = xor(dbl(d), pad(plaintext))
	}

	return cmac(w.mac, t)
}

// xorCTR runs AES-CTR keyed by the second half with the SIV as counter
func (w *keyWrapper) xorCTR(siv, src, dst []byte) {
	// Clear bits 31 and 63 of the counter (RFC 5297 Section 2.5)
	ctr := make([]byte, 16)
	copy(ctr, siv)
	ctr[8] &= 0x7f
	ctr[12] &= 0x7f

	cipher.NewCTR(w.ctr, ctr).XORKeyStream(dst, src)
}

// cmac implements AES-CMAC (RFC 4493)
func cmac(block cipher.Block, data []byte) []byte {
	k1, k2 := cmacSubkeys(block)

	n := (len(data) + 15) / 16
	if n == 0 {
		n = 1
	}

	var last []byte
	if len(data) == 0 || len(data)%16 != 0 {
		// Incomplete last block: 10* padding and k2
		last = pad(data[16*(n-1):])
		xorBytes(last, k2)
	} else {
		last = make([]byte, 16)
		copy(last, data[16*(n-1):])
		xorBytes(last, k1)
	}

	mac := make([]byte, 16)
	for i := 0; i < n-1; i++ {
		xorBytes(mac, data[i*16:(i+1)*16])
		block.Encrypt(mac, mac)
	}
	xorBytes(mac, last)
	block.Encrypt(mac, mac)

	return mac
}

func cmacSubkeys(block cipher.Block) ([]byte, []byte) {
	l := make([]byte, 16)
	block.Encrypt(l, l)

	k1 := dbl(l)
	k2 := dbl(k1)
	return k1, k2
}

// dbl implements the doubling operation in GF(2^128)
func dbl(block []byte) []byte {
	hi := binary.BigEndian.Uint64(block[:8])
	lo := binary.BigEndian.Uint64(block[8:16])

	result := make([]byte, 16)
	binary.BigEndian.PutUint64(result[:8], hi<<1|lo>>63)
	binary.BigEndian.PutUint64(result[8:], lo<<1)
	if hi>>63 != 0 {
		result[15] ^= 0x87
	}
	return result
}

// pad returns data (shorter than a block) padded with 0x80 0x00...
func pad(data []byte) []byte {
	result := make([]byte, 16)
	copy(result, data)
	result[len(data)] = 0x80
	return result
}

func xor(a, b []byte) []byte {
	result := make([]byte, len(a))
	copy(result, a)
	xorBytes(result, b)
	return result
}

// xorBytes XORs b into a in place
func xorBytes(a, b []byte) {
	for i := 0; i < len(a) && i < len(b); i++ {
		a[i] ^= b[i]
	}
}

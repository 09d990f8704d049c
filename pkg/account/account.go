// Package account implements the Nano-style account string encoding, seed
// derivation and signing used to identify and authenticate client and
// server accounts. A public key is a 32-byte Ed25519 key; the canonical
// account string is a base32 encoding of that key (custom alphabet) with an
// embedded BLAKE2b checksum, prefixed "xrb_" or "nano_".
package account

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// alphabet is Nano's base32 alphabet: digits and lowercase letters with
// 0, 2, l and v removed to avoid visual ambiguity.
const alphabet = "13456789abcdefghijkmnopqrstuwxyz"

const (
	// PrefixXRB and PrefixNano are the two accepted account prefixes.
	PrefixXRB  = "xrb_"
	PrefixNano = "nano_"

	accountBodyLen   = 52 // base32 digits encoding the 256-bit public key plus 4 padding bits
	checksumDigitLen = 8  // base32 digits encoding the 40-bit checksum
	checksumByteLen  = 5
)

var alphabetIndex = func() map[byte]int64 {
	m := make(map[byte]int64, len(alphabet))
	for i, c := range []byte(alphabet) {
		m[c] = int64(i)
	}
	return m
}()

// Key is a derived Nano-style keypair.
type Key struct {
	Private ed25519.PrivateKey
	Public  [32]byte
}

// Account returns the canonical "nano_"-prefixed account string for this key.
func (k *Key) Account() string {
	return Encode(k.Public)
}

// Derive derives the keypair at the given index from a 32-byte seed, using
// BLAKE2b(seed ∥ index_be32) as the Ed25519 private seed.
func Derive(seed [32]byte, index uint32) (*Key, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("account: failed to create blake2b hash: %w", err)
	}
	h.Write(seed[:])
	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], index)
	h.Write(idxBuf[:])
	ed25519Seed := h.Sum(nil)

	priv := ed25519.NewKeyFromSeed(ed25519Seed)
	pub := priv.Public().(ed25519.PublicKey)

	var pubArr [32]byte
	copy(pubArr[:], pub)

	return &Key{Private: priv, Public: pubArr}, nil
}

// Sign signs msg with the Ed25519 private key.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature of msg under pub.
func Verify(pub [32]byte, msg []byte, sig []byte) bool {
	return ed25519.Verify(pub[:], msg, sig)
}

// Encode renders a 32-byte public key as a canonical "nano_"-prefixed
// account string: 52 base32 digits for the key (4 leading zero bits of
// padding absorbed into the first digit) followed by 8 base32 digits
// encoding a byte-reversed 5-byte BLAKE2b checksum of the key.
func Encode(pub [32]byte) string {
	body := encodeBase32(new(big.Int).SetBytes(pub[:]), accountBodyLen)

	checksum := checksumBytes(pub)
	reversed := reverseBytes(checksum)
	checksumDigits := encodeBase32(new(big.Int).SetBytes(reversed), checksumDigitLen)

	return PrefixNano + body + checksumDigits
}

// Decode parses a canonical account string back into its 32-byte public
// key, verifying the embedded checksum. Tampering with any character is
// expected to fail this check.
func Decode(s string) ([32]byte, error) {
	var zero [32]byte

	body := s
	switch {
	case strings.HasPrefix(s, PrefixNano):
		body = strings.TrimPrefix(s, PrefixNano)
	case strings.HasPrefix(s, PrefixXRB):
		body = strings.TrimPrefix(s, PrefixXRB)
	default:
		return zero, fmt.Errorf("account: unrecognized prefix in %q", s)
	}

	if len(body) != accountBodyLen+checksumDigitLen {
		return zero, fmt.Errorf("account: wrong encoded length")
	}

	keyDigits := body[:accountBodyLen]
	checksumDigits := body[accountBodyLen:]

	keyVal, err := decodeBase32(keyDigits)
	if err != nil {
		return zero, fmt.Errorf("account: %w", err)
	}
	// The encoding carries 260 bits (4 padding bits + 256 key bits); a
	// valid account never sets any of the top 4 padding bits.
	if keyVal.BitLen() > 256 {
		return zero, fmt.Errorf("account: encoded key overflows 256 bits")
	}
	keyBytes := keyVal.FillBytes(make([]byte, 32))
	var pub [32]byte
	copy(pub[:], keyBytes)

	checksumVal, err := decodeBase32(checksumDigits)
	if err != nil {
		return zero, fmt.Errorf("account: %w", err)
	}
	gotChecksum := checksumVal.FillBytes(make([]byte, checksumByteLen))

	wantChecksum := reverseBytes(checksumBytes(pub))
	if string(gotChecksum) != string(wantChecksum) {
		return zero, fmt.Errorf("account: checksum mismatch")
	}

	return pub, nil
}

func checksumBytes(pub [32]byte) []byte {
	h, _ := blake2b.New(checksumByteLen, nil)
	h.Write(pub[:])
	return h.Sum(nil)
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// encodeBase32 renders v as exactly digits characters of the Nano alphabet,
// most-significant digit first, using repeated divmod by 32 — equivalent to
// 5-bit grouping of the binary representation since 32 = 2^5.
func encodeBase32(v *big.Int, digits int) string {
	n := new(big.Int).Set(v)
	base := big.NewInt(32)
	out := make([]byte, digits)
	rem := new(big.Int)
	for i := digits - 1; i >= 0; i-- {
		n.DivMod(n, base, rem)
		out[i] = alphabet[rem.Int64()]
	}
	return string(out)
}

func decodeBase32(s string) (*big.Int, error) {
	v := new(big.Int)
	base := big.NewInt(32)
	for i := 0; i < len(s); i++ {
		digit, ok := alphabetIndex[s[i]]
		if !ok {
			return nil, fmt.Errorf("invalid base32 character %q", s[i])
		}
		v.Mul(v, base)
		v.Add(v, big.NewInt(digit))
	}
	return v, nil
}

package auditledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/blake2b"
)

// Digest turns a canonical encoding into a fixed-length lowercase hex string.
// Implementations must accept any input, including an empty one.
type Digest interface {
	Name() string
	Sum(b []byte) string
}

// Digest names accepted by DigestByName.
const (
	DigestSHA256   = "sha256"
	DigestBLAKE2b  = "blake2b-256"
	DigestLegacy32 = "legacy32"
)

// SHA256 is the default digest: 64 lowercase hex characters.
var SHA256 Digest = sha256Digest{}

// BLAKE2b256 produces 64 lowercase hex characters from BLAKE2b-256.
var BLAKE2b256 Digest = blake2bDigest{}

// Legacy32 reproduces the non-cryptographic fallback some older appenders used
// when no secure digest was available. It exists only to verify chains they
// produced; New refuses it for appending.
var Legacy32 Digest = legacy32Digest{}

// DigestByName resolves a configured digest name. An empty name selects SHA256.
func DigestByName(name string) (Digest, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DigestSHA256:
		return SHA256, nil
	case DigestBLAKE2b:
		return BLAKE2b256, nil
	case DigestLegacy32:
		return Legacy32, nil
	default:
		return nil, fmt.Errorf("unknown digest %q", name)
	}
}

type sha256Digest struct{}

func (sha256Digest) Name() string { return DigestSHA256 }

func (sha256Digest) Sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

type blake2bDigest struct{}

func (blake2bDigest) Name() string { return DigestBLAKE2b }

func (blake2bDigest) Sum(b []byte) string {
	h := blake2b.Sum256(b)
	return hex.EncodeToString(h[:])
}

type legacy32Digest struct{}

func (legacy32Digest) Name() string { return DigestLegacy32 }

// Sum runs h = h*31 + c over the UTF-16 code units of b, wrapping at 32 bits,
// and prints the unsigned bit pattern as 8 hex digits.
func (legacy32Digest) Sum(b []byte) string {
	var h int32
	for _, c := range utf16.Encode([]rune(string(b))) {
		h = h*31 + int32(c)
	}
	return fmt.Sprintf("%08x", uint32(h))
}

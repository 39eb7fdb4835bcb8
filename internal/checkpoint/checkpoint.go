// Package checkpoint issues signed statements of a chain's length and root
// hash. An auditor who holds a checkpoint can later prove that the first
// Length entries of the chain have not been rewritten.
package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmerrifield20/govledger/internal/auditledger"
)

// Claims are the JWT claims of a ledger checkpoint.
type Claims struct {
	jwt.RegisteredClaims
	Scope  string `json:"scope"`
	Length int64  `json:"length"`
	Root   string `json:"root"`
	Digest string `json:"digest"`
}

// Signer issues and verifies checkpoints signed with HS256.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewSigner creates a Signer. ttl defaults to 24 hours when zero.
func NewSigner(secret []byte, issuer string, ttl time.Duration) (*Signer, error) {
	if len(secret) < 32 {
		return nil, errors.New("checkpoint secret must be at least 32 bytes")
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// Issue signs a checkpoint over scope at the given length and root.
func (s *Signer) Issue(scope string, length int64, root, digest string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   scope,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.New().String(),
		},
		Scope:  scope,
		Length: length,
		Root:   root,
		Digest: digest,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign checkpoint: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a checkpoint, returning its claims on success.
func (s *Signer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify checkpoint: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid checkpoint claims")
	}
	return claims, nil
}

// TTL returns the configured checkpoint lifetime.
func (s *Signer) TTL() time.Duration { return s.ttl }

// ErrDiverged is returned by Check when a chain no longer matches a checkpoint.
var ErrDiverged = errors.New("chain diverged from checkpoint")

// Check reports whether entries still contain the checkpointed prefix.
// The chain may have grown since the checkpoint was taken.
func Check(c *Claims, entries []auditledger.Entry) error {
	if c.Length == 0 {
		return nil
	}
	if int64(len(entries)) < c.Length {
		return fmt.Errorf("%w: chain has %d entries, checkpoint covers %d", ErrDiverged, len(entries), c.Length)
	}
	if got := entries[c.Length-1].Hash; got != c.Root {
		return fmt.Errorf("%w: entry %d hash is %s, checkpoint root is %s", ErrDiverged, c.Length-1, got, c.Root)
	}
	return nil
}

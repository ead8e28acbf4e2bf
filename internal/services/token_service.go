package services

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/speakerdesk/contract-engine/internal/config"
	"github.com/speakerdesk/contract-engine/internal/models"
)

const (
	tokenAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	numberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// TokenLength gives roughly 285 bits of entropy over the 62-char alphabet.
	TokenLength = 48
)

type TokenService struct {
	defaultTTL time.Duration
	now        func() time.Time
}

func NewTokenService(cfg *config.Config) *TokenService {
	return &TokenService{
		defaultTTL: cfg.SigningTokenTTL,
		now:        time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *TokenService) SetClock(now func() time.Time) {
	s.now = now
}

// IssuedTokens is one token per requested party and the shared horizon.
type IssuedTokens struct {
	Tokens    map[models.SignerType]string
	ExpiresAt time.Time
}

// IssueTokens generates a fresh token for every party. A non-positive ttl
// falls back to the configured default. Nothing is persisted.
func (s *TokenService) IssueTokens(parties []models.SignerType, ttl time.Duration) (IssuedTokens, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	issued := IssuedTokens{
		Tokens:    make(map[models.SignerType]string, len(parties)),
		ExpiresAt: s.now().UTC().Add(ttl),
	}
	for _, p := range parties {
		if !p.Valid() {
			return IssuedTokens{}, fmt.Errorf("unknown signer type %q", p)
		}
		token, err := GenerateSigningToken()
		if err != nil {
			return IssuedTokens{}, err
		}
		issued.Tokens[p] = token
	}
	return issued, nil
}

// GenerateSigningToken returns a TokenLength alphanumeric string from
// crypto/rand.
func GenerateSigningToken() (string, error) {
	return randomString(tokenAlphabet, TokenLength)
}

// randomString draws n characters uniformly from alphabet. Bytes at or above
// the largest multiple of len(alphabet) are rejected to avoid modulo bias.
func randomString(alphabet string, n int) (string, error) {
	limit := 256 - 256%len(alphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4)

	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

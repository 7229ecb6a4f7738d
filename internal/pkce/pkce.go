// Package pkce generates the random values of an authorization attempt
// and derives S256 code challenges (RFC 7636).
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/matheuscscp/oidc-pkce-client/internal/constants"
)

const (
	// VerifierBytes random bytes encode to a 58-character verifier.
	VerifierBytes = 43
	// StateBytes gives 128 bits of entropy to the CSRF state.
	StateBytes = 16

	// RFC 7636: 43..128 chars from ALPHA / DIGIT / "-" / "." / "_" / "~"
	// https://datatracker.ietf.org/doc/html/rfc7636#section-4.1
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

type Pair struct {
	Verifier  string
	Challenge string
	Method    string
}

// RandomToken reads n bytes from crypto/rand and encodes them as
// unpadded base64url.
func RandomToken(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("random token length must be positive, got %d", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func DeriveChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func NewPair() (Pair, error) {
	verifier, err := RandomToken(VerifierBytes)
	if err != nil {
		return Pair{}, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return Pair{
		Verifier:  verifier,
		Challenge: DeriveChallenge(verifier),
		Method:    constants.AuthorizationServerCodeChallengeMethod,
	}, nil
}

func NewState() (string, error) {
	state, err := RandomToken(StateBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return state, nil
}

func ValidVerifier(v string) bool {
	if len(v) < MinVerifierLength || len(v) > MaxVerifierLength {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

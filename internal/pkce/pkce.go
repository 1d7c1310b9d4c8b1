// Package pkce implements the Proof Key for Code Exchange primitives
// (RFC 7636). Only the S256 challenge method is supported; plain is rejected
// everywhere to keep intercepted codes useless without the verifier.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// MethodS256 is the only accepted code_challenge_method.
const MethodS256 = "S256"

const (
	minLength = 43
	maxLength = 128

	// verifierBytes yields a 43-char base64url string, 256 bits of entropy.
	verifierBytes = 32

	// codeBytes is the entropy of an authorization code.
	codeBytes = 32
)

// GenerateCodeVerifier returns a high-entropy URL-safe code verifier.
func GenerateCodeVerifier() (string, error) {
	buf := make([]byte, verifierBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateAuthorizationCode returns an unguessable authorization code with
// 256 bits of entropy.
func GenerateAuthorizationCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate authorization code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ChallengeFromVerifier derives the S256 code challenge:
// base64url(SHA-256(verifier)) without padding.
func ChallengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyChallenge recomputes the S256 challenge from verifier and compares it
// against challenge in constant time.
func VerifyChallenge(verifier, challenge string) bool {
	if !ValidVerifier(verifier) || !ValidChallenge(challenge) {
		return false
	}
	computed := ChallengeFromVerifier(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidVerifier reports whether s satisfies the RFC 7636 code_verifier
// grammar: [A-Za-z0-9-._~]{43,128}.
func ValidVerifier(s string) bool {
	return validFormat(s)
}

// ValidChallenge reports whether s is a well-formed S256 code_challenge.
// The grammar is the same character class as the verifier.
func ValidChallenge(s string) bool {
	return validFormat(s)
}

func validFormat(s string) bool {
	if len(s) < minLength || len(s) > maxLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}

package helpers

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"oauth-service/internal/auth"
)

// GenerateTestPEMKeys generates RSA keys and returns them as PEM strings
func GenerateTestPEMKeys(t *testing.T) (string, string) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test keys: %v", err)
	}

	// Encode private key to PEM
	privBytes := x509.MarshalPKCS1PrivateKey(privateKey)
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: privBytes,
	})

	// Encode public key to PEM
	pubBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("failed to marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	})

	return string(privPEM), string(pubPEM)
}

// TestKeyPolicy returns a key policy with short windows suited to tests.
func TestKeyPolicy() auth.KeyPolicy {
	return auth.KeyPolicy{
		Bits:         2048,
		Lifetime:     24 * time.Hour,
		RotateBefore: time.Hour,
		VerifyGrace:  time.Hour,
		Retention:    2,
	}
}

// NewTestKeyManager builds a key manager from freshly generated keys.
func NewTestKeyManager(t *testing.T) *auth.KeyManager {
	t.Helper()
	privPEM, pubPEM := GenerateTestPEMKeys(t)
	km, err := auth.NewKeyManager(privPEM, pubPEM, TestKeyPolicy())
	if err != nil {
		t.Fatalf("failed to build key manager: %v", err)
	}
	return km
}

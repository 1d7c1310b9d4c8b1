package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeyPair represents a single signing key and its metadata.
type KeyPair struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	CreatedAt  time.Time
	ExpiresAt  time.Time
	IsActive   bool
}

// KeyPolicy controls key generation and the rotation lifecycle.
type KeyPolicy struct {
	// Bits is the RSA modulus size for generated keys.
	Bits int
	// Lifetime is how long a key signs before rotation is due.
	Lifetime time.Duration
	// RotateBefore triggers proactive rotation this long before Lifetime ends.
	RotateBefore time.Duration
	// VerifyGrace is how long a rotated-out key keeps verifying. It must
	// exceed the longest token TTL or live tokens would become unverifiable.
	VerifyGrace time.Duration
	// Retention is how many rotated-out key versions to keep at most.
	Retention int
}

// KeyManager manages the signing key set: exactly one key signs at a time,
// every retained key verifies. Rotation and pruning share one mutex so
// manual and scheduled triggers are safe to race.
type KeyManager struct {
	mu           sync.RWMutex
	keys         map[string]*KeyPair
	currentKeyID string
	policy       KeyPolicy
}

// NewKeyManager creates a key manager from an initial PEM-encoded key pair.
// Additional keys are generated at runtime by rotation.
func NewKeyManager(privateKeyPEM, publicKeyPEM string, policy KeyPolicy) (*KeyManager, error) {
	privateKey, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKey, err := parseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	if policy.Bits == 0 {
		policy.Bits = 4096
	}
	if policy.Retention < 2 {
		policy.Retention = 2
	}

	keyID := uuid.New().String()
	now := time.Now()

	initialKey := &KeyPair{
		KeyID:      keyID,
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		CreatedAt:  now,
		// ExpiresAt stays zero while the key is current; rotation sets it.
		IsActive: true,
	}

	return &KeyManager{
		keys: map[string]*KeyPair{
			keyID: initialKey,
		},
		currentKeyID: keyID,
		policy:       policy,
	}, nil
}

// GetPrivateKey returns the current private key used for signing.
func (km *KeyManager) GetPrivateKey() *rsa.PrivateKey {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if key, ok := km.keys[km.currentKeyID]; ok && key.IsActive {
		return key.PrivateKey
	}
	return nil
}

// GetCurrentKeyID returns the kid of the current signing key.
func (km *KeyManager) GetCurrentKeyID() string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentKeyID
}

// GetPublicKeyByID returns the public key for a given kid if the key version
// has not been rotated past its verification grace or pruned.
func (km *KeyManager) GetPublicKeyByID(keyID string) (*rsa.PublicKey, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	key, ok := km.keys[keyID]
	if !ok || !key.IsActive {
		return nil, fmt.Errorf("key not found or inactive: %s", keyID)
	}
	if !key.ExpiresAt.IsZero() && key.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("key expired: %s", keyID)
	}
	return key.PublicKey, nil
}

// GetJWKSet returns the JWK set for the JWKS endpoint containing the public
// halves of every verifiable key.
func (km *KeyManager) GetJWKSet() jwk.Set {
	km.mu.RLock()
	defer km.mu.RUnlock()

	keySet := jwk.NewSet()
	now := time.Now()

	for _, kp := range km.keys {
		if !kp.IsActive {
			continue
		}
		if !kp.ExpiresAt.IsZero() && kp.ExpiresAt.Before(now) {
			continue
		}

		jwkKey, err := jwk.FromRaw(kp.PublicKey)
		if err != nil {
			continue
		}
		_ = jwkKey.Set(jwk.KeyIDKey, kp.KeyID)
		_ = jwkKey.Set(jwk.AlgorithmKey, "RS256")
		_ = jwkKey.Set(jwk.KeyUsageKey, "sig")

		_ = keySet.AddKey(jwkKey)
	}

	return keySet
}

// NeedsRotation reports whether the current key is within the proactive
// rotation window of the end of its lifetime.
func (km *KeyManager) NeedsRotation() bool {
	km.mu.RLock()
	defer km.mu.RUnlock()

	current, ok := km.keys[km.currentKeyID]
	if !ok {
		return true
	}
	due := current.CreatedAt.Add(km.policy.Lifetime - km.policy.RotateBefore)
	return !time.Now().Before(due)
}

// Rotate generates a new key pair, makes it the signing key, gives the
// previous signing key its verification grace, and prunes old versions.
// Manual and scheduled rotation both come through here.
func (km *KeyManager) Rotate() (string, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	privateKey, err := rsa.GenerateKey(rand.Reader, km.policy.Bits)
	if err != nil {
		return "", fmt.Errorf("failed to generate new RSA key: %w", err)
	}

	keyID := uuid.New().String()
	now := time.Now()

	newKey := &KeyPair{
		KeyID:      keyID,
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
		CreatedAt:  now,
		IsActive:   true,
	}

	// The rotated-out key keeps verifying until its grace elapses.
	if current, ok := km.keys[km.currentKeyID]; ok {
		current.ExpiresAt = now.Add(km.policy.VerifyGrace)
	}

	km.keys[keyID] = newKey
	km.currentKeyID = keyID

	km.pruneLocked(now)

	return keyID, nil
}

// RotateIfDue rotates only when the current key is inside the proactive
// window. It returns the new kid, or "" when no rotation happened.
func (km *KeyManager) RotateIfDue() (string, error) {
	if !km.NeedsRotation() {
		return "", nil
	}
	return km.Rotate()
}

// CleanupExpiredKeys removes keys that are past their verification grace.
func (km *KeyManager) CleanupExpiredKeys() {
	km.mu.Lock()
	defer km.mu.Unlock()

	now := time.Now()
	for id, kp := range km.keys {
		if id == km.currentKeyID {
			continue
		}
		if !kp.ExpiresAt.IsZero() && kp.ExpiresAt.Before(now) {
			delete(km.keys, id)
		}
	}
}

// pruneLocked drops rotated-out versions beyond the retention count, never
// removing the current key or a key still inside its verification grace.
func (km *KeyManager) pruneLocked(now time.Time) {
	retired := make([]*KeyPair, 0, len(km.keys))
	for id, kp := range km.keys {
		if id == km.currentKeyID {
			continue
		}
		retired = append(retired, kp)
	}
	if len(retired) <= km.policy.Retention {
		return
	}

	sort.Slice(retired, func(i, j int) bool {
		return retired[i].CreatedAt.After(retired[j].CreatedAt)
	})

	for _, kp := range retired[km.policy.Retention:] {
		if kp.ExpiresAt.IsZero() || kp.ExpiresAt.After(now) {
			continue
		}
		delete(km.keys, kp.KeyID)
	}
}

// parseRSAPrivateKey parses a PEM-encoded RSA private key.
func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format
		parsedKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := parsedKey.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	return key, nil
}

// parseRSAPublicKey parses a PEM-encoded RSA public key.
func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// Try PKCS1 format
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		return key, nil
	}

	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("key is not an RSA public key")
	}

	return rsaKey, nil
}

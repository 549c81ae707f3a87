// Package signing holds the Ed25519 and HMAC primitives shared by the token
// codec, receipt signer, and webhook transport.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// KeyIDLength is the truncated length of derived key identifiers.
const KeyIDLength = 32

// KeyPair wraps an Ed25519 key pair together with its derived keyId.
type KeyPair struct {
	KeyID   string
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: generate key: %w", err)
	}
	keyID, err := KeyIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{KeyID: keyID, Public: pub, private: priv}, nil
}

// KeyPairFromSeed deterministically derives a key pair from a 32-byte seed.
// Used by tests and by config-pinned signer keys.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	keyID, err := KeyIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{KeyID: keyID, Public: pub, private: priv}, nil
}

// Sign produces an Ed25519 signature over message bytes. Callers decide
// whether the message is canonical JSON or a 32-byte hash.
func (k *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Verify checks an Ed25519 signature against a public key.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// KeyIDFromPublicKey derives the stable key identifier:
// base64url(sha256(spkiDer)) truncated to 32 characters.
func KeyIDFromPublicKey(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("signing: marshal spki: %w", err)
	}
	sum := sha256.Sum256(der)
	id := base64.RawURLEncoding.EncodeToString(sum[:])
	return id[:KeyIDLength], nil
}

// PublicKeyToPEM encodes a public key as a PEM SPKI block.
func PublicKeyToPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("signing: marshal spki: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// PublicKeyFromPEM parses a PEM SPKI block into an Ed25519 public key.
func PublicKeyFromPEM(pemData string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("signing: no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing: parse spki: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signing: not an Ed25519 public key")
	}
	return pub, nil
}

// KeyIDFromPEM derives the keyId for a PEM-encoded SPKI public key.
func KeyIDFromPEM(pemData string) (string, error) {
	pub, err := PublicKeyFromPEM(pemData)
	if err != nil {
		return "", err
	}
	return KeyIDFromPublicKey(pub)
}

package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeyInfo = "swiftly-transfer-v1"

var x25519Curve = ecdh.X25519()

// GenerateEphemeralX25519KeyPair creates a one-pairing X25519 keypair.
func GenerateEphemeralX25519KeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// EncodeX25519PublicKey returns the wire form of a public key.
func EncodeX25519PublicKey(publicKey *ecdh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(publicKey.Bytes())
}

// ParseX25519PublicKey decodes a base64 X25519 public key.
func ParseX25519PublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode X25519 public key: %w", err)
	}
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeX25519SharedSecret runs the X25519 key agreement.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	shared, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return shared, nil
}

// DeriveSessionKey expands a shared secret into a 32-byte AES key. The two
// endpoint identifiers are ordered so both sides derive the same key.
func DeriveSessionKey(sharedSecret []byte, localID, peerID string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("shared secret is required")
	}

	first, second := localID, peerID
	if second < first {
		first, second = second, first
	}
	salt := sha256.Sum256([]byte(first + "|" + second))

	reader := hkdf.New(sha256.New, sharedSecret, salt[:], []byte(sessionKeyInfo))
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

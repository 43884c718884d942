package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// SessionKeySize is the AES-256 key length DeriveSessionKey produces.
	SessionKeySize = 32
	// NonceSize is the AES-GCM nonce length prefixed to every sealed box.
	NonceSize = 12
)

// ErrSealedTooShort is returned for input shorter than a nonce plus GCM tag.
var ErrSealedTooShort = errors.New("crypto: sealed box too short")

// Sealer encrypts independent messages under one session key. Each sealed box
// is nonce || ciphertext || tag with a fresh random nonce. Safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer binds an AES-256-GCM sealer to sessionKey.
func NewSealer(sessionKey []byte) (*Sealer, error) {
	if len(sessionKey) != SessionKeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), SessionKeySize)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns a sealed box for plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	box := make([]byte, NonceSize, NonceSize+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(box); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(box, box[:NonceSize], plaintext, nil), nil
}

// Open authenticates and decrypts a box produced by Seal.
func (s *Sealer) Open(box []byte) ([]byte, error) {
	if len(box) < NonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes", ErrSealedTooShort, len(box))
	}

	plaintext, err := s.aead.Open(nil, box[:NonceSize], box[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed box: %w", err)
	}
	return plaintext, nil
}

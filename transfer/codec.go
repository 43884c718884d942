package transfer

import (
	"encoding/base64"
	"fmt"

	"swiftly/crypto"
)

// Codec turns raw chunk bytes into a text-safe payload and back.
type Codec interface {
	Encode(raw []byte) (string, error)
	Decode(payload string) ([]byte, error)
}

// Base64Codec is the default codec. Padding is always emitted and required.
type Base64Codec struct{}

func (Base64Codec) Encode(raw []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (Base64Codec) Decode(payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode base64 chunk: %w", err)
	}
	return raw, nil
}

// SealedCodec encrypts each chunk with AES-256-GCM under a key shared by the
// paired devices. The payload is base64(nonce || ciphertext || tag).
type SealedCodec struct {
	sealer *crypto.Sealer
}

// NewSealedCodec returns a codec bound to a 32-byte session key.
func NewSealedCodec(sessionKey []byte) (*SealedCodec, error) {
	sealer, err := crypto.NewSealer(sessionKey)
	if err != nil {
		return nil, err
	}
	return &SealedCodec{sealer: sealer}, nil
}

func (c *SealedCodec) Encode(raw []byte) (string, error) {
	box, err := c.sealer.Seal(raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(box), nil
}

func (c *SealedCodec) Decode(payload string) ([]byte, error) {
	box, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode sealed chunk: %w", err)
	}
	return c.sealer.Open(box)
}

package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// PairingFingerprint returns a short code both devices can display and compare
// after a pairing. It does not depend on which side initiated.
func PairingFingerprint(a, b *ecdh.PublicKey) string {
	first, second := a.Bytes(), b.Bytes()
	if bytes.Compare(second, first) < 0 {
		first, second = second, first
	}

	hash := sha256.New()
	hash.Write(first)
	hash.Write(second)
	sum := hash.Sum(nil)
	return FormatFingerprint(hex.EncodeToString(sum[:8]))
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}

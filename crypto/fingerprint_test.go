package crypto

import (
	"testing"
)

func TestPairingFingerprintIsSymmetric(t *testing.T) {
	_, alicePublic, err := GenerateEphemeralX25519KeyPair()
	if err != nil {
		t.Fatalf("generate alice keypair: %v", err)
	}
	_, bobPublic, err := GenerateEphemeralX25519KeyPair()
	if err != nil {
		t.Fatalf("generate bob keypair: %v", err)
	}

	forward := PairingFingerprint(alicePublic, bobPublic)
	reverse := PairingFingerprint(bobPublic, alicePublic)
	if forward != reverse {
		t.Fatalf("expected symmetric fingerprint, got %q and %q", forward, reverse)
	}
	if len(forward) != 19 {
		t.Fatalf("expected 4 groups of 4 chars, got %q", forward)
	}
}

func TestFormatFingerprintGroupsCharacters(t *testing.T) {
	got := FormatFingerprint("a1b2c3d4e5")
	if got != "A1B2 C3D4 E5" {
		t.Fatalf("unexpected format: %q", got)
	}
	if FormatFingerprint("") != "" {
		t.Fatalf("expected empty output for empty fingerprint")
	}
}

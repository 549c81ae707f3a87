package signing

import (
	"bytes"
	"testing"
)

func TestKeyIDDerivation(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if len(kp.KeyID) != KeyIDLength {
		t.Errorf("KeyID length = %d, want %d", len(kp.KeyID), KeyIDLength)
	}

	pemData, err := PublicKeyToPEM(kp.Public)
	if err != nil {
		t.Fatalf("PublicKeyToPEM() error = %v", err)
	}
	fromPEM, err := KeyIDFromPEM(pemData)
	if err != nil {
		t.Fatalf("KeyIDFromPEM() error = %v", err)
	}
	if fromPEM != kp.KeyID {
		t.Errorf("KeyIDFromPEM() = %q, want %q", fromPEM, kp.KeyID)
	}
}

func TestPEMRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	pemData, err := PublicKeyToPEM(kp.Public)
	if err != nil {
		t.Fatalf("PublicKeyToPEM() error = %v", err)
	}
	pub, err := PublicKeyFromPEM(pemData)
	if err != nil {
		t.Fatalf("PublicKeyFromPEM() error = %v", err)
	}
	if !bytes.Equal(pub, kp.Public) {
		t.Error("public key round trip mismatch")
	}
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	msg := []byte(`{"amountCents":1000}`)
	sig := kp.Sign(msg)
	if !Verify(kp.Public, msg, sig) {
		t.Error("Verify() = false for valid signature")
	}
	if Verify(kp.Public, []byte("tampered"), sig) {
		t.Error("Verify() = true for tampered message")
	}
	if Verify(kp.Public, msg, sig[:32]) {
		t.Error("Verify() = true for truncated signature")
	}
}

func TestKeyPairFromSeed_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a, err := KeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("KeyPairFromSeed() error = %v", err)
	}
	b, err := KeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("KeyPairFromSeed() error = %v", err)
	}
	if a.KeyID != b.KeyID {
		t.Errorf("seeded key IDs differ: %q vs %q", a.KeyID, b.KeyID)
	}
	if _, err := KeyPairFromSeed(seed[:16]); err == nil {
		t.Error("KeyPairFromSeed() should reject short seeds")
	}
}

func TestHMAC(t *testing.T) {
	secret := []byte("whsec_test")
	msg := []byte(`{"timestamp":"2026-01-01T00:00:00Z"}`)
	sig := HMACSHA256(secret, msg)
	if len(sig) != 64 {
		t.Errorf("HMACSHA256() length = %d, want 64", len(sig))
	}
	if !VerifyHMACSHA256(secret, msg, sig) {
		t.Error("VerifyHMACSHA256() = false for valid signature")
	}
	if VerifyHMACSHA256(secret, []byte("other"), sig) {
		t.Error("VerifyHMACSHA256() = true for different message")
	}
	if VerifyHMACSHA256(secret, msg, "zzzz") {
		t.Error("VerifyHMACSHA256() = true for malformed hex")
	}
}

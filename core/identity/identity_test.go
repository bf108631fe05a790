package identity

import (
	"bytes"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	msg := []byte("announce payload bytes")
	sig := kp.Sign(msg)
	if !Verify(kp.PublicKey, msg, sig) {
		t.Error("expected signature to verify")
	}
	if Verify(kp.PublicKey, []byte("tampered"), sig) {
		t.Error("expected signature over different message to fail")
	}
}

func TestFromPrivateKeyReproducesPublicKey(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	rebuilt, err := FromPrivateKey(kp.PrivateKey)
	if err != nil {
		t.Fatalf("FromPrivateKey: %v", err)
	}
	if !bytes.Equal(rebuilt.PublicKey, kp.PublicKey) {
		t.Error("reconstructed public key mismatch")
	}
}

func TestSharedSecretIsSymmetric(t *testing.T) {
	alice, err := Generate()
	if err != nil {
		t.Fatalf("Generate alice: %v", err)
	}
	bob, err := Generate()
	if err != nil {
		t.Fatalf("Generate bob: %v", err)
	}

	aliceSecret, err := alice.SharedSecret(bob.PublicKey)
	if err != nil {
		t.Fatalf("alice SharedSecret: %v", err)
	}
	bobSecret, err := bob.SharedSecret(alice.PublicKey)
	if err != nil {
		t.Fatalf("bob SharedSecret: %v", err)
	}
	if !bytes.Equal(aliceSecret, bobSecret) {
		t.Error("shared secrets diverge between peers")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	alice, _ := Generate()
	bob, _ := Generate()
	secret, err := alice.SharedSecret(bob.PublicKey)
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}

	plain := []byte("hey bob, meet at the rally point")
	sealed, err := Seal(secret, plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(sealed, plain) {
		t.Error("sealed content should not equal plaintext")
	}

	opened, err := Open(secret, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Errorf("Open = %q, want %q", opened, plain)
	}
}

func TestOpenRejectsWrongSecret(t *testing.T) {
	alice, _ := Generate()
	bob, _ := Generate()
	eve, _ := Generate()

	secret, _ := alice.SharedSecret(bob.PublicKey)
	sealed, err := Seal(secret, []byte("classified"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	wrongSecret, _ := eve.SharedSecret(bob.PublicKey)
	if _, err := Open(wrongSecret, sealed); err == nil {
		t.Error("expected Open with wrong secret to fail")
	}
}

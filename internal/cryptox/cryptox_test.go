package cryptox

import (
	"bytes"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	k1, err := DeriveKey([]byte("shared-token"), "client-1")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, err := DeriveKey([]byte("shared-token"), "client-1")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("DeriveKey is not deterministic for the same inputs")
	}
	if len(k1) != KeySize {
		t.Fatalf("expected %d byte key, got %d", KeySize, len(k1))
	}
}

func TestDeriveKeyDiffersByInput(t *testing.T) {
	k1, _ := DeriveKey([]byte("token-a"), "client-1")
	k2, _ := DeriveKey([]byte("token-b"), "client-1")
	k3, _ := DeriveKey([]byte("token-a"), "client-2")
	if bytes.Equal(k1, k2) {
		t.Fatal("different tokens produced the same key")
	}
	if bytes.Equal(k1, k3) {
		t.Fatal("different client ids produced the same key")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, _ := DeriveKey([]byte("token"), "client")
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	sealed, err := Seal(key, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	opened, err := Open(key, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: want %q, got %q", plaintext, opened)
	}
}

func TestSealProducesDistinctNonces(t *testing.T) {
	key, _ := DeriveKey([]byte("token"), "client")
	a, _ := Seal(key, []byte("payload"))
	b, _ := Seal(key, []byte("payload"))
	if bytes.Equal(a[:NonceSize], b[:NonceSize]) {
		t.Fatal("two Seal calls produced the same nonce")
	}
}

func TestOpenFailsOnTamperedCiphertext(t *testing.T) {
	key, _ := DeriveKey([]byte("token"), "client")
	sealed, _ := Seal(key, []byte("payload"))
	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xFF // flip a bit in the tag
	if _, err := Open(key, tampered); err == nil {
		t.Fatal("expected Open to fail on tampered ciphertext")
	}
}

func TestOpenFailsOnWrongKey(t *testing.T) {
	key1, _ := DeriveKey([]byte("token-1"), "client")
	key2, _ := DeriveKey([]byte("token-2"), "client")
	sealed, _ := Seal(key1, []byte("payload"))
	if _, err := Open(key2, sealed); err == nil {
		t.Fatal("expected Open to fail with the wrong key")
	}
}

func TestTokensEqual(t *testing.T) {
	if !TokensEqual([]byte("abc"), []byte("abc")) {
		t.Fatal("expected equal tokens to compare equal")
	}
	if TokensEqual([]byte("abc"), []byte("abd")) {
		t.Fatal("expected different tokens to compare unequal")
	}
	if TokensEqual([]byte("abc"), []byte("ab")) {
		t.Fatal("expected different-length tokens to compare unequal")
	}
}

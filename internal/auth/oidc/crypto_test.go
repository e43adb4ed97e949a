package oidc

import (
	"encoding/hex"
	"errors"
	"testing"
)

func newTestBox(t *testing.T) *SecretBox {
	t.Helper()
	key, err := GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	box, err := NewSecretBox(key)
	if err != nil {
		t.Fatalf("new secret box: %v", err)
	}
	return box
}

func TestSecretBox_RoundTrip(t *testing.T) {
	box := newTestBox(t)

	ct1, err := box.Encrypt("my-client-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct2, _ := box.Encrypt("my-client-secret")
	if ct1 == ct2 {
		t.Error("expected different ciphertexts due to random nonce")
	}

	for i, ct := range []string{ct1, ct2} {
		got, err := box.Decrypt(ct)
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if got != "my-client-secret" {
			t.Errorf("decrypt %d: got %q", i, got)
		}
	}
}

func TestSecretBox_WrongKey(t *testing.T) {
	a, b := newTestBox(t), newTestBox(t)
	ct, err := a.Encrypt("secret-data")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestSecretBox_BadInput(t *testing.T) {
	box := newTestBox(t)
	tests := []struct {
		name  string
		input string
	}{
		{"invalid hex", "not-valid-hex!!!"},
		{"shorter than nonce", "aabbccdd"},
		{"garbage", hex.EncodeToString(make([]byte, 64))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := box.Decrypt(tt.input); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewSecretBox_InvalidKeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 24, 31, 33, 64} {
		if _, err := NewSecretBox(make([]byte, n)); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key length %d: expected ErrInvalidKey, got %v", n, err)
		}
	}
}

func TestParseKey(t *testing.T) {
	key, _ := GenerateEncryptionKey()
	got, err := ParseKey(" " + hex.EncodeToString(key) + "\n")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if hex.EncodeToString(got) != hex.EncodeToString(key) {
		t.Error("ParseKey returned a different key")
	}

	if _, err := ParseKey("zz"); err == nil {
		t.Error("expected hex decode error")
	}
	if _, err := ParseKey(hex.EncodeToString(make([]byte, 16))); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for 16-byte key, got %v", err)
	}
}

func TestGenerateEncryptionKey(t *testing.T) {
	k1, err := GenerateEncryptionKey()
	if err != nil {
		t.Fatal(err)
	}
	k2, _ := GenerateEncryptionKey()
	if len(k1) != 32 || len(k2) != 32 {
		t.Errorf("key lengths %d, %d; want 32", len(k1), len(k2))
	}
	if hex.EncodeToString(k1) == hex.EncodeToString(k2) {
		t.Error("expected two generated keys to differ")
	}
}

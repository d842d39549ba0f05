package attachment

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("attachment content bytes")

	payload, err := Encrypt(plaintext)
	if err != nil {
		t.Fatalf("unexpected encrypt error: %v", err)
	}
	if bytes.Equal(payload.Ciphertext, plaintext) {
		t.Fatalf("expected ciphertext to differ from plaintext")
	}
	if len(payload.Secret) != secretSize || len(payload.Salt) != saltSize {
		t.Fatalf("unexpected material sizes: secret=%d salt=%d", len(payload.Secret), len(payload.Salt))
	}

	decrypted, err := Decrypt(payload)
	if err != nil {
		t.Fatalf("unexpected decrypt error: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("expected round trip to recover plaintext, got %q", decrypted)
	}
}

func TestEncryptUsesFreshMaterial(t *testing.T) {
	first, err := Encrypt([]byte("same input"))
	if err != nil {
		t.Fatalf("unexpected encrypt error: %v", err)
	}
	second, err := Encrypt([]byte("same input"))
	if err != nil {
		t.Fatalf("unexpected encrypt error: %v", err)
	}

	if bytes.Equal(first.Secret, second.Secret) {
		t.Fatalf("expected a fresh secret per payload")
	}
	if bytes.Equal(first.Ciphertext, second.Ciphertext) {
		t.Fatalf("expected distinct ciphertexts")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	payload, err := Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("unexpected encrypt error: %v", err)
	}
	payload.Ciphertext[0] ^= 0xff

	_, err = Decrypt(payload)
	if err == nil {
		t.Fatalf("expected tampered ciphertext to be rejected")
	}
	var encryptionErr *EncryptionError
	if !errors.As(err, &encryptionErr) {
		t.Fatalf("expected EncryptionError, got %T", err)
	}
}

func TestDecryptRejectsWrongSecret(t *testing.T) {
	payload, err := Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("unexpected encrypt error: %v", err)
	}
	payload.Secret = make([]byte, secretSize)

	if _, err := Decrypt(payload); err == nil {
		t.Fatalf("expected wrong secret to fail decryption")
	}
}

func TestDecryptRejectsShortSecret(t *testing.T) {
	payload, err := Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("unexpected encrypt error: %v", err)
	}
	payload.Secret = payload.Secret[:8]

	if _, err := Decrypt(payload); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

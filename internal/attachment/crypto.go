package attachment

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	secretSize = 32
	saltSize   = 32
	keySize    = 32
)

var hkdfInfo = []byte("attachment-content-key")

// EncryptionError indicates the attachment cipher pipeline failed. The owning
// message transitions to failed; nothing else is affected.
type EncryptionError struct {
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("attachment: encryption: %v", e.Err)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// EncryptedPayload is ciphertext plus the material a recipient needs to
// decrypt it: the random secret, the HKDF salt, and the GCM nonce.
type EncryptedPayload struct {
	Ciphertext []byte
	Salt       []byte
	Nonce      []byte
	Secret     []byte
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random secret. The
// content key is expanded from the secret and salt with HKDF-SHA256.
func Encrypt(plaintext []byte) (EncryptedPayload, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return EncryptedPayload{}, &EncryptionError{Err: fmt.Errorf("generate secret: %w", err)}
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return EncryptedPayload{}, &EncryptionError{Err: fmt.Errorf("generate salt: %w", err)}
	}

	aead, err := contentCipher(secret, salt)
	if err != nil {
		return EncryptedPayload{}, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedPayload{}, &EncryptionError{Err: fmt.Errorf("generate nonce: %w", err)}
	}

	return EncryptedPayload{
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
		Salt:       salt,
		Nonce:      nonce,
		Secret:     secret,
	}, nil
}

// Decrypt opens a payload produced by Encrypt.
func Decrypt(payload EncryptedPayload) ([]byte, error) {
	aead, err := contentCipher(payload.Secret, payload.Salt)
	if err != nil {
		return nil, err
	}
	if len(payload.Nonce) != aead.NonceSize() {
		return nil, &EncryptionError{Err: fmt.Errorf("invalid nonce length: got %d want %d", len(payload.Nonce), aead.NonceSize())}
	}

	plaintext, err := aead.Open(nil, payload.Nonce, payload.Ciphertext, nil)
	if err != nil {
		return nil, &EncryptionError{Err: fmt.Errorf("open ciphertext: %w", err)}
	}
	return plaintext, nil
}

func contentCipher(secret, salt []byte) (cipher.AEAD, error) {
	if len(secret) != secretSize {
		return nil, &EncryptionError{Err: fmt.Errorf("invalid secret length: got %d want %d", len(secret), secretSize)}
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, hkdfInfo), key); err != nil {
		return nil, &EncryptionError{Err: fmt.Errorf("derive content key: %w", err)}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &EncryptionError{Err: fmt.Errorf("create AES cipher: %w", err)}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &EncryptionError{Err: fmt.Errorf("create GCM: %w", err)}
	}
	return aead, nil
}

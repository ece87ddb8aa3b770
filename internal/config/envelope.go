package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jeffvan302/fileharbor/internal/ferrors"
)

// Envelope layout, per spec.md §6: a fixed 4-byte magic, a 32-byte
// PBKDF2-SHA256 salt, a 12-byte GCM nonce, then the AES-256-GCM
// ciphertext (which carries its own authentication tag).
const (
	magic         = "FHE1"
	saltSize      = 32
	nonceSize     = 12
	kdfIterations = 600_000
	keySize       = 32 // AES-256
)

// IsEnvelope reports whether raw begins with the envelope magic.
func IsEnvelope(raw []byte) bool {
	return len(raw) >= len(magic) && string(raw[:len(magic)]) == magic
}

// Encrypt wraps plaintext in the config-at-rest envelope using password.
func Encrypt(plaintext []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, err, "generating salt")
	}

	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, err, "initializing cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, err, "initializing GCM")
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, err, "generating nonce")
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(magic)+saltSize+nonceSize+len(ciphertext))
	out = append(out, []byte(magic)...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt reverses Encrypt, returning KindAuthentication on a bad
// password or corrupted envelope (GCM authentication failure).
func Decrypt(envelope []byte, password string) ([]byte, error) {
	minLen := len(magic) + saltSize + nonceSize
	if len(envelope) < minLen || !IsEnvelope(envelope) {
		return nil, ferrors.New(ferrors.KindInvalidMessage, "not a valid configuration envelope")
	}

	rest := envelope[len(magic):]
	salt := rest[:saltSize]
	nonce := rest[saltSize : saltSize+nonceSize]
	ciphertext := rest[saltSize+nonceSize:]

	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, err, "initializing cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, err, "initializing GCM")
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindAuthentication, err, "incorrect password or corrupted configuration")
	}
	return plaintext, nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, kdfIterations, keySize, sha256.New)
}

// Package crypto provides AES-GCM encryption helpers for identity data at
// rest, plus a keyed hash used to build queryable index columns over
// encrypted database fields.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// NonceSize is the GCM standard nonce size (12 bytes).
	NonceSize = 12
	// KeySize is the required key length for AES-256-GCM (32 bytes).
	KeySize = 32
)

var (
	ErrInvalidKeySize     = fmt.Errorf("key must be exactly %d bytes", KeySize)
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Encrypt encrypts plaintext with AES-256-GCM using the given 32-byte key.
// The returned ciphertext has the nonce prepended: [nonce(12)] + [ciphertext].
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	// Seal appends the encrypted+authenticated ciphertext to nonce
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt decrypts a ciphertext produced by Encrypt using the same 32-byte key.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	if len(ciphertext) < NonceSize {
		return nil, ErrCiphertextTooShort
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce, data := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return plaintext, nil
}

// EncryptString is a convenience wrapper for Encrypt on string plaintexts.
func EncryptString(key []byte, plaintext string) ([]byte, error) {
	return Encrypt(key, []byte(plaintext))
}

// DecryptString is a convenience wrapper for Decrypt that returns a string.
func DecryptString(key, ciphertext []byte) (string, error) {
	plaintext, err := Decrypt(key, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

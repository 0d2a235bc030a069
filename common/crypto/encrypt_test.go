package crypto_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bdobrica/Kagari/common/crypto"
)

func makeKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	key := makeKey(t)
	plaintext := []byte("@participant:example.com")

	ciphertext, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if bytes.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext should not contain plaintext")
	}

	recovered, err := crypto.Decrypt(key, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if !bytes.Equal(recovered, plaintext) {
		t.Errorf("recovered %q, want %q", recovered, plaintext)
	}
}

func TestEncrypt_NonDeterministic(t *testing.T) {
	key := makeKey(t)
	plaintext := []byte("same plaintext")

	c1, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("first Encrypt: %v", err)
	}

	c2, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("second Encrypt: %v", err)
	}

	// Random nonce means ciphertexts should differ
	if bytes.Equal(c1, c2) {
		t.Error("two encryptions of same plaintext produced identical ciphertext (nonce not random)")
	}
}

func TestEncrypt_InvalidKeySize(t *testing.T) {
	cases := []struct {
		name string
		key  []byte
	}{
		{"empty", []byte{}},
		{"16-byte", make([]byte, 16)},
		{"31-byte", make([]byte, 31)},
		{"33-byte", make([]byte, 33)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := crypto.Encrypt(tc.key, []byte("data"))
			if err == nil {
				t.Fatal("expected error for invalid key size, got nil")
			}
		})
	}
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	key := makeKey(t)

	ciphertext, err := crypto.Encrypt(key, []byte("tamper test"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Flip a byte in the ciphertext body (after nonce)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	if _, err := crypto.Decrypt(key, ciphertext); err == nil {
		t.Fatal("expected authentication failure for tampered ciphertext, got nil")
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	key1 := makeKey(t)
	key2 := make([]byte, crypto.KeySize)
	for i := range key2 {
		key2[i] = byte(i + 100)
	}

	ciphertext, err := crypto.Encrypt(key1, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := crypto.Decrypt(key2, ciphertext); err == nil {
		t.Fatal("expected error when decrypting with wrong key, got nil")
	}
}

func TestDecrypt_TooShort(t *testing.T) {
	key := makeKey(t)
	if _, err := crypto.Decrypt(key, []byte("short")); err == nil {
		t.Fatal("expected error for too-short ciphertext, got nil")
	}
}

func TestEncryptDecryptString(t *testing.T) {
	key := makeKey(t)

	ciphertext, err := crypto.EncryptString(key, "Display Name")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	got, err := crypto.DecryptString(key, ciphertext)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if got != "Display Name" {
		t.Errorf("got %q, want %q", got, "Display Name")
	}
}

func TestHashIndex_Deterministic(t *testing.T) {
	key := makeKey(t)

	a := crypto.HashIndex(key, "@participant:example.com")
	b := crypto.HashIndex(key, "@participant:example.com")
	if a != b {
		t.Error("HashIndex is not deterministic for the same key and value")
	}
	if a == crypto.HashIndex(key, "@other:example.com") {
		t.Error("HashIndex produced the same digest for different values")
	}

	key2 := make([]byte, crypto.KeySize)
	for i := range key2 {
		key2[i] = byte(i + 100)
	}
	if a == crypto.HashIndex(key2, "@participant:example.com") {
		t.Error("HashIndex ignores the key")
	}
}

func TestParseMasterKey(t *testing.T) {
	if _, err := crypto.ParseMasterKey(""); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := crypto.ParseMasterKey("not-hex"); err == nil {
		t.Error("expected error for non-hex key")
	}
	if _, err := crypto.ParseMasterKey("abcd"); err == nil {
		t.Error("expected error for short key")
	}

	key, err := crypto.ParseMasterKey("  " + strings.Repeat("0f", 32) + "\n")
	if err != nil {
		t.Fatalf("ParseMasterKey with surrounding whitespace: %v", err)
	}
	if len(key) != crypto.KeySize {
		t.Errorf("key length: got %d, want %d", len(key), crypto.KeySize)
	}
}

package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey(1), 1)
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	sealed, err := enc.Encrypt("super-secret-api-key")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(sealed, "ENC[v1]:") {
		t.Fatalf("sealed format = %q", sealed)
	}

	plain, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "super-secret-api-key" {
		t.Fatalf("roundtrip mismatch: %q", plain)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	enc1, _ := NewEncryptor(testKey(1), 1)
	enc2, _ := NewEncryptor(testKey(2), 1)

	sealed, err := enc1.Encrypt("payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := enc2.Decrypt(sealed); err == nil {
		t.Fatalf("expected decryption failure with wrong key")
	}
}

func TestInvalidKeySize(t *testing.T) {
	if _, err := NewEncryptor([]byte("short"), 1); err != ErrInvalidKey {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}
}

func TestParseVersion(t *testing.T) {
	if v := ParseVersion("ENC[v3]:abcd"); v != 3 {
		t.Fatalf("version = %d, want 3", v)
	}
	if v := ParseVersion("garbage"); v != 0 {
		t.Fatalf("version = %d, want 0 for garbage", v)
	}
}

func TestKeyManagerFromKey(t *testing.T) {
	km, err := NewKeyManagerFromKey(testKey(7))
	if err != nil {
		t.Fatalf("new key manager: %v", err)
	}
	if km.Version() != 1 {
		t.Fatalf("version = %d, want 1", km.Version())
	}

	sealed, err := km.Encrypt("api-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plain, err := km.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "api-secret" {
		t.Fatalf("roundtrip mismatch: %q", plain)
	}

	if _, err := km.Decrypt("ENC[v9]:deadbeef"); err == nil {
		t.Fatalf("expected missing version error")
	}
}

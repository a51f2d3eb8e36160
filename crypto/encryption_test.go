package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := mustGenerateKey(t)
	plaintext := []byte(`{"type":"request","requestId":"abc","request":{"method":"GET","path":"/ping"}}`)

	ciphertext, iv, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(iv) != IVSize {
		t.Fatalf("expected %d-byte IV, got %d", IVSize, len(iv))
	}
	if len(ciphertext) == 0 {
		t.Fatalf("expected non-empty ciphertext")
	}

	decrypted, err := Decrypt(key, iv, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("decrypted plaintext does not match input")
	}
}

func TestEncryptUsesFreshIVPerCall(t *testing.T) {
	key := mustGenerateKey(t)
	plaintext := []byte("same message")

	firstCipher, firstIV, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("first Encrypt failed: %v", err)
	}
	secondCipher, secondIV, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("second Encrypt failed: %v", err)
	}

	if bytes.Equal(firstIV, secondIV) {
		t.Fatalf("expected distinct IVs across calls")
	}
	if bytes.Equal(firstCipher, secondCipher) {
		t.Fatalf("expected distinct ciphertexts across calls")
	}
}

func TestDecryptRejectsWrongKeyIVAndCorruption(t *testing.T) {
	key := mustGenerateKey(t)
	ciphertext, iv, err := Encrypt(key, []byte("secret payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	otherKey := mustGenerateKey(t)
	if _, err := Decrypt(otherKey, iv, ciphertext); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for wrong key, got %v", err)
	}

	otherIV := append([]byte(nil), iv...)
	otherIV[0] ^= 0xff
	if _, err := Decrypt(key, otherIV, ciphertext); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for wrong iv, got %v", err)
	}

	corrupted := append([]byte(nil), ciphertext...)
	corrupted[len(corrupted)-1] ^= 0x01
	if _, err := Decrypt(key, iv, corrupted); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for corrupted ciphertext, got %v", err)
	}

	if _, err := Decrypt(key, iv, ciphertext[:4]); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for truncated ciphertext, got %v", err)
	}

	if _, err := Decrypt(key, iv[:12], ciphertext); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for short iv, got %v", err)
	}
}

func TestEncryptRejectsShortKey(t *testing.T) {
	if _, _, err := Encrypt(make([]byte, 16), []byte("x")); err == nil {
		t.Fatalf("expected error for 128-bit key")
	}
}

func mustGenerateKey(t *testing.T) []byte {
	t.Helper()

	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return key
}

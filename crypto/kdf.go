package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 cost used for locally derived keys.
	DefaultIterations = 5000
	// KeyBits is the derived key length for AES-256.
	KeyBits = KeySize * 8
)

// DeriveKey stretches password and salt with PBKDF2-HMAC-SHA256.
//
// The result is deterministic so two devices holding the same password and
// salt compute the same key without transmitting it.
func DeriveKey(password, salt string, iterations, outputBits int) ([]byte, error) {
	if password == "" {
		return nil, errors.New("password is required")
	}
	if iterations <= 0 {
		return nil, fmt.Errorf("iterations must be > 0, got %d", iterations)
	}
	if outputBits <= 0 || outputBits%8 != 0 {
		return nil, fmt.Errorf("output bits must be a positive multiple of 8, got %d", outputBits)
	}

	return pbkdf2.Key([]byte(password), []byte(salt), iterations, outputBits/8, sha256.New), nil
}

// GenerateKey returns a random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// EncodeKey returns the hex text form of a key as carried in pairing codes.
func EncodeKey(key []byte) string {
	return hex.EncodeToString(key)
}

// ParseKey decodes a hex key and checks its length.
func ParseKey(text string) ([]byte, error) {
	key, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), KeySize)
	}
	return key, nil
}

package network

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"lanpair/crypto"
	"lanpair/models"
)

const (
	// EnvelopeRequest marks an envelope carrying a request.
	EnvelopeRequest = "request"
	// EnvelopeResponse marks an envelope carrying a response.
	EnvelopeResponse = "response"
)

var (
	// ErrMalformedDatagram indicates the outer {cipher, iv} wrapper could not be parsed.
	ErrMalformedDatagram = errors.New("network: malformed datagram")
	// ErrMalformedEnvelope indicates decrypted bytes are not a valid envelope.
	ErrMalformedEnvelope = errors.New("network: malformed envelope")
)

// Datagram is the unencrypted outer wrapper sent on the wire.
type Datagram struct {
	Cipher string `json:"cipher"`
	IV     string `json:"iv"`
}

// Envelope is the plaintext carried inside a Datagram.
type Envelope struct {
	Type      string           `json:"type"`
	RequestID string           `json:"requestId"`
	Request   *models.Request  `json:"request,omitempty"`
	Response  *models.Response `json:"response,omitempty"`
}

// EncodeJSON marshals one protocol value.
func EncodeJSON(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// SealEnvelope encrypts env under key and returns the wire datagram bytes.
func SealEnvelope(key []byte, env Envelope) ([]byte, error) {
	plaintext, err := EncodeJSON(env)
	if err != nil {
		return nil, err
	}

	ciphertext, iv, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt envelope: %w", err)
	}

	return EncodeJSON(Datagram{
		Cipher: base64.StdEncoding.EncodeToString(ciphertext),
		IV:     hex.EncodeToString(iv),
	})
}

// ParseDatagram decodes the outer wrapper into raw ciphertext and IV bytes.
func ParseDatagram(payload []byte) (ciphertext, iv []byte, err error) {
	var datagram Datagram
	if err := json.Unmarshal(payload, &datagram); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedDatagram, err)
	}
	if datagram.Cipher == "" || datagram.IV == "" {
		return nil, nil, fmt.Errorf("%w: missing cipher or iv", ErrMalformedDatagram)
	}

	ciphertext, err = base64.StdEncoding.DecodeString(datagram.Cipher)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode cipher: %v", ErrMalformedDatagram, err)
	}
	iv, err = hex.DecodeString(datagram.IV)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode iv: %v", ErrMalformedDatagram, err)
	}

	return ciphertext, iv, nil
}

// OpenEnvelope decrypts and validates an envelope. Decryption failures wrap crypto.ErrDecryption.
func OpenEnvelope(key, iv, ciphertext []byte) (Envelope, error) {
	plaintext, err := crypto.Decrypt(key, iv, ciphertext)
	if err != nil {
		return Envelope{}, err
	}

	var env Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.RequestID == "" {
		return Envelope{}, fmt.Errorf("%w: missing requestId", ErrMalformedEnvelope)
	}

	switch env.Type {
	case EnvelopeRequest:
		if env.Request == nil {
			return Envelope{}, fmt.Errorf("%w: request envelope without request", ErrMalformedEnvelope)
		}
	case EnvelopeResponse:
		if env.Response == nil {
			return Envelope{}, fmt.Errorf("%w: response envelope without response", ErrMalformedEnvelope)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, env.Type)
	}

	return env, nil
}

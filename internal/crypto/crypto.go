// Package crypto provides AES-256-GCM encryption for integration tokens and
// other secrets stored at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidKey is returned when the encryption key is not 32 bytes.
	ErrInvalidKey = errors.New("encryption key must be 32 bytes")

	// ErrInvalidCiphertext is returned when the ciphertext is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrDecryptionFailed is returned when decryption fails, typically due
	// to a wrong key or tampered data.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Encryptor encrypts and decrypts data using AES-256-GCM. The nonce is
// prepended to the ciphertext.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an Encryptor from a 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt encrypts plaintext and returns nonce||ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts data produced by Encrypt.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	if len(data) < e.aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := data[:e.aead.NonceSize()], data[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncryptString encrypts a string value.
func (e *Encryptor) EncryptString(s string) ([]byte, error) {
	return e.Encrypt([]byte(s))
}

// DecryptString decrypts to a string value.
func (e *Encryptor) DecryptString(data []byte) (string, error) {
	b, err := e.Decrypt(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncryptJSON marshals v to JSON and encrypts it.
func (e *Encryptor) EncryptJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling: %w", err)
	}
	return e.Encrypt(b)
}

// DecryptJSON decrypts data and unmarshals the JSON into v.
func (e *Encryptor) DecryptJSON(data []byte, v interface{}) error {
	b, err := e.Decrypt(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("unmarshaling: %w", err)
	}
	return nil
}

package e2ee

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/foodbridge/donation-chat/internal/model"
)

// NonceSize is the AES-GCM nonce length in bytes.
const NonceSize = 12

// Sealed is an encrypted payload with the nonce needed to open it.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
}

// Wire returns the base64 forms used by the backing store and the channel.
func (s Sealed) Wire() (ciphertext, nonce string) {
	return base64.StdEncoding.EncodeToString(s.Ciphertext), base64.StdEncoding.EncodeToString(s.Nonce)
}

// randReader is swapped by tests that need to observe nonce generation.
var randReader io.Reader = rand.Reader

// Encrypt seals plaintext under key with a fresh random nonce.
func Encrypt(key *Key, plaintext []byte) (Sealed, error) {
	if key == nil || key.aead == nil {
		return Sealed{}, fmt.Errorf("encrypt with nil key: %w", model.ErrInvalidArgument)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return Sealed{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return Sealed{
		Ciphertext: key.aead.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
	}, nil
}

// Decrypt opens ciphertext sealed under key with nonce.
func Decrypt(key *Key, ciphertext, nonce []byte) ([]byte, error) {
	if key == nil || key.aead == nil {
		return nil, fmt.Errorf("decrypt with nil key: %w", model.ErrInvalidArgument)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce length %d: %w", len(nonce), model.ErrDecryption)
	}
	if len(ciphertext) < key.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext truncated: %w", model.ErrDecryption)
	}
	plaintext, err := key.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open: %v: %w", err, model.ErrDecryption)
	}
	return plaintext, nil
}

// EncryptString seals text and returns base64 ciphertext and nonce.
func EncryptString(key *Key, text string) (ciphertext, nonce string, err error) {
	sealed, err := Encrypt(key, []byte(text))
	if err != nil {
		return "", "", err
	}
	ciphertext, nonce = sealed.Wire()
	return ciphertext, nonce, nil
}

// DecryptString opens base64 ciphertext with a base64 nonce.
func DecryptString(key *Key, ciphertext, nonce string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("ciphertext encoding: %v: %w", err, model.ErrDecryption)
	}
	iv, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("nonce encoding: %v: %w", err, model.ErrDecryption)
	}
	plaintext, err := Decrypt(key, ct, iv)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

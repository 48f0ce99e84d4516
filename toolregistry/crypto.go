package toolregistry

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/reconflow/reconflow/rferr"
)

// Cipher wraps tool credentials with an AES-256-GCM envelope derived from the
// master key. The master key is read once at startup; rotation re-wraps all
// affected records.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the envelope key from the master key material. Any
// non-empty master key is accepted; it is stretched to 32 bytes with SHA-256.
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, rferr.New(rferr.KindConfiguration, "secret store master key is not set").
			WithField("configKey", "SECRET_STORE_MASTER_KEY")
	}
	key := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init credential cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init credential cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext as nonce||ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credential nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce||ciphertext envelope. Failures are fatal to the
// caller: a credential that cannot be decrypted must never be silently
// dropped.
func (c *Cipher) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < c.aead.NonceSize() {
		return nil, errors.New("credential envelope too short")
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open credential envelope: %w", err)
	}
	return plaintext, nil
}

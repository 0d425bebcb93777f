// SPDX-License-Identifier: MIT

package channel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
)

// CredentialCodec seals and opens channel credentials at rest. AES-GCM
// with a random nonce prefixed to the ciphertext.
type CredentialCodec struct {
	aead cipher.AEAD
}

// NewCredentialCodec builds a codec from a 32-byte key.
func NewCredentialCodec(key []byte) (*CredentialCodec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("credential codec: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential codec: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential codec: %w", err)
	}
	return &CredentialCodec{aead: aead}, nil
}

// Seal encrypts credentials for storage.
func (c *CredentialCodec) Seal(creds model.Credentials) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("seal credentials: %w", err)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("seal credentials: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts stored credentials.
func (c *CredentialCodec) Open(sealed []byte) (model.Credentials, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return model.Credentials{}, errors.New("open credentials: ciphertext too short")
	}
	plain, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return model.Credentials{}, fmt.Errorf("open credentials: %w", err)
	}
	var creds model.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return model.Credentials{}, fmt.Errorf("open credentials: %w", err)
	}
	return creds, nil
}

// OpenConn pairs a stored connection with its decrypted credentials.
func (c *CredentialCodec) OpenConn(conn model.ChannelConnection) (Conn, error) {
	creds, err := c.Open(conn.EncryptedCreds)
	if err != nil {
		return Conn{}, fmt.Errorf("connection %s: %w", conn.ID, err)
	}
	return Conn{ChannelConnection: conn, Creds: creds}, nil
}

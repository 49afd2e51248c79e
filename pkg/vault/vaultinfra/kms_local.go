package vaultinfra

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/quantrail/identity/pkg/vault"
)

// LocalKMS implements vault.KMS with a process-local AES-256-GCM master key.
// Development and tests only; production wires AWSKMS.
type LocalKMS struct {
	gcm cipher.AEAD
}

// NewLocalKMS creates a LocalKMS from a 64-char hex key. An empty key yields
// a random one, which means ciphertexts do not survive a restart.
func NewLocalKMS(keyHex string) (*LocalKMS, error) {
	var key []byte
	if keyHex == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	} else {
		var err error
		key, err = hex.DecodeString(keyHex)
		if err != nil {
			return nil, errors.New("local kms: master key must be hex")
		}
		if len(key) != 32 {
			return nil, errors.New("local kms: master key must be 32 bytes")
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &LocalKMS{gcm: gcm}, nil
}

func (l *LocalKMS) Encrypt(_ context.Context, _ string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, l.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return l.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (l *LocalKMS) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	ns := l.gcm.NonceSize()
	if len(ciphertext) < ns {
		return nil, errors.New("local kms: ciphertext too short")
	}
	return l.gcm.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
}

var _ vault.KMS = (*LocalKMS)(nil)

package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Local implements KeyManager without an external service. A per-keyName
// AES-256 key is derived from a master secret with HKDF, so distinct tenants
// never share a wrapping key. Meant for development and tests; production
// deployments configure Cloud KMS.
type Local struct {
	master []byte
}

func NewLocal(masterSecret string) (*Local, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("local key manager requires a master secret")
	}
	return &Local{master: []byte(masterSecret)}, nil
}

func (l *Local) Encrypt(ctx context.Context, keyName string, plaintext, aad []byte) ([]byte, error) {
	gcm, err := l.aead(keyName)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func (l *Local) Decrypt(ctx context.Context, keyName string, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := l.aead(keyName)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: blob shorter than nonce", ErrCorrupt)
	}

	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return plaintext, nil
}

func (l *Local) aead(keyName string) (cipher.AEAD, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, l.master, nil, []byte("leadflow-kms:"+keyName))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("unable to derive wrapping key: %v", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("unable to init cipher: %v", err)
	}
	return cipher.NewGCM(block)
}

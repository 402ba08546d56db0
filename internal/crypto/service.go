package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"leadflow-backend/pkg/kms"
	"leadflow-backend/pkg/metrics"
)

// Encryption contexts bound into the AEAD as associated data. Ciphertext
// sealed under one context never opens under another.
const (
	CtxTokenAccess         = "token:access"
	CtxTokenRefresh        = "token:refresh"
	CtxTokenID             = "token:id"
	CtxMessageSubject      = "message:subject"
	CtxMessageBody         = "message:body"
	CtxMessageParticipants = "message:participants"
	CtxEventSubject        = "event:subject"
	CtxEventBody           = "event:body"
	CtxEventParticipants   = "event:participants"
)

const (
	dekSize       = 32
	formatVersion = 1
)

// TenantKeys is the wrapped-key material the caller loads from the tenant
// row. The previous blob keeps old-version ciphertext readable after a
// rotation.
type TenantKeys struct {
	TenantID           string
	KeyBlob            []byte
	KeyVersion         int
	PreviousKeyBlob    []byte
	PreviousKeyVersion int
}

type cachedDEK struct {
	dek       []byte
	expiresAt time.Time
}

// Service implements envelope encryption: per-tenant DEKs wrapped by the key
// manager, payloads sealed with AES-GCM under a context string. Unwrapped
// DEKs live only in a TTL-bounded in-memory cache.
type Service struct {
	keys     kms.KeyManager
	keyName  string
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedDEK

	now func() time.Time
}

func NewService(keys kms.KeyManager, keyName string, cacheTTL time.Duration) *Service {
	return &Service{
		keys:     keys,
		keyName:  keyName,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cachedDEK),
		now:      time.Now,
	}
}

// WrapNewDEK generates a fresh random DEK for the tenant and returns only the
// wrapped blob. The plaintext DEK is discarded and recovered on demand when
// encrypting or decrypting.
func (s *Service) WrapNewDEK(ctx context.Context, tenantID string) ([]byte, error) {
	dek := make([]byte, dekSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	blob, err := s.keys.Encrypt(ctx, s.keyName, dek, wrapAAD(tenantID))
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Encrypt seals plaintext for the tenant under the given context. Output
// layout: format version (1 byte), DEK version (4 bytes BE), nonce, sealed
// payload.
func (s *Service) Encrypt(ctx context.Context, tk TenantKeys, plaintext []byte, cryptoContext string) ([]byte, error) {
	dek, err := s.unwrap(ctx, tk.TenantID, tk.KeyVersion, tk.KeyBlob)
	if err != nil {
		return nil, err
	}

	gcm, err := newAEAD(dek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := make([]byte, 0, 5+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, formatVersion)
	out = binary.BigEndian.AppendUint32(out, uint32(tk.KeyVersion))
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, []byte(cryptoContext)), nil
}

// Decrypt opens ciphertext sealed by Encrypt. Ciphertext tagged with the
// previous DEK version is opened with the retained previous blob; anything
// older is unrecoverable.
func (s *Service) Decrypt(ctx context.Context, tk TenantKeys, ciphertext []byte, cryptoContext string) ([]byte, error) {
	if len(ciphertext) < 5 {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCorrupt)
	}
	if ciphertext[0] != formatVersion {
		return nil, fmt.Errorf("%w: unknown ciphertext format %d", ErrCorrupt, ciphertext[0])
	}

	version := int(binary.BigEndian.Uint32(ciphertext[1:5]))

	var blob []byte
	switch version {
	case tk.KeyVersion:
		blob = tk.KeyBlob
	case tk.PreviousKeyVersion:
		blob = tk.PreviousKeyBlob
	}
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: no key material for DEK version %d", ErrCorrupt, version)
	}

	dek, err := s.unwrap(ctx, tk.TenantID, version, blob)
	if err != nil {
		return nil, err
	}

	gcm, err := newAEAD(dek)
	if err != nil {
		return nil, err
	}

	body := ciphertext[5:]
	if len(body) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrCorrupt)
	}

	nonce, sealed := body[:gcm.NonceSize()], body[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(cryptoContext))
	if err != nil {
		// Wrong context and tampered payload are indistinguishable here;
		// both must fail rather than return cross-context plaintext.
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper for token and field material handled
// as strings.
func (s *Service) EncryptString(ctx context.Context, tk TenantKeys, plaintext, cryptoContext string) ([]byte, error) {
	return s.Encrypt(ctx, tk, []byte(plaintext), cryptoContext)
}

func (s *Service) DecryptString(ctx context.Context, tk TenantKeys, ciphertext []byte, cryptoContext string) (string, error) {
	plaintext, err := s.Decrypt(ctx, tk, ciphertext, cryptoContext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (s *Service) unwrap(ctx context.Context, tenantID string, version int, blob []byte) ([]byte, error) {
	cacheKey := fmt.Sprintf("%s:%d", tenantID, version)

	s.mu.Lock()
	if entry, ok := s.cache[cacheKey]; ok && s.now().Before(entry.expiresAt) {
		s.mu.Unlock()
		metrics.DEKCacheHits.Inc()
		return entry.dek, nil
	}
	s.mu.Unlock()

	dek, err := s.keys.Decrypt(ctx, s.keyName, blob, wrapAAD(tenantID))
	if err != nil {
		return nil, err
	}
	if len(dek) != dekSize {
		return nil, fmt.Errorf("%w: unwrapped key has wrong size", ErrCorrupt)
	}

	s.mu.Lock()
	s.cache[cacheKey] = cachedDEK{dek: dek, expiresAt: s.now().Add(s.cacheTTL)}
	s.mu.Unlock()

	return dek, nil
}

func newAEAD(dek []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return gcm, nil
}

func wrapAAD(tenantID string) []byte {
	return []byte("tenant:" + tenantID)
}

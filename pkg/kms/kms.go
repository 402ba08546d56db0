package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"leadflow-backend/pkg/metrics"

	cloudkms "google.golang.org/api/cloudkms/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

var (
	// ErrUnavailable means the key service could not be reached. Callers
	// should retry with backoff.
	ErrUnavailable = errors.New("key service unavailable")

	// ErrCorrupt means the wrapped key blob is malformed or was rejected by
	// the key service. Retrying cannot help; the tenant DEK must be
	// regenerated by an operator.
	ErrCorrupt = errors.New("wrapped key corrupt")
)

// KeyManager wraps and unwraps data-encryption keys under a named master key.
// Implementations never see or store the DEK beyond the duration of the call.
type KeyManager interface {
	Encrypt(ctx context.Context, keyName string, plaintext, aad []byte) ([]byte, error)
	Decrypt(ctx context.Context, keyName string, ciphertext, aad []byte) ([]byte, error)
}

// CloudKMS implements KeyManager against Google Cloud KMS. keyName is the
// full resource name projects/*/locations/*/keyRings/*/cryptoKeys/*.
type CloudKMS struct {
	svc *cloudkms.Service
}

func NewCloudKMS(ctx context.Context, credentialsFile string) (*CloudKMS, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	svc, err := cloudkms.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create KMS client: %v", err)
	}

	return &CloudKMS{svc: svc}, nil
}

func (c *CloudKMS) Encrypt(ctx context.Context, keyName string, plaintext, aad []byte) ([]byte, error) {
	req := &cloudkms.EncryptRequest{
		Plaintext:                   base64.StdEncoding.EncodeToString(plaintext),
		AdditionalAuthenticatedData: base64.StdEncoding.EncodeToString(aad),
	}

	resp, err := c.svc.Projects.Locations.KeyRings.CryptoKeys.Encrypt(keyName, req).Context(ctx).Do()
	if err != nil {
		metrics.KMSCalls.WithLabelValues("encrypt", "error").Inc()
		return nil, mapKMSError("encrypt", err)
	}
	metrics.KMSCalls.WithLabelValues("encrypt", "ok").Inc()

	blob, err := base64.StdEncoding.DecodeString(resp.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable KMS response", ErrCorrupt)
	}
	return blob, nil
}

func (c *CloudKMS) Decrypt(ctx context.Context, keyName string, ciphertext, aad []byte) ([]byte, error) {
	req := &cloudkms.DecryptRequest{
		Ciphertext:                  base64.StdEncoding.EncodeToString(ciphertext),
		AdditionalAuthenticatedData: base64.StdEncoding.EncodeToString(aad),
	}

	resp, err := c.svc.Projects.Locations.KeyRings.CryptoKeys.Decrypt(keyName, req).Context(ctx).Do()
	if err != nil {
		metrics.KMSCalls.WithLabelValues("decrypt", "error").Inc()
		return nil, mapKMSError("decrypt", err)
	}
	metrics.KMSCalls.WithLabelValues("decrypt", "ok").Inc()

	dek, err := base64.StdEncoding.DecodeString(resp.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable KMS response", ErrCorrupt)
	}
	return dek, nil
}

// mapKMSError sorts KMS failures into the retryable/terminal split the job
// worker keys off. A 400 on decrypt means the blob itself is bad; everything
// reachability-shaped is retryable.
func mapKMSError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 400 && op == "decrypt":
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		case gerr.Code == 429 || gerr.Code >= 500:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		case gerr.Code == 403 || gerr.Code == 404:
			return fmt.Errorf("%w: key inaccessible: %v", ErrCorrupt, err)
		}
	}
	// Network-level failures carry no googleapi code.
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

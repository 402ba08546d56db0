package crypto

import "leadflow-backend/pkg/kms"

// The crypto error taxonomy the job worker keys off. These alias the key
// manager sentinels so errors.Is works regardless of which layer produced
// the failure.
var (
	// ErrUnavailable: the key service could not be reached. Retryable; the
	// owning account must not be marked errored.
	ErrUnavailable = kms.ErrUnavailable

	// ErrCorrupt: blob malformed, context mismatch, or key material
	// rejected. Non-retryable; requires administrative DEK regeneration.
	ErrCorrupt = kms.ErrCorrupt
)

package fusion

import "github.com/kailas-cloud/fusion/internal/domain"

// Sentinel errors re-exported from the domain layer.
// Use errors.Is() to check.
var (
	ErrCollectionMissing = domain.ErrCollectionMissing
	ErrDocumentMissing   = domain.ErrDocumentMissing
	ErrValidation        = domain.ErrValidation
	ErrIndexMissing      = domain.ErrIndexMissing
	ErrIndexNotReady     = domain.ErrIndexNotReady
	ErrIndexExists       = domain.ErrIndexExists
	ErrLifecycle         = domain.ErrLifecycle
	ErrExecution         = domain.ErrExecution
	ErrNotImplemented    = domain.ErrNotImplemented
)

// IsRetryable reports whether the same request may succeed later.
func IsRetryable(err error) bool { return domain.IsRetryable(err) }

package chi

import (
	"encoding/json"
	"errors"

	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/stream"
)

// Request types that are not writes.
const (
	TypeQuery           = "query"
	TypeSubscribe       = "subscribe"
	TypeEndSubscription = "end_subscription"
)

// request is one client message after the handshake.
type request struct {
	RequestID *int64          `json:"request_id"`
	Type      string          `json:"type"`
	Options   json.RawMessage `json:"options"`
}

// errorReply is sent for requests that never reach a stream.
type errorReply struct {
	RequestID int64  `json:"request_id"`
	Error     string `json:"error"`
}

var errRateLimited = errors.New("rate limit exceeded, retry later")

// clientSafe are the errors whose message is meant for clients.
var clientSafe = []error{
	domain.ErrValidation,
	domain.ErrCollectionMissing,
	domain.ErrDocumentMissing,
	domain.ErrIndexMissing,
	domain.ErrIndexNotReady,
	domain.ErrIndexExists,
	domain.ErrLifecycle,
	domain.ErrExecution,
	domain.ErrNotImplemented,
	stream.ErrDuplicateRequest,
	errRateLimited,
}

// clientMessage returns the text sent in an error frame. ok is false for
// errors that are not meant for clients.
func clientMessage(err error) (msg string, ok bool) {
	for _, s := range clientSafe {
		if errors.Is(err, s) {
			return err.Error(), true
		}
	}
	return "internal error", false
}

package sdk

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for requests on a closed connection.
var ErrClosed = errors.New("fusion: connection closed")

// ServerError is an error frame sent by the gateway.
type ServerError struct {
	RequestID int64
	Message   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("fusion: request %d: %s", e.RequestID, e.Message)
}

// IsServerError reports whether err carries an error frame.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}

package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fogmesh/fog/pkg/entry"
	"github.com/fogmesh/fog/pkg/proto"
)

// Error taxonomy shared by every node kind.
var (
	ErrAuthentication   = errors.New("authentication failed")
	ErrNotFound         = errors.New("not found")
	ErrMalformedRequest = errors.New("malformed request")
	ErrNoReplica        = errors.New("no replica available")
	ErrUnsupported      = errors.New("operation not supported")
	ErrRelayFailed      = errors.New("relay failed")
)

// StatusCode maps an error to the HTTP status a handler answers with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrMalformedRequest),
		errors.Is(err, proto.ErrDecode),
		errors.Is(err, entry.ErrInvalidPath),
		errors.Is(err, entry.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrNoReplica),
		errors.Is(err, ErrUnsupported):
		return http.StatusNotFound
	case errors.Is(err, ErrRelayFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorFromStatus rebuilds a taxonomy error from an HTTP status and the
// message of the error response, so errors.Is works across the wire.
func ErrorFromStatus(code int, message string) error {
	var sentinel error
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		sentinel = ErrAuthentication
	case http.StatusBadRequest:
		sentinel = ErrMalformedRequest
		if strings.Contains(message, proto.ErrDecode.Error()) {
			sentinel = proto.ErrDecode
		}
	case http.StatusNotFound:
		switch {
		case strings.Contains(message, ErrNoReplica.Error()):
			sentinel = ErrNoReplica
		case strings.Contains(message, ErrUnsupported.Error()):
			sentinel = ErrUnsupported
		default:
			sentinel = ErrNotFound
		}
	case http.StatusBadGateway:
		sentinel = ErrRelayFailed
	default:
		return fmt.Errorf("request failed with status %d: %s", code, message)
	}

	if message == "" || message == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}

// Permanent marks err so that Retry gives up on it at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Temporary reports whether a failed call may succeed when retried:
// transport failures and 5xx answers, but not taxonomy errors or errors
// marked Permanent.
func Temporary(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	switch StatusCode(err) {
	case http.StatusUnauthorized, http.StatusBadRequest, http.StatusNotFound:
		return false
	}
	return !errors.Is(err, context.Canceled)
}

package store

import "errors"

// Verification failure kinds. All of them mean "not verified"; they are kept
// apart so logs and metrics can tell a missing file from a corrupt one.
var (
	ErrMissing           = errors.New("file missing")
	ErrUnreadable        = errors.New("file unreadable")
	ErrIntegrityMismatch = errors.New("integrity mismatch")
	ErrNotTracked        = errors.New("path not in inventory")
	ErrNoRoot            = errors.New("store has no physical root")
)

// Reason returns a short label for a verification error, used as a metric label.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissing):
		return "missing"
	case errors.Is(err, ErrIntegrityMismatch):
		return "mismatch"
	case errors.Is(err, ErrNotTracked):
		return "untracked"
	default:
		return "unreadable"
	}
}

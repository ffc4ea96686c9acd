package publish

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. Retry policy and operator reporting
// both key off it.
type Kind string

const (
	// KindInvalidState: input that is not valid for the current session state.
	KindInvalidState Kind = "invalid_input_for_state"
	// KindCancelled: the operator aborted the flow.
	KindCancelled Kind = "cancelled_by_user"
	// KindUnsupportedMedia: media format outside the accepted set.
	KindUnsupportedMedia Kind = "unsupported_media_format"
	// KindSizeLimit: media exceeds a platform size cap after normalization.
	KindSizeLimit Kind = "size_limit_exceeded"
	// KindDownload: remote fetch failed.
	KindDownload Kind = "download_failed"
	// KindAuth: platform credentials are invalid or expired. Never retried.
	KindAuth Kind = "platform_auth_error"
	// KindPermission: the account lacks rights for the operation. Never retried.
	KindPermission Kind = "platform_permission_error"
	// KindTransient: a temporary platform fault (rate limit, 5xx). Retryable.
	KindTransient Kind = "platform_transient_error"
	// KindScheduling: an unusable deferred-publish time.
	KindScheduling Kind = "scheduling_error"
)

// Error carries a Kind through wrapping so errors.As recovers it at the
// coordinator boundary.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind. A nil err still produces an error naming the kind.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is E with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, or "" when none is attached.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// Retryable reports whether a failure may be retried. Auth and permission
// faults never are.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient:
		return true
	case KindAuth, KindPermission, KindCancelled, KindUnsupportedMedia,
		KindSizeLimit, KindInvalidState, KindScheduling:
		return false
	default:
		// Unclassified errors are treated as transient so flaky network
		// paths still get their attempts.
		return true
	}
}

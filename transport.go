package gatekeep

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/maxbolgarin/errm"
)

var (
	// ErrNotFound is returned when the target of an action no longer exists.
	// Callers treat it as success: deleting an already-deleted message is not an error.
	ErrNotFound = errm.New("not found")

	// ErrForbidden is returned when the bot lacks rights for an action.
	// Retrying cannot help, the action is abandoned.
	ErrForbidden = errm.New("forbidden")
)

// ThrottledError is a platform rate-limit rejection carrying the
// server-specified backoff hint.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return "throttled, retry after " + e.RetryAfter.String()
}

// Transport is the platform collaborator executing moderation side-effects.
// The core never touches transport-library types; implementations translate
// platform errors into ErrNotFound, ErrForbidden or ThrottledError.
type Transport interface {
	// SendMessage sends text to a chat and returns the new message id.
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)

	// DeleteMessage removes a message. Returns ErrNotFound when the message
	// is already gone, which callers treat as success.
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error

	// RestrictMember revokes a member's right to post. Zero until means permanent.
	RestrictMember(ctx context.Context, chatID, userID int64, until time.Time) error

	// FetchProfile returns the user's profile bio text, empty when absent.
	FetchProfile(ctx context.Context, userID int64) (string, error)
}

// IsNotFound reports whether err means the target no longer exists.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errm.Is(err, ErrNotFound) || strings.Contains(strings.ToLower(err.Error()), "not found")
}

// IsForbidden reports whether err is a permission or precondition failure.
func IsForbidden(err error) bool {
	if err == nil {
		return false
	}
	return errm.Is(err, ErrForbidden) ||
		strings.Contains(err.Error(), "not enough rights") ||
		strings.Contains(err.Error(), "CHAT_ADMIN_REQUIRED")
}

// RetryAfterHint extracts the server backoff hint from a throttling error,
// zero when err is not a throttling error.
func RetryAfterHint(err error) time.Duration {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// IsRetryable reports whether an action failing with err may succeed later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsNotFound(err) && !IsForbidden(err)
}

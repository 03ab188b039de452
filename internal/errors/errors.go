// internal/errors/errors.go
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/google/go-github/v62/github"
)

// Kind classifies a sync error for retry and reporting decisions.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindNotFound    Kind = "not_found"
	KindRateLimit   Kind = "rate_limit"
	KindNetwork     Kind = "network"
	KindTimeout     Kind = "timeout"
	KindConflict    Kind = "conflict"
	KindValidation  Kind = "validation"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

// retryable kinds correspond to transient failures; the rest are permanent.
var retryableKinds = map[Kind]bool{
	KindRateLimit:   true,
	KindNetwork:     true,
	KindTimeout:     true,
	KindUnavailable: true,
}

// SyncError is the classified form every collaborator error is reduced to
// before the orchestrator acts on it.
type SyncError struct {
	Kind      Kind
	Op        string
	Message   string
	Err       error
	Retryable bool
}

func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// New creates a SyncError with retryability derived from the kind.
func New(kind Kind, op, message string) *SyncError {
	return &SyncError{Kind: kind, Op: op, Message: message, Retryable: retryableKinds[kind]}
}

// Wrap creates a SyncError around an underlying cause.
func Wrap(kind Kind, op, message string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Message: message, Err: err, Retryable: retryableKinds[kind]}
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// KindOf extracts the classified kind, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// Classify reduces any collaborator error to a SyncError. Unrecognized errors
// are treated as transient: an unexplained blip must not permanently fail a
// record that a retry could rescue.
func Classify(op string, err error) *SyncError {
	if err == nil {
		return nil
	}

	var se *SyncError
	if errors.As(err, &se) {
		return se
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, op, "operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindTimeout, op, "operation canceled", err)
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return Wrap(KindRateLimit, op, "github rate limit exhausted", err)
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return Wrap(KindRateLimit, op, "github secondary rate limit", err)
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return FromStatus(op, ghErr.Response.StatusCode, ghErr.Message, err)
	}

	if errors.Is(err, transport.ErrAuthenticationRequired) || errors.Is(err, transport.ErrAuthorizationFailed) {
		return Wrap(KindAuth, op, "git transport rejected credentials", err)
	}
	if errors.Is(err, transport.ErrRepositoryNotFound) {
		return Wrap(KindNotFound, op, "git repository not found", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(KindTimeout, op, "network timeout", err)
		}
		return Wrap(KindNetwork, op, "network error", err)
	}

	return Wrap(KindUnavailable, op, "unclassified failure", err)
}

// FromStatus maps an HTTP status code from either host API to a SyncError.
func FromStatus(op string, status int, message string, cause error) *SyncError {
	switch {
	case status == 401 || status == 403:
		return Wrap(KindAuth, op, fmt.Sprintf("authentication failed (%d): %s", status, message), cause)
	case status == 404:
		return Wrap(KindNotFound, op, fmt.Sprintf("not found: %s", message), cause)
	case status == 409:
		return Wrap(KindConflict, op, fmt.Sprintf("conflict: %s", message), cause)
	case status == 422:
		return Wrap(KindValidation, op, fmt.Sprintf("rejected request (%d): %s", status, message), cause)
	case status == 429:
		return Wrap(KindRateLimit, op, fmt.Sprintf("rate limited: %s", message), cause)
	case status >= 500:
		return Wrap(KindUnavailable, op, fmt.Sprintf("upstream error (%d): %s", status, message), cause)
	default:
		return Wrap(KindInternal, op, fmt.Sprintf("unexpected status %d: %s", status, message), cause)
	}
}

var (
	urlCredsRe = regexp.MustCompile(`(https?://)[^/\s:@]+:[^@\s]+@`)
	tokenRe    = regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{16,}|github_pat_[A-Za-z0-9_]{22,})\b`)
	kvSecretRe = regexp.MustCompile(`(?i)\b(token|secret|password|authorization|api[_-]?key)(\s*[:=]\s*)\S+`)
)

// Sanitize strips credentials from a message before it is persisted or logged.
// Tokens embedded in clone URLs, bare GitHub tokens, and key=value secrets are
// all redacted.
func Sanitize(msg string) string {
	msg = urlCredsRe.ReplaceAllString(msg, "${1}***:***@")
	msg = tokenRe.ReplaceAllString(msg, "***")
	msg = kvSecretRe.ReplaceAllString(msg, "${1}${2}***")
	return msg
}

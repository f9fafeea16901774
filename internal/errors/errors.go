package errors

import (
	"net"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

var (
	// common errors
	ErrConnectorNotFound = errors.New("connector not found")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrWatchNotActive    = errors.New("watch subscription not active")

	// credential errors
	ErrCredentialRevoked = errors.New("credential grant revoked or invalid")
	ErrNoRefreshToken    = errors.New("connector has no refresh token")
)

// Class buckets a remote failure for retry decisions.
type Class int

const (
	// ClassFatal errors propagate immediately, no retry.
	ClassFatal Class = iota
	// ClassTransient errors are retried with backoff.
	ClassTransient
	// ClassAuthRetryable errors are retried after a forced credential
	// refresh, OAuth connectors only.
	ClassAuthRetryable
)

// Classify maps a remote operation error onto the retry taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}

	if IsFatalAuth(err) {
		return ClassFatal
	}
	if IsAuthRejected(err) {
		return ClassAuthRetryable
	}
	if IsTransient(err) {
		return ClassTransient
	}
	return ClassFatal
}

// IsTransient reports whether the error looks like a recoverable
// network or server-busy condition.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}

	msg := err.Error()
	return strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "server busy") ||
		strings.Contains(msg, "[UNAVAILABLE]") ||
		strings.Contains(msg, "Temporary") ||
		strings.Contains(msg, "try again")
}

// IsAuthRejected reports whether the remote rejected our credential in a
// way a token refresh may fix.
func IsAuthRejected(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 401
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "authentication failed") ||
		strings.Contains(msg, "invalid credentials") ||
		strings.Contains(msg, "[authenticationfailed]") ||
		strings.Contains(msg, "unauthorized")
}

// IsFatalAuth reports a revoked or misconfigured grant. No retry will
// help, the user has to re-authorize.
func IsFatalAuth(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCredentialRevoked) || errors.Is(err, ErrNoRefreshToken) {
		return true
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := retrieveErr.ErrorCode
		return code == "invalid_grant" || code == "invalid_client" || code == "unauthorized_client"
	}

	msg := err.Error()
	return strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "invalid_client")
}

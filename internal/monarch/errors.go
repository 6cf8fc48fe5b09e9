package monarch

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a transport failure so callers can decide whether to
// re-authenticate, back off, or give up.
type Kind int

const (
	KindRemote Kind = iota
	KindAuthorization
	KindRateLimited
	KindTransient
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed_response"
	default:
		return "remote"
	}
}

// Error is returned by every Client call that reaches the network.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("monarch: %s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsAuthorizationFailure reports whether err means the session token was
// rejected and a fresh login may succeed.
func IsAuthorizationFailure(err error) bool {
	return hasKind(err, KindAuthorization)
}

// IsRateLimited reports whether the remote asked the caller to slow down.
func IsRateLimited(err error) bool {
	return hasKind(err, KindRateLimited)
}

// IsTransient reports network failures and 5xx responses.
func IsTransient(err error) bool {
	return hasKind(err, KindTransient)
}

// IsMalformed reports a response that could not be decoded.
func IsMalformed(err error) bool {
	return hasKind(err, KindMalformed)
}

func hasKind(err error, k Kind) bool {
	var me *Error
	return errors.As(err, &me) && me.Kind == k
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthorization
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindTransient
	default:
		return KindRemote
	}
}

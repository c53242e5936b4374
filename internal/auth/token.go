package auth

import (
	"errors"
	"fmt"
	"time"
)

type Flow string

const (
	FlowJWT      Flow = "jwt"
	FlowPassword Flow = "password"
	FlowWeb      Flow = "web"
)

// Token is an access token plus the material needed to decide when it can
// no longer be handed out. The value is only ever held in process memory;
// refresh material lives with the provider.
type Token struct {
	Value       string
	InstanceURL string
	TenantID    string
	ExpiresAt   time.Time
	IssuedVia   Flow
}

// ValidFor reports whether the token is still usable at now, keeping the
// given safety margin clear of the real expiry.
func (t *Token) ValidFor(now time.Time, margin time.Duration) bool {
	if t == nil || t.Value == "" {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}

type ErrorKind string

const (
	KindInvalidGrant  ErrorKind = "invalid_grant"
	KindNetwork       ErrorKind = "network"
	KindConfigMissing ErrorKind = "config_missing"
)

// Error classifies authentication failures so callers can decide between
// retry (network) and operator intervention (invalid grant, bad config).
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func authErr(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the error kind when err is (or wraps) an auth Error.
func KindOf(err error) (ErrorKind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

// Retryable reports whether the failure is transient. Invalid grants and
// missing config need an operator, not a retry.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindNetwork
}

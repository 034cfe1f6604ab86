package oauth2provider

import (
	"errors"
	"fmt"
)

// OAuth error codes returned on the wire.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidGrant         = "invalid_grant"
	CodeInvalidScope         = "invalid_scope"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeAccessDenied         = "access_denied"
	CodeExpiredToken         = "expired_token"
	CodeSlowDown             = "slow_down"
	CodeAuthorizationPending = "authorization_pending"
)

var descriptions = map[string]string{
	CodeInvalidRequest:       "The request is missing a required parameter or is otherwise malformed.",
	CodeInvalidClient:        "Client authentication failed.",
	CodeInvalidGrant:         "The provided authorization grant is invalid, expired, or revoked.",
	CodeInvalidScope:         "The requested scope is invalid.",
	CodeUnsupportedGrantType: "The authorization grant type is not supported.",
	CodeAccessDenied:         "The authorization request was denied.",
	CodeExpiredToken:         "The device code has expired.",
	CodeSlowDown:             "Polling too frequently. Increase the polling interval.",
	CodeAuthorizationPending: "The authorization request is still pending.",
}

// GrantError is an OAuth protocol error. Two GrantErrors match under
// errors.Is when their codes are equal.
type GrantError struct {
	Code string
	// Interval is the polling interval in seconds for device flow responses.
	Interval int
}

func (e *GrantError) Error() string {
	if e.Interval > 0 {
		return fmt.Sprintf("%s (interval %ds)", e.Code, e.Interval)
	}
	return e.Code
}

func (e *GrantError) Is(target error) bool {
	t, ok := target.(*GrantError)
	return ok && t.Code == e.Code
}

// Description is the fixed human-readable text for the code.
func (e *GrantError) Description() string {
	return descriptions[e.Code]
}

var (
	ErrInvalidRequest       = &GrantError{Code: CodeInvalidRequest}
	ErrInvalidClient        = &GrantError{Code: CodeInvalidClient}
	ErrInvalidGrant         = &GrantError{Code: CodeInvalidGrant}
	ErrInvalidScope         = &GrantError{Code: CodeInvalidScope}
	ErrUnsupportedGrantType = &GrantError{Code: CodeUnsupportedGrantType}
	ErrAccessDenied         = &GrantError{Code: CodeAccessDenied}
	ErrExpiredToken         = &GrantError{Code: CodeExpiredToken}
	ErrSlowDown             = &GrantError{Code: CodeSlowDown}
	ErrAuthorizationPending = &GrantError{Code: CodeAuthorizationPending}
)

func slowDown(interval int) error {
	return &GrantError{Code: CodeSlowDown, Interval: interval}
}

func authorizationPending(interval int) error {
	return &GrantError{Code: CodeAuthorizationPending, Interval: interval}
}

// Store lookup errors. The service maps them to GrantErrors.
var (
	ErrClientNotFound     = errors.New("oauth client not found")
	ErrCodeNotFound       = errors.New("authorization code not found")
	ErrRefreshNotFound    = errors.New("refresh token not found")
	ErrDeviceCodeNotFound = errors.New("device code not found")
	ErrUserCodeInvalid    = errors.New("user code is invalid or no longer pending")
)

package flow

import (
	"errors"
	"fmt"
)

const genericExchangeMessage = "failed to exchange code for token"

var (
	ErrProviderDenied    = errors.New("authorization denied by provider")
	ErrMalformedCallback = errors.New("callback is missing code or state")
	ErrInvalidState      = errors.New("state not found, expired or already used")
	ErrExchangeHTTP      = errors.New("token exchange failed")
	ErrExchangeParse     = errors.New("failed to parse token response")
	ErrTimeout           = errors.New("token exchange timed out")
)

// ProviderDeniedError is the error returned by the provider on the
// callback instead of an authorization code.
type ProviderDeniedError struct {
	Code        string
	Description string
}

func (e *ProviderDeniedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%v: %s (%s)", ErrProviderDenied, e.Code, e.Description)
	}
	return fmt.Sprintf("%v: %s", ErrProviderDenied, e.Code)
}

func (e *ProviderDeniedError) Is(target error) bool {
	return target == ErrProviderDenied
}

// ExchangeHTTPError is a token endpoint answer with a non-success status
// or a failure to reach the endpoint at all (StatusCode 0). Message is
// taken from the error body when there is one.
type ExchangeHTTPError struct {
	StatusCode int
	Message    string
}

func (e *ExchangeHTTPError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%v: %s", ErrExchangeHTTP, e.Message)
	}
	return fmt.Sprintf("%v with status %d: %s", ErrExchangeHTTP, e.StatusCode, e.Message)
}

func (e *ExchangeHTTPError) Is(target error) bool {
	return target == ErrExchangeHTTP
}

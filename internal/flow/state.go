package flow

import (
	"errors"

	"github.com/matheuscscp/oidc-pkce-client/internal/store"
)

type Phase int

const (
	PhaseAnonymous Phase = iota
	PhasePendingCallback
	PhaseExchangingCode
	PhaseAuthenticated
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseAnonymous:
		return "anonymous"
	case PhasePendingCallback:
		return "pending_callback"
	case PhaseExchangingCode:
		return "exchanging_code"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reason tells why a login attempt ended in PhaseFailed.
type Reason string

const (
	ReasonProviderError      Reason = "provider_error"
	ReasonMalformedCallback  Reason = "malformed_callback"
	ReasonInvalidState       Reason = "invalid_state"
	ReasonExchangeError      Reason = "exchange_error"
	ReasonExchangeParseError Reason = "exchange_parse_error"
	ReasonTimeout            Reason = "timeout"
	ReasonStorageError       Reason = "storage_error"
)

// State is one of Anonymous, PendingCallback, ExchangingCode,
// Authenticated or Failed.
type State interface {
	Phase() Phase
	isState()
}

type Anonymous struct{}

// PendingCallback is the provider round-trip in flight. URL is where the
// browser must be sent and State is the value the provider echoes back.
type PendingCallback struct {
	URL   string
	State string
}

type ExchangingCode struct{}

type Authenticated struct {
	Session *store.Session
}

// Failed is terminal for the login attempt. The user has to start over
// from Anonymous.
type Failed struct {
	Reason Reason
	Err    error
}

func (Anonymous) Phase() Phase       { return PhaseAnonymous }
func (PendingCallback) Phase() Phase { return PhasePendingCallback }
func (ExchangingCode) Phase() Phase  { return PhaseExchangingCode }
func (Authenticated) Phase() Phase   { return PhaseAuthenticated }
func (Failed) Phase() Phase          { return PhaseFailed }

func (Anonymous) isState()       {}
func (PendingCallback) isState() {}
func (ExchangingCode) isState()  {}
func (Authenticated) isState()   {}
func (Failed) isState()          {}

// Message is the text shown to the user for the failure.
func (f Failed) Message() string {
	var denied *ProviderDeniedError
	var httpErr *ExchangeHTTPError
	switch {
	case errors.As(f.Err, &denied):
		return "Authentication failed: " + denied.Code
	case errors.As(f.Err, &httpErr):
		return httpErr.Message
	}
	switch f.Reason {
	case ReasonMalformedCallback:
		return "Authorization code or state not found in the callback."
	case ReasonInvalidState:
		return "Login attempt not found or expired. Please log in again."
	case ReasonExchangeParseError:
		return "The identity provider returned an invalid token response."
	case ReasonTimeout:
		return "The identity provider did not answer in time."
	case ReasonStorageError:
		return "Failed to store the session."
	default:
		return genericExchangeMessage
	}
}

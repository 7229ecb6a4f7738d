package store

import (
	"context"
	"fmt"
	"time"

	"github.com/matheuscscp/oidc-pkce-client/internal/logging"
	"github.com/matheuscscp/oidc-pkce-client/internal/pkce"
)

const (
	verifierKeyPrefix = "pkce_verifier_"
	stateKeyPrefix    = "pkce_state_"
	stateMarker       = "1"

	maxStateGenerations = 3
)

// AuthAttempt is one login round-trip: the state sent to the provider
// and the PKCE pair bound to it.
type AuthAttempt struct {
	State     string
	Verifier  string
	Challenge string
}

// Registry binds states to code verifiers between the authorization
// request and the callback. Every binding is single-use.
type Registry struct {
	store *memoryStore

	newState func() (string, error)
	newPair  func() (pkce.Pair, error)
}

func NewRegistry(ttl time.Duration, maxAttempts int) *Registry {
	return &Registry{
		// Each attempt takes two entries: the verifier and the state marker.
		store:    newMemoryStore(ttl, 2*maxAttempts),
		newState: pkce.NewState,
		newPair:  pkce.NewPair,
	}
}

func (r *Registry) Begin(ctx context.Context) (*AuthAttempt, error) {
	pair, err := r.newPair()
	if err != nil {
		return nil, err
	}

	for range maxStateGenerations {
		state, err := r.newState()
		if err != nil {
			return nil, err
		}
		stored := r.store.put(map[string]string{
			verifierKey(state): pair.Verifier,
			stateKey(state):    stateMarker,
		})
		if !stored {
			logging.FromContext(ctx).Warn("generated state collides with a live attempt, regenerating")
			continue
		}
		return &AuthAttempt{
			State:     state,
			Verifier:  pair.Verifier,
			Challenge: pair.Challenge,
		}, nil
	}

	return nil, fmt.Errorf("failed to generate a unique state after %d attempts", maxStateGenerations)
}

// Consume removes the binding for state and returns its verifier. A
// missing, expired or already consumed state yields false.
func (r *Registry) Consume(ctx context.Context, state string) (string, bool) {
	if state == "" {
		return "", false
	}
	values, ok := r.store.take(verifierKey(state), stateKey(state))
	if !ok || values[1] != stateMarker {
		logging.FromContext(ctx).Debug("no live attempt for state")
		return "", false
	}
	return values[0], true
}

func verifierKey(state string) string {
	return verifierKeyPrefix + state
}

func stateKey(state string) string {
	return stateKeyPrefix + state
}

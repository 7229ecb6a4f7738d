package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/matheuscscp/oidc-pkce-client/internal/logging"
)

const (
	keyAccessToken = "access_token"
	keyExpiresAt   = "expires_at"
	keyIDToken     = "id_token"

	// MaxExpiresIn bounds the token lifetime accepted from the provider so
	// the absolute expiry stays representable.
	MaxExpiresIn = 10 * 365 * 24 * 60 * 60
)

// Session is the authenticated state of the application. Tokens are
// opaque strings.
type Session struct {
	AccessToken string
	ExpiresAt   int64 // epoch milliseconds
	IDToken     string
}

// TokenResponse is the successful token endpoint response body.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int64  `json:"expires_in"`
	IDToken     string `json:"id_token,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// ValidateLifetime rejects lifetimes that would produce a session which
// is already expired or whose expiry overflows.
func (tr *TokenResponse) ValidateLifetime() error {
	if tr.ExpiresIn <= 0 {
		return fmt.Errorf("token response has non-positive expires_in %d", tr.ExpiresIn)
	}
	if tr.ExpiresIn > MaxExpiresIn {
		return fmt.Errorf("token response expires_in %d exceeds %d", tr.ExpiresIn, MaxExpiresIn)
	}
	return nil
}

func (s *Session) Valid(now time.Time) bool {
	return s.AccessToken != "" && now.UnixMilli() < s.ExpiresAt
}

func (s *Session) Expiry() time.Time {
	return time.UnixMilli(s.ExpiresAt)
}

// SessionStore persists a single session in durable storage. Expiry is
// enforced lazily by Load, there is no background timer.
type SessionStore struct {
	kv      KV
	nowFunc func() time.Time
}

func NewSessionStore(kv KV, nowFunc func() time.Time) *SessionStore {
	return &SessionStore{
		kv:      kv,
		nowFunc: nowFunc,
	}
}

// Save overwrites the stored session with the one described by the
// token response, including dropping a previous identity token.
func (s *SessionStore) Save(ctx context.Context, tr *TokenResponse) (*Session, error) {
	if tr == nil || tr.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access token")
	}
	if err := tr.ValidateLifetime(); err != nil {
		return nil, err
	}

	sess := &Session{
		AccessToken: tr.AccessToken,
		ExpiresAt:   s.nowFunc().UnixMilli() + tr.ExpiresIn*1000,
		IDToken:     tr.IDToken,
	}

	entries := map[string]string{
		keyAccessToken: sess.AccessToken,
		keyExpiresAt:   strconv.FormatInt(sess.ExpiresAt, 10),
	}
	var stale []string
	if sess.IDToken != "" {
		entries[keyIDToken] = sess.IDToken
	} else {
		stale = append(stale, keyIDToken)
	}
	if err := s.kv.Replace(ctx, entries, stale...); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	logging.FromContext(ctx).WithField("expiresAt", sess.Expiry()).Debug("session saved")
	return sess, nil
}

// Load returns the stored session if it is well-formed and not expired.
// Anything else found in storage is cleared.
func (s *SessionStore) Load(ctx context.Context) (*Session, bool) {
	l := logging.FromContext(ctx)

	accessToken, hasAccessToken, err := s.kv.Get(ctx, keyAccessToken)
	if err != nil {
		l.WithError(err).Error("failed to read access token")
		return nil, false
	}
	expiresAtStr, hasExpiresAt, err := s.kv.Get(ctx, keyExpiresAt)
	if err != nil {
		l.WithError(err).Error("failed to read session expiry")
		return nil, false
	}
	idToken, hasIDToken, err := s.kv.Get(ctx, keyIDToken)
	if err != nil {
		l.WithError(err).Error("failed to read identity token")
		return nil, false
	}

	discard := func(reason string) (*Session, bool) {
		if hasAccessToken || hasExpiresAt || hasIDToken {
			l.WithField("reason", reason).Debug("discarding stored session")
			if err := s.Clear(ctx); err != nil {
				l.WithError(err).Error("failed to clear session")
			}
		}
		return nil, false
	}

	if accessToken == "" || !hasExpiresAt {
		return discard("incomplete")
	}
	expiresAt, err := strconv.ParseInt(expiresAtStr, 10, 64)
	if err != nil {
		return discard("malformed expiry")
	}

	sess := &Session{
		AccessToken: accessToken,
		ExpiresAt:   expiresAt,
		IDToken:     idToken,
	}
	if !sess.Valid(s.nowFunc()) {
		return discard("expired")
	}
	return sess, true
}

// IdentityToken returns the stored identity token regardless of the
// session validity, or an empty string.
func (s *SessionStore) IdentityToken(ctx context.Context) string {
	idToken, _, err := s.kv.Get(ctx, keyIDToken)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Error("failed to read identity token")
		return ""
	}
	return idToken
}

func (s *SessionStore) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, keyAccessToken, keyExpiresAt, keyIDToken); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

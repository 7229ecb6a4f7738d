// Package flow drives the OAuth2 Authorization Code flow with PKCE:
// login initiation, callback handling and logout.
package flow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/matheuscscp/oidc-pkce-client/internal/config"
	"github.com/matheuscscp/oidc-pkce-client/internal/constants"
	"github.com/matheuscscp/oidc-pkce-client/internal/logging"
	"github.com/matheuscscp/oidc-pkce-client/internal/store"
)

// Registry keeps the state to verifier bindings between Login and
// HandleCallback.
type Registry interface {
	Begin(ctx context.Context) (*store.AuthAttempt, error)
	Consume(ctx context.Context, state string) (string, bool)
}

// Sessions persists the authenticated session.
type Sessions interface {
	Save(ctx context.Context, tr *store.TokenResponse) (*store.Session, error)
	Load(ctx context.Context) (*store.Session, bool)
	Clear(ctx context.Context) error
	IdentityToken(ctx context.Context) string
}

// Observer is notified of every transition the controller makes.
type Observer interface {
	Transition(ctx context.Context, s State)
}

type ObserverFunc func(ctx context.Context, s State)

func (f ObserverFunc) Transition(ctx context.Context, s State) {
	f(ctx, s)
}

type Option func(*Controller)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Controller) {
		c.httpClient = client
	}
}

func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observer = o
	}
}

type Controller struct {
	conf     *config.Config
	registry Registry
	sessions Sessions

	httpClient *http.Client
	observer   Observer
}

func New(conf *config.Config, registry Registry, sessions Sessions, opts ...Option) *Controller {
	c := &Controller{
		conf:       conf,
		registry:   registry,
		sessions:   sessions,
		httpClient: newHTTPClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initial is the state of a fresh page load.
func (c *Controller) Initial(ctx context.Context) State {
	if sess, ok := c.sessions.Load(ctx); ok {
		return Authenticated{Session: sess}
	}
	return Anonymous{}
}

// Login starts an attempt and returns where the browser must go next.
func (c *Controller) Login(ctx context.Context) (PendingCallback, error) {
	attempt, err := c.registry.Begin(ctx)
	if err != nil {
		return PendingCallback{}, fmt.Errorf("failed to begin authentication attempt: %w", err)
	}

	oauth2Conf := c.conf.Provider.OAuth2Config(c.conf.App.RedirectURI())
	authCodeURL := oauth2Conf.AuthCodeURL(attempt.State,
		oauth2.SetAuthURLParam(constants.QueryParamCodeChallenge, attempt.Challenge),
		oauth2.SetAuthURLParam(constants.QueryParamCodeChallengeMethod, constants.AuthorizationServerCodeChallengeMethod))

	logging.FromContext(ctx).Info("authentication attempt started")

	return c.transition(ctx, PendingCallback{
		URL:   authCodeURL,
		State: attempt.State,
	}).(PendingCallback), nil
}

// HandleCallback finishes the attempt identified by the state in query.
// The result is either Authenticated or Failed.
func (c *Controller) HandleCallback(ctx context.Context, query url.Values) State {
	l := logging.FromContext(ctx)

	if query.Get(constants.QueryParamError) != "" {
		err := &ProviderDeniedError{
			Code:        query.Get(constants.QueryParamError),
			Description: query.Get(constants.QueryParamErrorDescription),
		}
		l.WithError(err).Warn("provider denied authentication")
		return c.fail(ctx, ReasonProviderError, err)
	}

	code := query.Get(constants.QueryParamAuthorizationCode)
	state := query.Get(constants.QueryParamState)
	if code == "" || state == "" {
		l.Warn("callback without code or state")
		return c.fail(ctx, ReasonMalformedCallback, ErrMalformedCallback)
	}

	verifier, ok := c.registry.Consume(ctx, state)
	if !ok {
		l.Warn("callback state does not match a live attempt")
		return c.fail(ctx, ReasonInvalidState, ErrInvalidState)
	}

	c.transition(ctx, ExchangingCode{})

	token, reason, err := c.exchange(ctx, code, verifier)
	if err != nil {
		return c.fail(ctx, reason, err)
	}

	sess, err := c.sessions.Save(ctx, token)
	if err != nil {
		l.WithError(err).Error("failed to save session")
		return c.fail(ctx, ReasonStorageError, err)
	}

	l.WithField("expiresAt", sess.Expiry()).Info("authenticated")
	return c.transition(ctx, Authenticated{Session: sess})
}

// RejectCallback ends the attempt without consuming it, for callbacks
// refused before reaching the registry, e.g. on a state cookie mismatch.
func (c *Controller) RejectCallback(ctx context.Context, cause error) Failed {
	logging.FromContext(ctx).WithError(cause).Warn("callback rejected")
	return c.fail(ctx, ReasonInvalidState, fmt.Errorf("%w: %w", ErrInvalidState, cause)).(Failed)
}

// Logout clears the session and returns the provider end-session URL.
// The identity token is read before clearing so it can be sent as a hint.
func (c *Controller) Logout(ctx context.Context) (string, error) {
	idToken := c.sessions.IdentityToken(ctx)

	if err := c.sessions.Clear(ctx); err != nil {
		return "", err
	}
	c.transition(ctx, Anonymous{})

	params := url.Values{}
	params.Set(constants.QueryParamClientID, c.conf.Provider.ClientID)
	params.Set(constants.QueryParamPostLogoutRedirect, c.conf.App.PostLogoutRedirectURI())
	if idToken != "" {
		params.Set(constants.QueryParamIDTokenHint, idToken)
	}

	logging.FromContext(ctx).WithField("idTokenHint", idToken != "").Info("logged out")
	return fmt.Sprintf("%s?%s", c.conf.Provider.LogoutURL(), params.Encode()), nil
}

func (c *Controller) exchange(ctx context.Context, code, verifier string) (*store.TokenResponse, Reason, error) {
	l := logging.FromContext(ctx)

	ctx, cancel := context.WithTimeout(ctx, c.conf.Exchange.Timeout)
	defer cancel()

	t := time.Now()
	res, err := exchangeCode(ctx, c.httpClient, &exchangeRequest{
		tokenURL:     c.conf.Provider.TokenURL(),
		clientID:     c.conf.Provider.ClientID,
		redirectURI:  c.conf.App.RedirectURI(),
		code:         code,
		codeVerifier: verifier,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			l.WithError(err).WithField("timeout", c.conf.Exchange.Timeout).Error("token exchange timed out")
			return nil, ReasonTimeout, fmt.Errorf("%w after %v", ErrTimeout, c.conf.Exchange.Timeout)
		}
		l.WithError(err).Error("failed to exchange authorization code for tokens")
		return nil, ReasonExchangeError, fmt.Errorf("%w: %w",
			&ExchangeHTTPError{Message: genericExchangeMessage}, err)
	}

	l = l.WithFields(logrus.Fields{
		"status":   res.statusCode,
		"duration": time.Since(t).String(),
	})

	switch res.outcome {
	case outcomeHTTPFailure:
		// Error bodies carry no token material.
		l.WithField("body", string(res.body)).Error("token endpoint rejected the exchange")
		return nil, ReasonExchangeError, &ExchangeHTTPError{
			StatusCode: res.statusCode,
			Message:    res.message(),
		}
	case outcomeNonJSON:
		l.Error("token endpoint answered with a non-JSON body")
		return nil, ReasonExchangeParseError, fmt.Errorf("%w: body is not a JSON object", ErrExchangeParse)
	}

	if res.token.AccessToken == "" {
		l.Error("token response has no access token")
		return nil, ReasonExchangeParseError, fmt.Errorf("%w: missing access_token", ErrExchangeParse)
	}
	if err := res.token.ValidateLifetime(); err != nil {
		l.WithError(err).Error("token response has an unusable lifetime")
		return nil, ReasonExchangeParseError, fmt.Errorf("%w: %w", ErrExchangeParse, err)
	}

	l.Debug("authorization code exchanged")
	return res.token, "", nil
}

func (c *Controller) fail(ctx context.Context, reason Reason, err error) State {
	return c.transition(ctx, Failed{Reason: reason, Err: err})
}

func (c *Controller) transition(ctx context.Context, s State) State {
	if c.observer != nil {
		c.observer.Transition(ctx, s)
	}
	return s
}

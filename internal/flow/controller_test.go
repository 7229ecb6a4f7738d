package flow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/matheuscscp/oidc-pkce-client/internal/config"
	"github.com/matheuscscp/oidc-pkce-client/internal/pkce"
	"github.com/matheuscscp/oidc-pkce-client/internal/store"
)

const tokenPath = "/realms/demo/protocol/openid-connect/token"

type mockProvider struct {
	*httptest.Server
	hits atomic.Int32
}

func newMockProvider(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *mockProvider {
	t.Helper()
	mp := &mockProvider{}
	mp.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != tokenPath {
			http.NotFound(w, r)
			return
		}
		mp.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(mp.Close)
	return mp
}

func respondToken(body string) func(w http.ResponseWriter, r *http.Request) {
	return respondWith(http.StatusOK, "application/json", body)
}

func respondWith(status int, contentType, body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func newTestConfig(t *testing.T, providerURL string) *config.Config {
	t.Helper()
	conf := &config.Config{
		Provider: config.ProviderConfig{
			BaseURL:  providerURL,
			Realm:    "demo",
			ClientID: "app-a",
		},
	}
	if err := conf.ValidateAndInitialize(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return conf
}

type recordingObserver struct {
	states []State
}

func (r *recordingObserver) Transition(_ context.Context, s State) {
	r.states = append(r.states, s)
}

func (r *recordingObserver) phases() []Phase {
	phases := make([]Phase, 0, len(r.states))
	for _, s := range r.states {
		phases = append(phases, s.Phase())
	}
	return phases
}

type failingSessions struct {
	Sessions
	saveErr  error
	clearErr error
}

func (f *failingSessions) Save(ctx context.Context, tr *store.TokenResponse) (*store.Session, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	return f.Sessions.Save(ctx, tr)
}

func (f *failingSessions) Clear(ctx context.Context) error {
	if f.clearErr != nil {
		return f.clearErr
	}
	return f.Sessions.Clear(ctx)
}

type testEnv struct {
	provider   *mockProvider
	conf       *config.Config
	registry   *store.Registry
	kv         store.KV
	sessions   *store.SessionStore
	observer   *recordingObserver
	controller *Controller
}

func newTestEnv(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *testEnv {
	t.Helper()
	env := &testEnv{
		provider: newMockProvider(t, handler),
		registry: store.NewRegistry(time.Minute, 10),
		kv:       store.NewMemoryKV(),
		observer: &recordingObserver{},
	}
	env.conf = newTestConfig(t, env.provider.URL)
	env.sessions = store.NewSessionStore(env.kv, time.Now)
	env.controller = New(env.conf, env.registry, env.sessions,
		WithHTTPClient(env.provider.Client()),
		WithObserver(env.observer))
	return env
}

// login runs Login and returns the state with the code challenge that
// the browser would carry to the provider.
func (e *testEnv) login(t *testing.T) (string, string) {
	t.Helper()
	pending, err := e.controller.Login(context.Background())
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	u, err := url.Parse(pending.URL)
	if err != nil {
		t.Fatalf("invalid authorization URL: %v", err)
	}
	return pending.State, u.Query().Get("code_challenge")
}

func TestController_Initial(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	env := newTestEnv(t, respondToken(`{}`))

	g.Expect(env.controller.Initial(ctx)).To(Equal(Anonymous{}))

	sess, err := env.sessions.Save(ctx, &store.TokenResponse{AccessToken: "abc", ExpiresIn: 3600})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(env.controller.Initial(ctx)).To(Equal(Authenticated{Session: sess}))

	// Initial is not a transition.
	g.Expect(env.observer.states).To(BeEmpty())
}

func TestController_Login(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	env := newTestEnv(t, respondToken(`{}`))
	env.conf.Provider.Scopes = []string{"profile"}

	pending, err := env.controller.Login(ctx)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(pending.State).ToNot(BeEmpty())

	u, err := url.Parse(pending.URL)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(u.Scheme + "://" + u.Host).To(Equal(env.provider.URL))
	g.Expect(u.Path).To(Equal("/realms/demo/protocol/openid-connect/auth"))

	q := u.Query()
	g.Expect(q.Get("client_id")).To(Equal("app-a"))
	g.Expect(q.Get("response_type")).To(Equal("code"))
	g.Expect(q.Get("redirect_uri")).To(Equal("http://localhost:8080/callback"))
	g.Expect(q.Get("scope")).To(Equal("openid profile"))
	g.Expect(q.Get("code_challenge_method")).To(Equal("S256"))
	g.Expect(q.Get("state")).To(Equal(pending.State))

	// The challenge belongs to the verifier bound to the state.
	verifier, ok := env.registry.Consume(ctx, pending.State)
	g.Expect(ok).To(BeTrue())
	g.Expect(q.Get("code_challenge")).To(Equal(pkce.DeriveChallenge(verifier)))
	g.Expect(q.Has("code_verifier")).To(BeFalse())

	g.Expect(env.observer.phases()).To(Equal([]Phase{PhasePendingCallback}))
	g.Expect(env.provider.hits.Load()).To(BeZero())
}

func TestController_HandleCallback_EndToEnd(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()

	var method, contentType string
	var form url.Values
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		contentType = r.Header.Get("Content-Type")
		r.ParseForm()
		form = r.PostForm
		respondToken(`{"access_token":"abc","expires_in":3600,"token_type":"Bearer"}`)(w, r)
	})

	state, challenge := env.login(t)

	result := env.controller.HandleCallback(ctx, url.Values{
		"code":  {"the-code"},
		"state": {state},
	})

	g.Expect(result.Phase()).To(Equal(PhaseAuthenticated))
	g.Expect(result.(Authenticated).Session.AccessToken).To(Equal("abc"))
	g.Expect(env.provider.hits.Load()).To(Equal(int32(1)))

	g.Expect(method).To(Equal(http.MethodPost))
	g.Expect(contentType).To(Equal("application/x-www-form-urlencoded"))
	g.Expect(form.Get("grant_type")).To(Equal("authorization_code"))
	g.Expect(form.Get("code")).To(Equal("the-code"))
	g.Expect(form.Get("client_id")).To(Equal("app-a"))
	g.Expect(form.Get("redirect_uri")).To(Equal("http://localhost:8080/callback"))
	g.Expect(pkce.DeriveChallenge(form.Get("code_verifier"))).To(Equal(challenge))

	sess, ok := env.sessions.Load(ctx)
	g.Expect(ok).To(BeTrue())
	g.Expect(sess.AccessToken).To(Equal("abc"))
	g.Expect(sess.IDToken).To(BeEmpty())
	g.Expect(sess.Expiry()).To(BeTemporally("~", time.Now().Add(time.Hour), 5*time.Second))

	g.Expect(env.observer.phases()).To(Equal([]Phase{
		PhasePendingCallback,
		PhaseExchangingCode,
		PhaseAuthenticated,
	}))

	// Replaying the callback finds no attempt and makes no second exchange.
	result = env.controller.HandleCallback(ctx, url.Values{
		"code":  {"the-code"},
		"state": {state},
	})
	g.Expect(result.Phase()).To(Equal(PhaseFailed))
	g.Expect(result.(Failed).Reason).To(Equal(ReasonInvalidState))
	g.Expect(env.provider.hits.Load()).To(Equal(int32(1)))
}

func TestController_HandleCallback_RejectedBeforeExchange(t *testing.T) {
	tests := []struct {
		name          string
		query         func(state string) url.Values
		expectedError error
		reason        Reason
		message       string
	}{
		{
			name: "provider error",
			query: func(state string) url.Values {
				return url.Values{"error": {"access_denied"}, "state": {state}}
			},
			expectedError: ErrProviderDenied,
			reason:        ReasonProviderError,
			message:       "Authentication failed: access_denied",
		},
		{
			name: "provider error wins over code",
			query: func(state string) url.Values {
				return url.Values{"error": {"login_required"}, "code": {"c"}, "state": {state}}
			},
			expectedError: ErrProviderDenied,
			reason:        ReasonProviderError,
			message:       "Authentication failed: login_required",
		},
		{
			name: "missing code",
			query: func(state string) url.Values {
				return url.Values{"state": {state}}
			},
			expectedError: ErrMalformedCallback,
			reason:        ReasonMalformedCallback,
			message:       "Authorization code or state not found in the callback.",
		},
		{
			name: "missing state",
			query: func(string) url.Values {
				return url.Values{"code": {"c"}}
			},
			expectedError: ErrMalformedCallback,
			reason:        ReasonMalformedCallback,
			message:       "Authorization code or state not found in the callback.",
		},
		{
			name: "unknown state",
			query: func(string) url.Values {
				return url.Values{"code": {"c"}, "state": {"never-issued"}}
			},
			expectedError: ErrInvalidState,
			reason:        ReasonInvalidState,
			message:       "Login attempt not found or expired. Please log in again.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			env := newTestEnv(t, respondToken(`{"access_token":"abc","expires_in":3600}`))
			state, _ := env.login(t)

			result := env.controller.HandleCallback(context.Background(), tt.query(state))

			g.Expect(result.Phase()).To(Equal(PhaseFailed))
			failed := result.(Failed)
			g.Expect(failed.Reason).To(Equal(tt.reason))
			g.Expect(errors.Is(failed.Err, tt.expectedError)).To(BeTrue())
			g.Expect(failed.Message()).To(Equal(tt.message))
			g.Expect(env.provider.hits.Load()).To(BeZero())
			g.Expect(env.observer.phases()).To(Equal([]Phase{PhasePendingCallback, PhaseFailed}))
		})
	}
}

func TestController_HandleCallback_EmptyErrorParam(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, respondToken(`{"access_token":"abc","expires_in":3600}`))
	state, _ := env.login(t)

	result := env.controller.HandleCallback(context.Background(), url.Values{
		"error": {""},
		"code":  {"c"},
		"state": {state},
	})

	g.Expect(result.Phase()).To(Equal(PhaseAuthenticated))
	g.Expect(env.provider.hits.Load()).To(Equal(int32(1)))
}

func TestController_RejectCallback(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, respondToken(`{"access_token":"abc","expires_in":3600}`))
	state, _ := env.login(t)

	result := env.controller.RejectCallback(context.Background(), errors.New("state cookie mismatch"))

	g.Expect(result.Reason).To(Equal(ReasonInvalidState))
	g.Expect(errors.Is(result.Err, ErrInvalidState)).To(BeTrue())
	g.Expect(result.Err.Error()).To(ContainSubstring("state cookie mismatch"))
	g.Expect(result.Message()).To(Equal("Login attempt not found or expired. Please log in again."))
	g.Expect(env.observer.phases()).To(Equal([]Phase{PhasePendingCallback, PhaseFailed}))

	// The attempt was not consumed.
	_, ok := env.registry.Consume(context.Background(), state)
	g.Expect(ok).To(BeTrue())
	g.Expect(env.provider.hits.Load()).To(BeZero())
}

func TestController_HandleCallback_ProviderErrorDetails(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, respondToken(`{}`))

	result := env.controller.HandleCallback(context.Background(), url.Values{
		"error":             {"access_denied"},
		"error_description": {"User cancelled"},
	})

	var denied *ProviderDeniedError
	g.Expect(errors.As(result.(Failed).Err, &denied)).To(BeTrue())
	g.Expect(denied.Code).To(Equal("access_denied"))
	g.Expect(denied.Description).To(Equal("User cancelled"))
}

func TestController_HandleCallback_ExchangeFailures(t *testing.T) {
	tests := []struct {
		name          string
		handler       func(w http.ResponseWriter, r *http.Request)
		reason        Reason
		expectedError error
		statusCode    int
		message       string
	}{
		{
			name:          "error with description",
			handler:       respondWith(http.StatusBadRequest, "application/json", `{"error":"invalid_grant","error_description":"Code not valid"}`),
			reason:        ReasonExchangeError,
			expectedError: ErrExchangeHTTP,
			statusCode:    http.StatusBadRequest,
			message:       "Code not valid",
		},
		{
			name:          "error without description",
			handler:       respondWith(http.StatusUnauthorized, "application/json", `{"error":"unauthorized_client"}`),
			reason:        ReasonExchangeError,
			expectedError: ErrExchangeHTTP,
			statusCode:    http.StatusUnauthorized,
			message:       "unauthorized_client",
		},
		{
			name:          "error body without fields",
			handler:       respondWith(http.StatusBadRequest, "application/json", `{}`),
			reason:        ReasonExchangeError,
			expectedError: ErrExchangeHTTP,
			statusCode:    http.StatusBadRequest,
			message:       "failed to exchange code for token",
		},
		{
			name:          "non-JSON error body",
			handler:       respondWith(http.StatusBadGateway, "text/html", `<html>bad gateway</html>`),
			reason:        ReasonExchangeError,
			expectedError: ErrExchangeHTTP,
			statusCode:    http.StatusBadGateway,
			message:       "failed to exchange code for token",
		},
		{
			name:          "non-JSON success body",
			handler:       respondWith(http.StatusOK, "text/plain", `access_token=abc`),
			reason:        ReasonExchangeParseError,
			expectedError: ErrExchangeParse,
			message:       "The identity provider returned an invalid token response.",
		},
		{
			name:          "truncated JSON success body",
			handler:       respondWith(http.StatusOK, "application/json", `{"access_token":"abc"`),
			reason:        ReasonExchangeParseError,
			expectedError: ErrExchangeParse,
			message:       "The identity provider returned an invalid token response.",
		},
		{
			name:          "success body without expires_in",
			handler:       respondToken(`{"access_token":"abc"}`),
			reason:        ReasonExchangeParseError,
			expectedError: ErrExchangeParse,
			message:       "The identity provider returned an invalid token response.",
		},
		{
			name:          "success body with zero expires_in",
			handler:       respondToken(`{"access_token":"abc","expires_in":0}`),
			reason:        ReasonExchangeParseError,
			expectedError: ErrExchangeParse,
			message:       "The identity provider returned an invalid token response.",
		},
		{
			name:          "success body with negative expires_in",
			handler:       respondToken(`{"access_token":"abc","expires_in":-5}`),
			reason:        ReasonExchangeParseError,
			expectedError: ErrExchangeParse,
			message:       "The identity provider returned an invalid token response.",
		},
		{
			name:          "success body with overflowing expires_in",
			handler:       respondToken(`{"access_token":"abc","expires_in":9223372036854775}`),
			reason:        ReasonExchangeParseError,
			expectedError: ErrExchangeParse,
			message:       "The identity provider returned an invalid token response.",
		},
		{
			name:          "success body without access token",
			handler:       respondToken(`{"expires_in":3600}`),
			reason:        ReasonExchangeParseError,
			expectedError: ErrExchangeParse,
			message:       "The identity provider returned an invalid token response.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			ctx := context.Background()
			env := newTestEnv(t, tt.handler)
			state, _ := env.login(t)

			result := env.controller.HandleCallback(ctx, url.Values{
				"code":  {"c"},
				"state": {state},
			})

			g.Expect(result.Phase()).To(Equal(PhaseFailed))
			failed := result.(Failed)
			g.Expect(failed.Reason).To(Equal(tt.reason))
			g.Expect(errors.Is(failed.Err, tt.expectedError)).To(BeTrue())
			g.Expect(failed.Message()).To(Equal(tt.message))
			if tt.statusCode != 0 {
				var httpErr *ExchangeHTTPError
				g.Expect(errors.As(failed.Err, &httpErr)).To(BeTrue())
				g.Expect(httpErr.StatusCode).To(Equal(tt.statusCode))
			}

			// Never retried, nothing stored.
			g.Expect(env.provider.hits.Load()).To(Equal(int32(1)))
			_, ok := env.sessions.Load(ctx)
			g.Expect(ok).To(BeFalse())
			g.Expect(env.observer.phases()).To(Equal([]Phase{
				PhasePendingCallback,
				PhaseExchangingCode,
				PhaseFailed,
			}))
		})
	}
}

func TestController_HandleCallback_Timeout(t *testing.T) {
	g := NewWithT(t)
	release := make(chan struct{})
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)
	env.conf.Exchange.Timeout = 50 * time.Millisecond
	state, _ := env.login(t)

	result := env.controller.HandleCallback(context.Background(), url.Values{
		"code":  {"c"},
		"state": {state},
	})

	g.Expect(result.Phase()).To(Equal(PhaseFailed))
	failed := result.(Failed)
	g.Expect(failed.Reason).To(Equal(ReasonTimeout))
	g.Expect(errors.Is(failed.Err, ErrTimeout)).To(BeTrue())
	g.Expect(failed.Message()).To(Equal("The identity provider did not answer in time."))
}

func TestController_HandleCallback_Unreachable(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, respondToken(`{}`))
	state, _ := env.login(t)
	env.provider.Close()

	result := env.controller.HandleCallback(context.Background(), url.Values{
		"code":  {"c"},
		"state": {state},
	})

	failed := result.(Failed)
	g.Expect(failed.Reason).To(Equal(ReasonExchangeError))
	var httpErr *ExchangeHTTPError
	g.Expect(errors.As(failed.Err, &httpErr)).To(BeTrue())
	g.Expect(httpErr.StatusCode).To(BeZero())
	g.Expect(failed.Message()).To(Equal("failed to exchange code for token"))
}

func TestController_HandleCallback_StorageError(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, respondToken(`{"access_token":"abc","expires_in":3600}`))
	sessions := &failingSessions{Sessions: env.sessions, saveErr: errors.New("disk full")}
	controller := New(env.conf, env.registry, sessions, WithHTTPClient(env.provider.Client()))
	state, _ := env.login(t)

	result := controller.HandleCallback(context.Background(), url.Values{
		"code":  {"c"},
		"state": {state},
	})

	failed := result.(Failed)
	g.Expect(failed.Reason).To(Equal(ReasonStorageError))
	g.Expect(failed.Err).To(MatchError("disk full"))
	g.Expect(failed.Message()).To(Equal("Failed to store the session."))
}

func TestController_Logout(t *testing.T) {
	tests := []struct {
		name          string
		idToken       string
		expectedQuery url.Values
	}{
		{
			name:    "with identity token",
			idToken: "the-id-token",
			expectedQuery: url.Values{
				"client_id":                {"app-a"},
				"post_logout_redirect_uri": {"http://localhost:8080"},
				"id_token_hint":            {"the-id-token"},
			},
		},
		{
			name: "without identity token",
			expectedQuery: url.Values{
				"client_id":                {"app-a"},
				"post_logout_redirect_uri": {"http://localhost:8080"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			ctx := context.Background()
			env := newTestEnv(t, respondToken(`{}`))
			_, err := env.sessions.Save(ctx, &store.TokenResponse{
				AccessToken: "abc",
				ExpiresIn:   3600,
				IDToken:     tt.idToken,
			})
			g.Expect(err).ToNot(HaveOccurred())

			logoutURL, err := env.controller.Logout(ctx)
			g.Expect(err).ToNot(HaveOccurred())

			u, err := url.Parse(logoutURL)
			g.Expect(err).ToNot(HaveOccurred())
			g.Expect(u.Path).To(Equal("/realms/demo/protocol/openid-connect/logout"))
			g.Expect(u.Query()).To(Equal(tt.expectedQuery))

			for _, key := range []string{"access_token", "expires_at", "id_token"} {
				_, found, err := env.kv.Get(ctx, key)
				g.Expect(err).ToNot(HaveOccurred())
				g.Expect(found).To(BeFalse())
			}
			g.Expect(env.controller.Initial(ctx)).To(Equal(Anonymous{}))
			g.Expect(env.observer.phases()).To(Equal([]Phase{PhaseAnonymous}))
		})
	}
}

func TestController_LogoutExpiredSessionKeepsHint(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	env := newTestEnv(t, respondToken(`{}`))
	g.Expect(env.kv.Put(ctx, map[string]string{
		"access_token": "abc",
		"expires_at":   "1",
		"id_token":     "stale-id-token",
	})).To(Succeed())

	logoutURL, err := env.controller.Logout(ctx)
	g.Expect(err).ToNot(HaveOccurred())

	u, err := url.Parse(logoutURL)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(u.Query().Get("id_token_hint")).To(Equal("stale-id-token"))
}

func TestController_LogoutClearError(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, respondToken(`{}`))
	sessions := &failingSessions{Sessions: env.sessions, clearErr: errors.New("read-only")}
	observer := &recordingObserver{}
	controller := New(env.conf, env.registry, sessions, WithObserver(observer))

	logoutURL, err := controller.Logout(context.Background())

	g.Expect(err).To(MatchError("read-only"))
	g.Expect(logoutURL).To(BeEmpty())
	g.Expect(observer.states).To(BeEmpty())
}

func TestObserverFunc(t *testing.T) {
	g := NewWithT(t)
	var got []Phase
	env := newTestEnv(t, respondToken(`{}`))
	controller := New(env.conf, env.registry, env.sessions,
		WithObserver(ObserverFunc(func(_ context.Context, s State) {
			got = append(got, s.Phase())
		})))

	_, err := controller.Login(context.Background())
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(got).To(Equal([]Phase{PhasePendingCallback}))
}

func TestTokenResponseIgnoresExtraFields(t *testing.T) {
	g := NewWithT(t)
	var tr store.TokenResponse
	err := json.Unmarshal([]byte(`{"access_token":"abc","expires_in":60,"refresh_token":"r","not-before-policy":0}`), &tr)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(tr.AccessToken).To(Equal("abc"))
	g.Expect(tr.ExpiresIn).To(Equal(int64(60)))
}

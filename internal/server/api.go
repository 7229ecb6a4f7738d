package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/matheuscscp/oidc-pkce-client/internal/config"
	"github.com/matheuscscp/oidc-pkce-client/internal/constants"
	"github.com/matheuscscp/oidc-pkce-client/internal/flow"
	"github.com/matheuscscp/oidc-pkce-client/internal/logging"
)

// controller is the part of *flow.Controller the pages need.
type controller interface {
	Initial(ctx context.Context) flow.State
	Login(ctx context.Context) (flow.PendingCallback, error)
	HandleCallback(ctx context.Context, query url.Values) flow.State
	RejectCallback(ctx context.Context, cause error) flow.Failed
	Logout(ctx context.Context) (string, error)
}

func newAPI(ctl controller, conf *config.Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+constants.PathHome+"{$}", func(w http.ResponseWriter, r *http.Request) {
		switch s := ctl.Initial(r.Context()).(type) {
		case flow.Authenticated:
			respondDashboardPage(w, r, s.Session)
		default:
			respondLoginPage(w, r)
		}
	})

	mux.HandleFunc("GET "+constants.PathLogin, func(w http.ResponseWriter, r *http.Request) {
		pending, err := ctl.Login(r.Context())
		if err != nil {
			logging.FromRequest(r).WithError(err).Error("failed to start login")
			http.Error(w, "Failed to start login", http.StatusInternalServerError)
			return
		}

		setState(w, conf, pending.State)
		http.Redirect(w, r, pending.URL, http.StatusSeeOther)
	})

	mux.HandleFunc("GET "+constants.PathCallback, func(w http.ResponseWriter, r *http.Request) {
		l := logging.FromRequest(r)

		var csrfErr error
		if needsCSRFCheck(r) {
			csrfErr = checkCSRF(r)
		}
		deleteState(w, conf)

		if csrfErr != nil {
			l.WithError(csrfErr).Error("CSRF failed")
			respondErrorPage(w, r, ctl.RejectCallback(r.Context(), fmt.Errorf("state cookie %w", csrfErr)))
			return
		}

		switch s := ctl.HandleCallback(r.Context(), r.URL.Query()).(type) {
		case flow.Authenticated:
			// Drops code and state from the address bar.
			http.Redirect(w, r, constants.PathHome, http.StatusSeeOther)
		case flow.Failed:
			respondErrorPage(w, r, s)
		default:
			l.WithField("phase", s.Phase().String()).Error("unexpected state after callback")
			http.Error(w, "Unexpected authentication state", http.StatusInternalServerError)
		}
	})

	// POST only, a cross-site link must not be able to end the session.
	mux.HandleFunc("POST "+constants.PathLogout, func(w http.ResponseWriter, r *http.Request) {
		logoutURL, err := ctl.Logout(r.Context())
		if err != nil {
			logging.FromRequest(r).WithError(err).Error("failed to log out")
			http.Error(w, "Failed to log out", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, logoutURL, http.StatusSeeOther)
	})

	return mux
}

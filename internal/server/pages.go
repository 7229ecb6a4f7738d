package server

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"time"

	"github.com/matheuscscp/oidc-pkce-client/internal/constants"
	"github.com/matheuscscp/oidc-pkce-client/internal/flow"
	"github.com/matheuscscp/oidc-pkce-client/internal/logging"
	"github.com/matheuscscp/oidc-pkce-client/internal/store"
)

const (
	pageTitle = "OIDC PKCE Client"

	maxDisplayedTokenLength = 80
)

//go:embed templates/*.html
var templatesFS embed.FS

var pages = template.Must(template.ParseFS(templatesFS, "templates/*.html"))

func respondLoginPage(w http.ResponseWriter, r *http.Request) {
	respondPage(w, r, http.StatusOK, "login.html", map[string]any{
		"Title":     pageTitle,
		"LoginPath": constants.PathLogin,
	})
}

func respondDashboardPage(w http.ResponseWriter, r *http.Request, sess *store.Session) {
	respondPage(w, r, http.StatusOK, "dashboard.html", map[string]any{
		"Title":       pageTitle,
		"AccessToken": truncateToken(sess.AccessToken),
		"ExpiresAt":   sess.Expiry().UTC().Format(time.RFC1123),
		"LogoutPath":  constants.PathLogout,
	})
}

func respondErrorPage(w http.ResponseWriter, r *http.Request, failed flow.Failed) {
	respondPage(w, r, statusForFailure(failed.Reason), "error.html", map[string]any{
		"Title":    pageTitle,
		"Message":  failed.Message(),
		"HomePath": constants.PathHome,
	})
}

func respondPage(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		logging.FromRequest(r).WithError(err).WithField("page", name).Error("failed to render page")
		http.Error(w, "Failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		logging.FromRequest(r).WithError(err).WithField("page", name).Error("failed to write page")
	}
}

func statusForFailure(reason flow.Reason) int {
	switch reason {
	case flow.ReasonProviderError, flow.ReasonMalformedCallback, flow.ReasonInvalidState:
		return http.StatusBadRequest
	case flow.ReasonExchangeError, flow.ReasonExchangeParseError:
		return http.StatusBadGateway
	case flow.ReasonTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func truncateToken(token string) string {
	if len(token) <= maxDisplayedTokenLength {
		return token
	}
	return token[:maxDisplayedTokenLength] + "..."
}

package server

import (
	"fmt"
	"net/http"

	"github.com/matheuscscp/oidc-pkce-client/internal/config"
	"github.com/matheuscscp/oidc-pkce-client/internal/constants"
)

const (
	stateCookieName = "oidc-state"
)

// setState binds the attempt to this browser. The registry alone cannot
// tell which browser started an attempt.
func setState(w http.ResponseWriter, conf *config.Config, state string) {
	c := &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     constants.PathCallback,
		MaxAge:   int(conf.Registry.AttemptTimeout.Seconds()),
		HttpOnly: true,
		Secure:   conf.App.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	}
	http.SetCookie(w, c)
}

func deleteState(w http.ResponseWriter, conf *config.Config) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Path:     constants.PathCallback,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   conf.App.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

func checkCSRF(r *http.Request) error {
	c, err := r.Cookie(stateCookieName)
	if err != nil {
		return fmt.Errorf("expired")
	}
	if c.Value != state(r) {
		return fmt.Errorf("mismatch")
	}
	return nil
}

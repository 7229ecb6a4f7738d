package server

import (
	"net/http"

	"github.com/matheuscscp/oidc-pkce-client/internal/constants"
)

func state(r *http.Request) string {
	return r.URL.Query().Get(constants.QueryParamState)
}

// needsCSRFCheck tells whether the callback is about to consume an
// attempt. Provider errors and malformed callbacks never reach the
// registry.
func needsCSRFCheck(r *http.Request) bool {
	q := r.URL.Query()
	return q.Get(constants.QueryParamError) == "" && q.Get(constants.QueryParamState) != ""
}

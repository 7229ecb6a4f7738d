package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/matheuscscp/oidc-pkce-client/internal/constants"
	"github.com/matheuscscp/oidc-pkce-client/internal/store"
)

const maxTokenResponseBytes = 1 << 20

// exchangeOutcome separates the token endpoint answers so that an error
// payload can never be read as a token.
type exchangeOutcome int

const (
	outcomeToken exchangeOutcome = iota
	outcomeNonJSON
	outcomeHTTPFailure
)

type exchangeResult struct {
	outcome    exchangeOutcome
	statusCode int
	body       []byte

	// token is set for outcomeToken.
	token *store.TokenResponse
	// tokenError is set for outcomeHTTPFailure when the body is JSON.
	tokenError *tokenErrorResponse
}

// https://datatracker.ietf.org/doc/html/rfc6749#section-5.2
type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func newHTTPClient() *http.Client {
	return cleanhttp.DefaultPooledClient()
}

type exchangeRequest struct {
	tokenURL     string
	clientID     string
	redirectURI  string
	code         string
	codeVerifier string
}

func (e *exchangeRequest) form() url.Values {
	return url.Values{
		constants.QueryParamGrantType:         {constants.AuthorizationServerGrantType},
		constants.QueryParamAuthorizationCode: {e.code},
		constants.QueryParamClientID:          {e.clientID},
		constants.QueryParamRedirectURI:       {e.redirectURI},
		constants.QueryParamCodeVerifier:      {e.codeVerifier},
	}
}

// exchangeCode posts the form to the token endpoint once. The returned
// error is only set when no HTTP answer was read.
func exchangeCode(ctx context.Context, client *http.Client, er *exchangeRequest) (*exchangeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, er.tokenURL,
		strings.NewReader(er.form().Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	res := &exchangeResult{
		statusCode: resp.StatusCode,
		body:       body,
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.outcome = outcomeHTTPFailure
		var te tokenErrorResponse
		if json.Unmarshal(body, &te) == nil {
			res.tokenError = &te
		}
		return res, nil
	}

	var token store.TokenResponse
	if !looksLikeJSON(resp.Header.Get("Content-Type"), body) || json.Unmarshal(body, &token) != nil {
		res.outcome = outcomeNonJSON
		return res, nil
	}
	res.outcome = outcomeToken
	res.token = &token
	return res, nil
}

// looksLikeJSON accepts a JSON object body unless the content type
// explicitly says otherwise. Some providers omit the header.
func looksLikeJSON(contentType string, body []byte) bool {
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil && mediaType != "application/json" && !strings.HasSuffix(mediaType, "+json") {
			return false
		}
	}
	return bytes.HasPrefix(bytes.TrimSpace(body), []byte("{"))
}

// message picks the human-readable text of a failed exchange.
func (e *exchangeResult) message() string {
	if e.tokenError != nil {
		if e.tokenError.ErrorDescription != "" {
			return e.tokenError.ErrorDescription
		}
		if e.tokenError.Error != "" {
			return e.tokenError.Error
		}
	}
	return genericExchangeMessage
}

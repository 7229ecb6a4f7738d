package constants

const (
	OIDCPKCEClient = "oidc-pkce-client"

	QueryParamAuthorizationCode   = "code"
	QueryParamClientID            = "client_id"
	QueryParamCodeChallenge       = "code_challenge"
	QueryParamCodeChallengeMethod = "code_challenge_method"
	QueryParamCodeVerifier        = "code_verifier"
	QueryParamError               = "error"
	QueryParamErrorDescription    = "error_description"
	QueryParamGrantType           = "grant_type"
	QueryParamIDTokenHint         = "id_token_hint"
	QueryParamPostLogoutRedirect  = "post_logout_redirect_uri"
	QueryParamRedirectURI         = "redirect_uri"
	QueryParamState               = "state"

	AuthorizationServerCodeChallengeMethod = "S256"
	AuthorizationServerGrantType           = "authorization_code"
	AuthorizationServerResponseType        = "code"
	AuthorizationServerDefaultScope        = "openid"

	PathHome     = "/"
	PathLogin    = "/login"
	PathCallback = "/callback"
	PathLogout   = "/logout"
)

package config

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/matheuscscp/oidc-pkce-client/internal/constants"
)

// ProviderConfig identifies a realm of the OpenID Connect provider and
// the public client registered in it.
type ProviderConfig struct {
	BaseURL  string   `yaml:"baseURL" json:"baseURL"`
	Realm    string   `yaml:"realm" json:"realm"`
	ClientID string   `yaml:"clientID" json:"clientID"`
	Scopes   []string `yaml:"scopes" json:"scopes"`
}

func (p *ProviderConfig) AuthURL() string {
	return p.endpoint("auth")
}

func (p *ProviderConfig) TokenURL() string {
	return p.endpoint("token")
}

func (p *ProviderConfig) LogoutURL() string {
	return p.endpoint("logout")
}

// RequestedScopes always starts with openid. Duplicates and blanks from
// the configuration are dropped.
func (p *ProviderConfig) RequestedScopes() []string {
	scopes := []string{constants.AuthorizationServerDefaultScope}
	seen := map[string]bool{constants.AuthorizationServerDefaultScope: true}
	for _, s := range p.Scopes {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		scopes = append(scopes, s)
	}
	return scopes
}

// OAuth2Config returns the public client configuration used to build
// authorization requests against the realm.
func (p *ProviderConfig) OAuth2Config(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: p.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL(),
			TokenURL:  p.TokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURL,
		Scopes:      p.RequestedScopes(),
	}
}

func (p *ProviderConfig) endpoint(name string) string {
	base := strings.TrimSuffix(p.BaseURL, "/")
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/%s", base, url.PathEscape(p.Realm), name)
}

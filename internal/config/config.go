package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matheuscscp/oidc-pkce-client/internal/constants"
)

const (
	defaultConfigFile      = "/etc/oidc-pkce-client/config.yaml"
	defaultOrigin          = "http://localhost:8080"
	defaultAttemptTimeout  = 10 * time.Minute
	defaultMaxAttempts     = 1000
	defaultExchangeTimeout = 10 * time.Second
	defaultSessionFile     = "session.db"
)

type Config struct {
	Provider ProviderConfig `yaml:"provider" json:"provider"`
	App      AppConfig      `yaml:"app" json:"app"`
	Registry RegistryConfig `yaml:"registry" json:"registry"`
	Exchange ExchangeConfig `yaml:"exchange" json:"exchange"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Server   ServerConfig   `yaml:"server" json:"server"`
}

// AppConfig describes the application itself as seen by the browser.
type AppConfig struct {
	Origin string `yaml:"origin" json:"origin"`
}

type RegistryConfig struct {
	AttemptTimeout time.Duration `yaml:"attemptTimeout" json:"attemptTimeout"`
	MaxAttempts    int           `yaml:"maxAttempts" json:"maxAttempts"`
}

type ExchangeConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

type StorageConfig struct {
	SessionFile string `yaml:"sessionFile" json:"sessionFile"`
}

func Load() (*Config, error) {
	fileName := defaultConfigFile
	if fn := os.Getenv("OIDC_PKCE_CLIENT_CONFIG"); fn != "" {
		fileName = fn
	}
	var cfg Config
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file '%s': %w", fileName, err)
	}
	if err := cfg.ValidateAndInitialize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) ValidateAndInitialize() error {
	// Apply defaults.
	if c.Provider.Scopes == nil {
		c.Provider.Scopes = []string{}
	}
	if c.App.Origin == "" {
		c.App.Origin = defaultOrigin
	}
	if c.Registry.AttemptTimeout == 0 {
		c.Registry.AttemptTimeout = defaultAttemptTimeout
	}
	if c.Registry.MaxAttempts == 0 {
		c.Registry.MaxAttempts = defaultMaxAttempts
	}
	if c.Exchange.Timeout == 0 {
		c.Exchange.Timeout = defaultExchangeTimeout
	}
	if c.Storage.SessionFile == "" {
		c.Storage.SessionFile = defaultSessionFile
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultServerAddr
	}

	// Validate required fields.
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.baseURL must be set")
	}
	if err := validateAbsoluteURL(c.Provider.BaseURL); err != nil {
		return fmt.Errorf("provider.baseURL is invalid: %w", err)
	}
	if c.Provider.Realm == "" {
		return fmt.Errorf("provider.realm must be set")
	}
	if c.Provider.ClientID == "" {
		return fmt.Errorf("provider.clientID must be set")
	}
	if err := validateAbsoluteURL(c.App.Origin); err != nil {
		return fmt.Errorf("app.origin is invalid: %w", err)
	}
	if c.Registry.AttemptTimeout < 0 {
		return fmt.Errorf("registry.attemptTimeout must be positive")
	}
	if c.Registry.MaxAttempts < 0 {
		return fmt.Errorf("registry.maxAttempts must be positive")
	}
	if c.Exchange.Timeout < 0 {
		return fmt.Errorf("exchange.timeout must be positive")
	}

	return nil
}

// RedirectURI is the application's own callback address, sent both in the
// authorization request and in the token exchange.
func (a *AppConfig) RedirectURI() string {
	return a.origin() + constants.PathCallback
}

// PostLogoutRedirectURI is where the provider sends the browser after logout.
func (a *AppConfig) PostLogoutRedirectURI() string {
	return a.origin()
}

// SecureCookies reports whether cookies must carry the Secure attribute.
func (a *AppConfig) SecureCookies() bool {
	u, err := url.Parse(a.Origin)
	return err == nil && u.Scheme == "https"
}

func (a *AppConfig) origin() string {
	u, err := url.Parse(a.Origin)
	if err != nil {
		return a.Origin
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}

func validateAbsoluteURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got '%s'", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is empty")
	}
	return nil
}

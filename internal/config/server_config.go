package config

const (
	defaultServerAddr = "localhost:8080"
)

type ServerConfig struct {
	Addr        string `yaml:"addr" json:"addr"`
	OpenBrowser bool   `yaml:"openBrowser" json:"openBrowser"`
}

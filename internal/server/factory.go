package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/matheuscscp/oidc-pkce-client/internal/config"
	"github.com/matheuscscp/oidc-pkce-client/internal/flow"
	"github.com/matheuscscp/oidc-pkce-client/internal/logging"
	"github.com/matheuscscp/oidc-pkce-client/internal/store"
)

// inMemorySessionFile keeps the session in process memory instead of a
// database file.
const inMemorySessionFile = ":memory:"

func New(conf *config.Config) (*http.Server, error) {
	return newWithRegistry(conf, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func newWithRegistry(conf *config.Config,
	promRegisterer prometheus.Registerer, promGatherer prometheus.Gatherer) (*http.Server, error) {

	kv, closeKV, err := openKV(conf.Storage.SessionFile)
	if err != nil {
		return nil, err
	}

	registry := store.NewRegistry(conf.Registry.AttemptTimeout, conf.Registry.MaxAttempts)
	sessions := store.NewSessionStore(kv, time.Now)
	ctl := flow.New(conf, registry, sessions,
		flow.WithObserver(newFlowMetrics(promRegisterer)))

	s := newServer(conf, newAPI(ctl, conf), promRegisterer, promGatherer)
	s.RegisterOnShutdown(func() {
		if err := closeKV(); err != nil {
			logging.FromContext(context.Background()).WithError(err).Error("failed to close session storage")
		}
	})
	return s, nil
}

func openKV(sessionFile string) (store.KV, func() error, error) {
	if sessionFile == inMemorySessionFile {
		return store.NewMemoryKV(), func() error { return nil }, nil
	}
	kv, err := store.OpenBoltKV(sessionFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session storage: %w", err)
	}
	return kv, kv.Close, nil
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matheuscscp/oidc-pkce-client/internal/browser"
	"github.com/matheuscscp/oidc-pkce-client/internal/config"
	"github.com/matheuscscp/oidc-pkce-client/internal/logging"
	"github.com/matheuscscp/oidc-pkce-client/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := logging.LoadLevel(); err != nil {
		logrus.WithError(err).Fatal("failed to load log level")
	}

	conf, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	s, err := server.New(conf)
	if err != nil {
		logrus.WithError(err).Fatal("failed to create server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logrus.WithField("addr", s.Addr).WithField("origin", conf.App.Origin).Info("server started")
		serveErr <- s.ListenAndServe()
	}()

	if conf.Server.OpenBrowser {
		if err := browser.DetectOpener().Open(ctx, conf.App.Origin); err != nil {
			logrus.WithError(err).Warn("failed to open browser")
		}
	}

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("server failed")
		}
	case <-ctx.Done():
		logrus.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Error("failed to shut down server")
		}
	}
}

package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/yanqian/cropsense/internal/domain/session"
	"github.com/yanqian/cropsense/internal/infra/config"
)

const shutdownGrace = 10 * time.Second

// closer is implemented by session stores holding a connection.
type closer interface {
	Close()
}

// App owns the BFF server lifecycle and the session store behind it.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	server *http.Server
	store  session.Store
}

// NewApp is used by Wire to build the runnable app.
func NewApp(cfg *config.Config, logger *slog.Logger, server *http.Server, store session.Store) *App {
	return &App{cfg: cfg, logger: logger.With("component", "bootstrap"), server: server, store: store}
}

// Run serves until ctx is cancelled, then drains in-flight requests before
// releasing the store. Sessions mid-call finish their completion save first.
func (a *App) Run(ctx context.Context) error {
	defer a.closeStore()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server starting",
			"address", a.cfg.HTTP.Address,
			"api_override", a.cfg.API.BaseURL,
			"public_url", a.cfg.HTTP.PublicURL,
			"session_ttl", a.cfg.Session.TTL,
			"shared_store", a.cfg.Session.Redis.Enabled,
		)
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received, draining sessions", "grace", shutdownGrace)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("drain incomplete", "error", err)
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (a *App) closeStore() {
	if c, ok := a.store.(closer); ok {
		c.Close()
		a.logger.Info("session store closed")
	}
}

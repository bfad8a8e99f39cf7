package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/yanqian/cropsense/internal/domain/assistant"
	"github.com/yanqian/cropsense/internal/domain/crop"
	"github.com/yanqian/cropsense/internal/domain/endpoint"
	"github.com/yanqian/cropsense/internal/domain/location"
	"github.com/yanqian/cropsense/internal/domain/recommend"
	"github.com/yanqian/cropsense/internal/domain/session"
	"github.com/yanqian/cropsense/internal/infra/config"
	"github.com/yanqian/cropsense/internal/infra/cropapi"
	"github.com/yanqian/cropsense/internal/infra/sessionstore"
	httpiface "github.com/yanqian/cropsense/internal/interface/http"
)

func provideSessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		TTL:         cfg.Session.TTL,
		CallTimeout: cfg.API.Timeout,
	}
}

func provideResolver(cfg *config.Config) *endpoint.Resolver {
	return endpoint.NewResolver(cfg.API.BaseURL, cfg.API.DevBaseURL)
}

func provideCropClient(cfg *config.Config) *cropapi.Client {
	return cropapi.NewClient(cfg.API.Timeout)
}

func provideAcquirer(cfg *config.Config, client location.Client, logger *slog.Logger) *location.Acquirer {
	def := cfg.Location.Default
	fallback := crop.LocationInfo{
		City:      def.City,
		Country:   def.Country,
		Latitude:  def.Latitude,
		Longitude: def.Longitude,
	}
	return location.NewAcquirer(client, fallback, logger)
}

func provideOrchestrator(client recommend.Client, logger *slog.Logger) *recommend.Orchestrator {
	return recommend.NewOrchestrator(client, logger)
}

func provideChannel(client assistant.Client, logger *slog.Logger) *assistant.Channel {
	return assistant.NewChannel(client, logger)
}

func providePageDetector(cfg *config.Config) (*httpiface.PageDetector, error) {
	return httpiface.NewPageDetector(cfg.HTTP)
}

func provideSessionStore(cfg *config.Config, logger *slog.Logger) session.Store {
	if cfg.Session.Redis.Enabled {
		opt, err := buildValkeyOptions(cfg)
		if err != nil {
			logger.Error("invalid valkey configuration, falling back to memory store", "error", err)
			return sessionstore.NewMemoryStore()
		}
		client, err := valkey.NewClient(opt)
		if err != nil {
			logger.Error("failed to create valkey client, falling back to memory store", "error", err)
			return sessionstore.NewMemoryStore()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
			logger.Error("valkey ping failed, falling back to memory store", "error", err)
			client.Close()
		} else {
			logger.Info("session valkey store enabled", "addr", cfg.Session.Redis.Addr)
			return sessionstore.NewValkeyStore(client, cfg.Session.Redis.Prefix)
		}
	}
	logger.Info("session memory store enabled", "ttl", cfg.Session.TTL)
	return sessionstore.NewMemoryStore()
}

func buildValkeyOptions(cfg *config.Config) (valkey.ClientOption, error) {
	addr := strings.TrimSpace(cfg.Session.Redis.Addr)
	if strings.Contains(addr, "://") {
		return valkey.ParseURL(addr)
	}
	return valkey.ClientOption{InitAddress: []string{addr}}, nil
}

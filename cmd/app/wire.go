//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/yanqian/cropsense/internal/bootstrap"
	"github.com/yanqian/cropsense/internal/domain/assistant"
	"github.com/yanqian/cropsense/internal/domain/endpoint"
	"github.com/yanqian/cropsense/internal/domain/location"
	"github.com/yanqian/cropsense/internal/domain/recommend"
	"github.com/yanqian/cropsense/internal/domain/session"
	"github.com/yanqian/cropsense/internal/infra/config"
	"github.com/yanqian/cropsense/internal/infra/cropapi"
	httpiface "github.com/yanqian/cropsense/internal/interface/http"
	"github.com/yanqian/cropsense/pkg/logger"
)

func initializeApp() (*bootstrap.App, error) {
	wire.Build(
		config.Load,
		logger.New,
		provideSessionConfig,
		provideResolver,
		provideCropClient,
		provideAcquirer,
		provideOrchestrator,
		provideChannel,
		provideSessionStore,
		providePageDetector,
		session.NewService,
		wire.Bind(new(session.Resolver), new(*endpoint.Resolver)),
		wire.Bind(new(session.LocationAcquirer), new(*location.Acquirer)),
		wire.Bind(new(session.Submitter), new(*recommend.Orchestrator)),
		wire.Bind(new(session.Assistant), new(*assistant.Channel)),
		wire.Bind(new(location.Client), new(*cropapi.Client)),
		wire.Bind(new(recommend.Client), new(*cropapi.Client)),
		wire.Bind(new(assistant.Client), new(*cropapi.Client)),
		wire.Bind(new(httpiface.UpstreamChecker), new(*cropapi.Client)),
		httpiface.NewHandler,
		httpiface.NewRouter,
		bootstrap.NewApp,
	)
	return nil, nil
}

package api

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/travigo/fleettrack/pkg/api/routes"
	"github.com/travigo/fleettrack/pkg/config"
	"github.com/travigo/fleettrack/pkg/database"
	"github.com/travigo/fleettrack/pkg/events"
	"github.com/travigo/fleettrack/pkg/fanout"
	"github.com/travigo/fleettrack/pkg/geofence"
	"github.com/travigo/fleettrack/pkg/locationcache"
	"github.com/travigo/fleettrack/pkg/nearby"
	"github.com/travigo/fleettrack/pkg/presence"
	"github.com/travigo/fleettrack/pkg/redis_client"
	"github.com/travigo/fleettrack/pkg/spatialstore"
	"github.com/travigo/fleettrack/pkg/tracking"
	"github.com/travigo/fleettrack/pkg/usage"
)

// Services holds every constructed client and component of a tracking process.
type Services struct {
	Config *config.Config

	Redis *redis_client.Connection
	Mongo *database.MongoInstance

	Store  *spatialstore.Store
	Writer *spatialstore.Writer

	Bus         *events.Bus
	Cache       *locationcache.Cache
	Nearby      *nearby.Engine
	Geofences   *geofence.Evaluator
	Presence    *presence.Manager
	Coordinator *tracking.Coordinator
	Hub         *fanout.Hub
	Usage       usage.Publisher
}

func NewServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	services := &Services{Config: cfg, Bus: events.NewBus()}

	var err error
	if services.Redis, err = redis_client.Connect(ctx, cfg.Redis); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	postgres, err := database.ConnectPostgres(cfg.Postgres)
	if err != nil {
		services.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	services.Store = spatialstore.New(postgres)

	var provider geofence.Provider
	switch cfg.Geofence.Source {
	case "file":
		if provider, err = geofence.NewFileProvider(cfg.Geofence.File); err != nil {
			services.Close()
			return nil, err
		}
	default:
		if services.Mongo, err = database.ConnectMongoDB(ctx, cfg.MongoDB); err != nil {
			services.Close()
			return nil, fmt.Errorf("connect mongodb: %w", err)
		}
		provider = &geofence.MongoProvider{Collection: services.Mongo.GetCollection("geofences")}
	}

	if services.Usage, err = usage.NewPublisher(cfg, services.Redis); err != nil {
		services.Close()
		return nil, err
	}

	redisClient := services.Redis.Client
	trackingCfg := cfg.Tracking

	services.Nearby = nearby.New(services.Store, redisClient, trackingCfg.NearbyTTL, trackingCfg.ActiveWindow)
	services.Writer = spatialstore.NewWriter(services.Store, trackingCfg.StoreWorkers, trackingCfg.StoreQueueSize, trackingCfg.StoreTimeout).
		WithInvalidator(services.Nearby)
	services.Cache = locationcache.New(redisClient, trackingCfg.CacheTimeout)
	services.Geofences = geofence.NewEvaluator(provider, redisClient, cfg.Geofence.CacheTTL)
	services.Presence = presence.NewManager(redisClient, services.Cache, services.Bus, trackingCfg.DisconnectGrace, trackingCfg.CacheTimeout)

	services.Coordinator = tracking.NewCoordinator(
		services.Cache,
		services.Store,
		services.Writer,
		services.Geofences,
		services.Nearby,
		services.Usage,
		services.Bus,
		tracking.Options{
			CacheTTL:        trackingCfg.CacheTTL,
			ActiveWindow:    trackingCfg.ActiveWindow,
			GeofenceTimeout: trackingCfg.GeofenceTimeout,
			NearbyTimeout:   trackingCfg.NearbyTimeout,
			HistoryTimeout:  trackingCfg.StoreTimeout,
		},
	)
	services.Hub = fanout.NewHub(services.Coordinator)

	return services, nil
}

func (s *Services) Dependencies() *routes.Dependencies {
	return &routes.Dependencies{
		Locations: s.Coordinator,
		Nearby:    s.Nearby,
		Presence:  s.Presence,
		Hub:       s.Hub,
		HealthChecks: []routes.HealthCheck{
			{Name: "redis", Check: func(ctx context.Context) error { return s.Redis.Client.Ping(ctx).Err() }},
			{Name: "postgres", Check: s.Store.Ping},
		},
	}
}

// Close flushes pending durable writes and releases every connection.
func (s *Services) Close() {
	if s.Presence != nil {
		s.Presence.Close()
	}
	if s.Writer != nil {
		s.Writer.Close()
	}
	if s.Usage != nil {
		if err := s.Usage.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close usage publisher")
		}
	}
	if s.Bus != nil {
		s.Bus.Close()
	}
	if s.Mongo != nil {
		if err := s.Mongo.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to disconnect MongoDB")
		}
	}
	if s.Redis != nil {
		s.Redis.Close()
	}
}

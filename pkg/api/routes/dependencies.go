package routes

import (
	"context"

	"github.com/travigo/fleettrack/pkg/fanout"
	"github.com/travigo/fleettrack/pkg/model"
	"github.com/travigo/fleettrack/pkg/nearby"
	"github.com/travigo/fleettrack/pkg/presence"
	"github.com/travigo/fleettrack/pkg/tracking"
)

type LocationService interface {
	RecordLocation(ctx context.Context, sample model.LocationSample) (*tracking.Ack, error)
	RecordLocationBatch(ctx context.Context, driverID string, samples []model.LocationSample) ([]tracking.BatchResult, error)
	CurrentLocation(ctx context.Context, driverID string) (*model.LocationSample, error)
	ActiveDrivers(ctx context.Context, companyID string) ([]model.LocationSample, error)
}

type NearbyService interface {
	FindNearby(ctx context.Context, query nearby.Query) ([]model.NearbyDriver, error)
}

type PresenceService interface {
	UpdateStatus(ctx context.Context, update presence.StatusUpdate) (*model.DriverPresence, error)
	Connected(ctx context.Context, driverID string, companyID string)
	Disconnected(driverID string, companyID string)
}

type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependencies are the services the HTTP and websocket handlers are wired to.
type Dependencies struct {
	Locations LocationService
	Nearby    NearbyService
	Presence  PresenceService
	Hub       *fanout.Hub

	HealthChecks []HealthCheck
}

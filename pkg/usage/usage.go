package usage

import (
	"context"
	"errors"
	"time"

	"github.com/travigo/fleettrack/pkg/model"
)

type EventType string

const (
	EventLocationRecorded EventType = "location_recorded"
	EventGeofenceEntered  EventType = "geofence_entered"
	EventGeofenceExited   EventType = "geofence_exited"
)

// Event is a billable or auditable action reported to the usage collaborator.
type Event struct {
	Type       EventType `json:"type"`
	DriverID   string    `json:"driverId"`
	CompanyID  string    `json:"companyId"`
	GeofenceID string    `json:"geofenceId,omitempty"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Timestamp  time.Time `json:"timestamp"`
}

func LocationRecorded(sample *model.LocationSample) Event {
	return Event{
		Type:      EventLocationRecorded,
		DriverID:  sample.DriverID,
		CompanyID: sample.CompanyID,
		Latitude:  sample.Latitude,
		Longitude: sample.Longitude,
		Timestamp: sample.RecordedAt,
	}
}

// GeofenceTransition converts entry and exit events. Other event types have no usage record.
func GeofenceTransition(event *model.GeofenceEvent) (Event, bool) {
	usageEvent := Event{
		DriverID:   event.DriverID,
		CompanyID:  event.CompanyID,
		GeofenceID: event.GeofenceID,
		Latitude:   event.Location.Latitude,
		Longitude:  event.Location.Longitude,
		Timestamp:  event.Timestamp,
	}

	switch event.Type {
	case model.GeofenceEventEntry:
		usageEvent.Type = EventGeofenceEntered
	case model.GeofenceEventExit:
		usageEvent.Type = EventGeofenceExited
	default:
		return Event{}, false
	}

	return usageEvent, true
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (NopPublisher) Close() error                                  { return nil }

var (
	ErrQueueFull       = errors.New("usage event queue full")
	ErrPublisherClosed = errors.New("usage publisher closed")
)

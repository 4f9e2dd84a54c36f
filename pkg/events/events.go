package events

import (
	"time"

	"github.com/travigo/fleettrack/pkg/model"
)

// LocationUpdated is emitted once a sample has been accepted into the location cache.
type LocationUpdated struct {
	Sample       model.LocationSample
	EnteredZones []string
	ExitedZones  []string
}

// GeofenceTransition carries a single alertable containment transition.
type GeofenceTransition struct {
	Event model.GeofenceEvent
}

// PresenceChanged is emitted whenever a driver's presence is changed, including the
// offline transition performed by the disconnect watchdog.
type PresenceChanged struct {
	Presence model.DriverPresence
	Reason   string
	At       time.Time
}

// Bus groups the streams shared between the ingest, presence and fanout components.
type Bus struct {
	LocationUpdated    *Stream[LocationUpdated]
	GeofenceTransition *Stream[GeofenceTransition]
	PresenceChanged    *Stream[PresenceChanged]
}

func NewBus() *Bus {
	return &Bus{
		LocationUpdated:    NewStream[LocationUpdated]("location-updated"),
		GeofenceTransition: NewStream[GeofenceTransition]("geofence-transition"),
		PresenceChanged:    NewStream[PresenceChanged]("presence-changed"),
	}
}

func (b *Bus) Close() {
	b.LocationUpdated.Close()
	b.GeofenceTransition.Close()
	b.PresenceChanged.Close()
}

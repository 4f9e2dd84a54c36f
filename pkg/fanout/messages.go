package fanout

import (
	"time"

	"github.com/travigo/fleettrack/pkg/model"
)

type MessageType string

const (
	MessageLocationUpdate MessageType = "location_update"
	MessageGeofenceEvent  MessageType = "geofence_event"
	MessagePresenceUpdate MessageType = "presence_update"
	MessageDriverOffline  MessageType = "driver_offline"
	MessageActiveDrivers  MessageType = "active_drivers"
	MessageLocationAck    MessageType = "location_ack"
	MessageError          MessageType = "error"
)

type LocationUpdateMessage struct {
	Type         MessageType          `json:"type"`
	DriverID     string               `json:"driverId"`
	CompanyID    string               `json:"companyId"`
	Location     model.LocationSample `json:"location"`
	EnteredZones []string             `json:"enteredZones"`
	ExitedZones  []string             `json:"exitedZones"`
}

type GeofenceEventMessage struct {
	Type  MessageType         `json:"type"`
	Event model.GeofenceEvent `json:"event"`
}

type PresenceMessage struct {
	Type      MessageType          `json:"type"`
	DriverID  string               `json:"driverId"`
	CompanyID string               `json:"companyId"`
	State     string               `json:"state"`
	Reason    string               `json:"reason"`
	Presence  model.DriverPresence `json:"presence"`
	Timestamp time.Time            `json:"timestamp"`
}

type ActiveDriversMessage struct {
	Type      MessageType            `json:"type"`
	CompanyID string                 `json:"companyId"`
	Drivers   []model.LocationSample `json:"drivers"`
	Timestamp time.Time              `json:"timestamp"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
}

func NewErrorMessage(code int, message string) *ErrorMessage {
	return &ErrorMessage{Type: MessageError, Code: code, Message: message}
}

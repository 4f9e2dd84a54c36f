package model

import "time"

// GeofenceDefinition is a named polygon owned by a company. Definitions are managed
// by the zone-management service and are read-only here.
type GeofenceDefinition struct {
	ID        string `json:"id" yaml:"id" bson:"primaryidentifier"`
	CompanyID string `json:"companyId" yaml:"companyId" bson:"companyref"`
	Name      string `json:"name" yaml:"name" bson:"name"`

	Boundary Polygon `json:"boundary" yaml:"boundary" bson:"-"`

	Priority         int  `json:"priority" yaml:"priority" bson:"priority"`
	AlertOnEntry     bool `json:"alertOnEntry" yaml:"alertOnEntry" bson:"alertonentry"`
	AlertOnExit      bool `json:"alertOnExit" yaml:"alertOnExit" bson:"alertonexit"`
	AlertOnDwell     bool `json:"alertOnDwell" yaml:"alertOnDwell" bson:"alertondwell"`
	DwellTimeMinutes int  `json:"dwellTimeMinutes" yaml:"dwellTimeMinutes" bson:"dwelltimeminutes"`

	Active bool `json:"active" yaml:"active" bson:"active"`
}

type GeofenceEventType string

const (
	GeofenceEventEntry      GeofenceEventType = "entry"
	GeofenceEventExit       GeofenceEventType = "exit"
	GeofenceEventDwellStart GeofenceEventType = "dwell_start"
	GeofenceEventDwellEnd   GeofenceEventType = "dwell_end"
)

type GeofenceEvent struct {
	ID         string            `json:"id" groups:"basic"`
	DriverID   string            `json:"driverId" groups:"basic"`
	CompanyID  string            `json:"companyId" groups:"basic"`
	GeofenceID string            `json:"geofenceId" groups:"basic"`
	Type       GeofenceEventType `json:"type" groups:"basic"`
	Location   Point             `json:"location" groups:"basic"`
	Timestamp  time.Time         `json:"timestamp" groups:"basic"`

	Processed bool `json:"processed" groups:"internal"`
	AlertSent bool `json:"alertSent" groups:"internal"`
}

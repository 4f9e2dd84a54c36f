package model

import "time"

type ConnectionQuality string

const (
	ConnectionQualityExcellent ConnectionQuality = "excellent"
	ConnectionQualityGood      ConnectionQuality = "good"
	ConnectionQualityPoor      ConnectionQuality = "poor"
	ConnectionQualityOffline   ConnectionQuality = "offline"
)

func (q ConnectionQuality) Valid() bool {
	switch q {
	case ConnectionQualityExcellent, ConnectionQualityGood, ConnectionQualityPoor, ConnectionQualityOffline:
		return true
	}
	return false
}

// DriverPresence is the online/availability state of a driver's connection.
type DriverPresence struct {
	DriverID  string `json:"driverId" groups:"basic"`
	CompanyID string `json:"companyId" groups:"basic"`

	Online       bool    `json:"online" groups:"basic"`
	Available    bool    `json:"available" groups:"basic"`
	CurrentJobID *string `json:"currentJobId,omitempty" groups:"basic"`

	BatteryLevel      *int              `json:"batteryLevel,omitempty" groups:"detailed"`
	ConnectionQuality ConnectionQuality `json:"connectionQuality" groups:"detailed"`

	UpdatedAt time.Time `json:"updatedAt" groups:"basic"`
}

func (p *DriverPresence) State() string {
	switch {
	case !p.Online:
		return "offline"
	case p.Available:
		return "online_available"
	default:
		return "online_busy"
	}
}

package model

import "time"

// LocationSample is a single GPS fix reported by a driver device.
type LocationSample struct {
	DriverID  string `json:"driverId" groups:"basic" validate:"required"`
	CompanyID string `json:"companyId" groups:"basic" validate:"required"`

	Latitude  float64 `json:"latitude" groups:"basic" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" groups:"basic" validate:"gte=-180,lte=180"`

	Accuracy *float64 `json:"accuracy,omitempty" groups:"detailed" validate:"omitnil,gte=0,lte=10000"`
	Speed    *float64 `json:"speed,omitempty" groups:"detailed" validate:"omitnil,gte=0"`
	Heading  *float64 `json:"heading,omitempty" groups:"detailed" validate:"omitnil,gte=0,lte=360"`
	Altitude *float64 `json:"altitude,omitempty" groups:"detailed"`

	RecordedAt time.Time `json:"timestamp" groups:"basic"`
	IsMoving   bool      `json:"isMoving" groups:"basic"`
}

func (s *LocationSample) Point() Point {
	return Point{Latitude: s.Latitude, Longitude: s.Longitude}
}

// NearbyDriver is a LocationSample annotated with its distance from a query centre.
type NearbyDriver struct {
	LocationSample `groups:"basic"`

	DistanceMeters float64 `json:"distanceMeters" groups:"basic"`
}

package spatialstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/travigo/fleettrack/pkg/model"
	"gorm.io/gorm"
)

// Store is the durable history of location samples and geofence events, kept in
// PostGIS so radius queries can use ellipsoidal distances.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

type sampleRow struct {
	DriverID       string    `gorm:"column:driver_id"`
	CompanyID      string    `gorm:"column:company_id"`
	Latitude       float64   `gorm:"column:latitude"`
	Longitude      float64   `gorm:"column:longitude"`
	Accuracy       *float64  `gorm:"column:accuracy"`
	Speed          *float64  `gorm:"column:speed"`
	Heading        *float64  `gorm:"column:heading"`
	Altitude       *float64  `gorm:"column:altitude"`
	IsMoving       bool      `gorm:"column:is_moving"`
	RecordedAt     time.Time `gorm:"column:recorded_at"`
	DistanceMeters float64   `gorm:"column:distance_meters"`
}

func (r *sampleRow) toSample() model.LocationSample {
	return model.LocationSample{
		DriverID:   r.DriverID,
		CompanyID:  r.CompanyID,
		Latitude:   r.Latitude,
		Longitude:  r.Longitude,
		Accuracy:   r.Accuracy,
		Speed:      r.Speed,
		Heading:    r.Heading,
		Altitude:   r.Altitude,
		IsMoving:   r.IsMoving,
		RecordedAt: r.RecordedAt,
	}
}

const insertSampleQuery = `INSERT INTO location_samples
	(driver_id, company_id, latitude, longitude, accuracy, speed, heading, altitude, is_moving, recorded_at, geog)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ST_SetSRID(ST_MakePoint(?, ?), 4326)::geography)`

func (s *Store) InsertSample(ctx context.Context, sample *model.LocationSample) error {
	return s.db.WithContext(ctx).Exec(insertSampleQuery,
		sample.DriverID, sample.CompanyID,
		sample.Latitude, sample.Longitude,
		sample.Accuracy, sample.Speed, sample.Heading, sample.Altitude,
		sample.IsMoving, sample.RecordedAt.UTC(),
		sample.Longitude, sample.Latitude,
	).Error
}

const insertGeofenceEventQuery = `INSERT INTO geofence_events
	(id, driver_id, company_id, geofence_id, event_type, latitude, longitude, occurred_at, processed, alert_sent, geog)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ST_SetSRID(ST_MakePoint(?, ?), 4326)::geography)
	ON CONFLICT (id) DO NOTHING`

func (s *Store) InsertGeofenceEvents(ctx context.Context, events []model.GeofenceEvent) error {
	if len(events) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, event := range events {
			err := tx.Exec(insertGeofenceEventQuery,
				event.ID, event.DriverID, event.CompanyID, event.GeofenceID, string(event.Type),
				event.Location.Latitude, event.Location.Longitude, event.Timestamp.UTC(),
				event.Processed, event.AlertSent,
				event.Location.Longitude, event.Location.Latitude,
			).Error
			if err != nil {
				return fmt.Errorf("insert geofence event %s: %w", event.ID, err)
			}
		}
		return nil
	})
}

const latestForDriverQuery = `SELECT driver_id, company_id, latitude, longitude, accuracy, speed, heading, altitude, is_moving, recorded_at
	FROM location_samples
	WHERE driver_id = ?
	ORDER BY recorded_at DESC
	LIMIT 1`

// LatestForDriver returns the most recent stored sample for a driver, or nil if none exists.
func (s *Store) LatestForDriver(ctx context.Context, driverID string) (*model.LocationSample, error) {
	var rows []sampleRow
	if err := s.db.WithContext(ctx).Raw(latestForDriverQuery, driverID).Scan(&rows).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	sample := rows[0].toSample()
	return &sample, nil
}

const withinRadiusQuery = `WITH latest AS (
		SELECT DISTINCT ON (driver_id)
			driver_id, company_id, latitude, longitude, accuracy, speed, heading, altitude, is_moving, recorded_at, geog
		FROM location_samples
		WHERE recorded_at >= @since
		ORDER BY driver_id, recorded_at DESC
	)
	SELECT driver_id, company_id, latitude, longitude, accuracy, speed, heading, altitude, is_moving, recorded_at,
		ST_Distance(geog, ST_SetSRID(ST_MakePoint(@lng, @lat), 4326)::geography) AS distance_meters
	FROM latest
	WHERE ST_DWithin(geog, ST_SetSRID(ST_MakePoint(@lng, @lat), 4326)::geography, @radius)
	ORDER BY distance_meters ASC
	LIMIT @limit`

// FindWithinRadius returns the latest sample of every driver recorded since the given
// time whose position lies within radiusMeters of center, nearest first.
func (s *Store) FindWithinRadius(ctx context.Context, center model.Point, radiusMeters float64, since time.Time, limit int) ([]model.NearbyDriver, error) {
	var rows []sampleRow
	err := s.db.WithContext(ctx).Raw(withinRadiusQuery, map[string]interface{}{
		"since":  since.UTC(),
		"lng":    center.Longitude,
		"lat":    center.Latitude,
		"radius": radiusMeters,
		"limit":  limit,
	}).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	drivers := make([]model.NearbyDriver, 0, len(rows))
	for i := range rows {
		drivers = append(drivers, model.NearbyDriver{
			LocationSample: rows[i].toSample(),
			DistanceMeters: rows[i].DistanceMeters,
		})
	}

	return drivers, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

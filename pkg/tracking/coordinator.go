package tracking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/travigo/fleettrack/pkg/events"
	"github.com/travigo/fleettrack/pkg/geofence"
	"github.com/travigo/fleettrack/pkg/model"
	"github.com/travigo/fleettrack/pkg/usage"
)

const (
	MaxBatchSize = 100

	movingSpeedThreshold    = 0.5 // m/s
	movingDistanceThreshold = 10  // metres
)

type LocationCache interface {
	Get(ctx context.Context, driverID string) (*model.LocationSample, error)
	Put(ctx context.Context, sample *model.LocationSample, ttl time.Duration) error
	ActiveForCompany(ctx context.Context, companyID string, window time.Duration, now time.Time) ([]*model.LocationSample, error)
}

type HistoryStore interface {
	LatestForDriver(ctx context.Context, driverID string) (*model.LocationSample, error)
}

type DurableWriter interface {
	SubmitSample(sample model.LocationSample) bool
	SubmitGeofenceEvents(driverID string, events []model.GeofenceEvent) bool
}

type GeofenceEvaluator interface {
	Evaluate(ctx context.Context, driverID string, companyID string, previous *model.Point, current model.Point) (*geofence.Evaluation, error)
}

type NearbyInvalidator interface {
	InvalidateNear(ctx context.Context, point model.Point) error
}

// Options bound the work done while a driver's exclusion is held. Geofence, nearby and
// store fallback calls that exceed their timeout are logged and skipped.
type Options struct {
	CacheTTL     time.Duration
	ActiveWindow time.Duration

	GeofenceTimeout time.Duration
	NearbyTimeout   time.Duration
	HistoryTimeout  time.Duration
}

type Ack struct {
	DriverID     string                `json:"driverId"`
	Timestamp    time.Time             `json:"timestamp"`
	IsMoving     bool                  `json:"isMoving"`
	Events       []model.GeofenceEvent `json:"events"`
	EnteredZones []string              `json:"enteredZones"`
	ExitedZones  []string              `json:"exitedZones"`
}

// BatchResult is the outcome of one sample of a batch, reported at the sample's
// position in the submitted batch.
type BatchResult struct {
	Index int
	Ack   *Ack
	Err   error
}

// Coordinator is the single write path for location samples. It allows at most
// one in-flight record per driver.
type Coordinator struct {
	cache     LocationCache
	history   HistoryStore
	writer    DurableWriter
	geofences GeofenceEvaluator
	nearby    NearbyInvalidator
	usage     usage.Publisher
	bus       *events.Bus
	options   Options

	validate *validator.Validate
	inFlight sync.Map

	now func() time.Time
}

func NewCoordinator(
	cache LocationCache,
	history HistoryStore,
	writer DurableWriter,
	geofences GeofenceEvaluator,
	nearby NearbyInvalidator,
	usagePublisher usage.Publisher,
	bus *events.Bus,
	options Options,
) *Coordinator {
	if options.CacheTTL <= 0 {
		options.CacheTTL = 10 * time.Minute
	}
	if options.ActiveWindow <= 0 {
		options.ActiveWindow = 5 * time.Minute
	}
	if options.GeofenceTimeout <= 0 {
		options.GeofenceTimeout = 100 * time.Millisecond
	}
	if options.NearbyTimeout <= 0 {
		options.NearbyTimeout = 20 * time.Millisecond
	}
	if options.HistoryTimeout <= 0 {
		options.HistoryTimeout = 50 * time.Millisecond
	}
	if usagePublisher == nil {
		usagePublisher = usage.NopPublisher{}
	}

	return &Coordinator{
		cache:     cache,
		history:   history,
		writer:    writer,
		geofences: geofences,
		nearby:    nearby,
		usage:     usagePublisher,
		bus:       bus,
		options:   options,
		validate:  newValidator(),
		now:       time.Now,
	}
}

func (c *Coordinator) acquire(driverID string) bool {
	_, loaded := c.inFlight.LoadOrStore(driverID, struct{}{})
	return !loaded
}

func (c *Coordinator) release(driverID string) {
	c.inFlight.Delete(driverID)
}

// RecordLocation validates and ingests a single sample. A second call for a driver
// whose previous sample is still being recorded fails with ErrConcurrentUpdate.
func (c *Coordinator) RecordLocation(ctx context.Context, sample model.LocationSample) (*Ack, error) {
	if err := c.validateSample(&sample); err != nil {
		return nil, err
	}

	if !c.acquire(sample.DriverID) {
		return nil, model.ErrConcurrentUpdate
	}
	defer c.release(sample.DriverID)

	return c.record(ctx, &sample)
}

// RecordLocationBatch ingests samples for one driver in timestamp order while
// holding the driver's exclusion for the whole batch.
func (c *Coordinator) RecordLocationBatch(ctx context.Context, driverID string, samples []model.LocationSample) ([]BatchResult, error) {
	if len(samples) == 0 {
		return []BatchResult{}, nil
	}
	if len(samples) > MaxBatchSize {
		return nil, model.NewValidationError("samples", "must contain at most 100 samples")
	}

	if !c.acquire(driverID) {
		return nil, model.ErrConcurrentUpdate
	}
	defer c.release(driverID)

	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return samples[order[a]].RecordedAt.Before(samples[order[b]].RecordedAt)
	})

	results := make([]BatchResult, len(samples))
	for _, index := range order {
		sample := samples[index]
		sample.DriverID = driverID

		result := BatchResult{Index: index}
		if err := c.validateSample(&sample); err != nil {
			result.Err = err
		} else {
			result.Ack, result.Err = c.record(ctx, &sample)
		}

		results[index] = result
	}

	return results, nil
}

func (c *Coordinator) record(ctx context.Context, sample *model.LocationSample) (*Ack, error) {
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = c.now()
	}

	previous, err := c.previousSample(ctx, sample.DriverID)
	if err != nil {
		return nil, err
	}

	sample.IsMoving = isMoving(previous, sample)

	if err := c.cache.Put(ctx, sample, c.options.CacheTTL); err != nil {
		return nil, err
	}

	c.writer.SubmitSample(*sample)

	ack := &Ack{
		DriverID:     sample.DriverID,
		Timestamp:    sample.RecordedAt,
		IsMoving:     sample.IsMoving,
		Events:       []model.GeofenceEvent{},
		EnteredZones: []string{},
		ExitedZones:  []string{},
	}

	var previousPoint *model.Point
	if previous != nil {
		point := previous.Point()
		previousPoint = &point
	}

	evaluation, err := c.evaluateGeofences(ctx, sample, previousPoint)
	if err != nil {
		log.Error().Err(err).Str("driver", sample.DriverID).Msg("Geofence evaluation failed")
	} else {
		ack.Events = evaluation.Events
		ack.EnteredZones = evaluation.EnteredZones
		ack.ExitedZones = evaluation.ExitedZones

		c.writer.SubmitGeofenceEvents(sample.DriverID, evaluation.Events)
	}

	c.invalidateNearby(ctx, sample)

	c.publish(ctx, sample, ack)

	return ack, nil
}

func (c *Coordinator) evaluateGeofences(ctx context.Context, sample *model.LocationSample, previous *model.Point) (*geofence.Evaluation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.options.GeofenceTimeout)
	defer cancel()

	return c.geofences.Evaluate(ctx, sample.DriverID, sample.CompanyID, previous, sample.Point())
}

func (c *Coordinator) invalidateNearby(ctx context.Context, sample *model.LocationSample) {
	ctx, cancel := context.WithTimeout(ctx, c.options.NearbyTimeout)
	defer cancel()

	if err := c.nearby.InvalidateNear(ctx, sample.Point()); err != nil {
		log.Warn().Err(err).Str("driver", sample.DriverID).Msg("Failed to invalidate nearby cache")
	}
}

func (c *Coordinator) previousSample(ctx context.Context, driverID string) (*model.LocationSample, error) {
	previous, err := c.cache.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if previous != nil {
		return previous, nil
	}

	historyCtx, cancel := context.WithTimeout(ctx, c.options.HistoryTimeout)
	defer cancel()

	previous, err = c.history.LatestForDriver(historyCtx, driverID)
	if err != nil {
		log.Warn().Err(err).Str("driver", driverID).Msg("Failed to load previous sample from store")
		return nil, nil
	}
	return previous, nil
}

func isMoving(previous *model.LocationSample, current *model.LocationSample) bool {
	if current.Speed != nil {
		return *current.Speed > movingSpeedThreshold
	}
	if previous == nil {
		return false
	}
	return model.DistanceMeters(previous.Point(), current.Point()) > movingDistanceThreshold
}

func (c *Coordinator) publish(ctx context.Context, sample *model.LocationSample, ack *Ack) {
	c.bus.LocationUpdated.Publish(events.LocationUpdated{
		Sample:       *sample,
		EnteredZones: ack.EnteredZones,
		ExitedZones:  ack.ExitedZones,
	})

	usageEvents := []usage.Event{usage.LocationRecorded(sample)}

	for i := range ack.Events {
		c.bus.GeofenceTransition.Publish(events.GeofenceTransition{Event: ack.Events[i]})

		if usageEvent, ok := usage.GeofenceTransition(&ack.Events[i]); ok {
			usageEvents = append(usageEvents, usageEvent)
		}
	}

	for _, usageEvent := range usageEvents {
		if err := c.usage.Publish(ctx, usageEvent); err != nil {
			log.Warn().Err(err).Str("type", string(usageEvent.Type)).Str("driver", sample.DriverID).Msg("Failed to publish usage event")
		}
	}
}

// CurrentLocation returns the latest known sample, preferring the cache.
func (c *Coordinator) CurrentLocation(ctx context.Context, driverID string) (*model.LocationSample, error) {
	sample, err := c.cache.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if sample != nil {
		return sample, nil
	}

	sample, err = c.history.LatestForDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if sample == nil {
		return nil, model.ErrNotFound
	}
	return sample, nil
}

// ActiveDrivers returns the latest sample of every company driver seen within the active window.
func (c *Coordinator) ActiveDrivers(ctx context.Context, companyID string) ([]model.LocationSample, error) {
	samples, err := c.cache.ActiveForCompany(ctx, companyID, c.options.ActiveWindow, c.now())
	if err != nil {
		return nil, err
	}

	drivers := make([]model.LocationSample, 0, len(samples))
	for _, sample := range samples {
		drivers = append(drivers, *sample)
	}
	return drivers, nil
}

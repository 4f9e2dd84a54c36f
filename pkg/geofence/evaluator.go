package geofence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/marshaler"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/travigo/fleettrack/pkg/model"
)

const DefaultCacheTTL = 5 * time.Minute

type Evaluation struct {
	CurrentZones []string
	EnteredZones []string
	ExitedZones  []string
	Events       []model.GeofenceEvent
}

type cachedZones struct {
	Zones []model.GeofenceDefinition
}

// Evaluator decides which zones a driver is in and which transitions a move between
// two points produced. Zone sets are cached per driver.
type Evaluator struct {
	provider Provider
	cache    *marshaler.Marshaler
	ttl      time.Duration

	now func() time.Time
}

func NewEvaluator(provider Provider, client redis.UniversalClient, ttl time.Duration) *Evaluator {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	redisStore := redisstore.NewRedis(client, store.WithExpiration(ttl))

	return &Evaluator{
		provider: provider,
		cache:    marshaler.New(cache.New[any](redisStore)),
		ttl:      ttl,
		now:      time.Now,
	}
}

func driverZonesKey(driverID string) string {
	return "geofences:driver:" + driverID
}

func (e *Evaluator) zonesForDriver(ctx context.Context, driverID string, companyID string) ([]model.GeofenceDefinition, error) {
	key := driverZonesKey(driverID)

	var cached cachedZones
	if _, err := e.cache.Get(ctx, key, &cached); err == nil {
		return cached.Zones, nil
	}

	zones, err := e.provider.ZonesForCompany(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("load geofences for company %s: %w", companyID, err)
	}

	if err := e.cache.Set(ctx, key, &cachedZones{Zones: zones}, store.WithExpiration(e.ttl)); err != nil {
		log.Warn().Err(err).Str("driver", driverID).Msg("Failed to cache geofences")
	}

	return zones, nil
}

// Evaluate compares zone membership at the previous and current points. Without a
// previous point only membership is reported. Dwell transitions are not produced.
func (e *Evaluator) Evaluate(ctx context.Context, driverID string, companyID string, previous *model.Point, current model.Point) (*Evaluation, error) {
	zones, err := e.zonesForDriver(ctx, driverID, companyID)
	if err != nil {
		return nil, err
	}

	index := newZoneIndex(zones)
	currentMatches := index.containing(current)

	evaluation := &Evaluation{
		CurrentZones: sortedZoneIDs(currentMatches),
		EnteredZones: []string{},
		ExitedZones:  []string{},
		Events:       []model.GeofenceEvent{},
	}

	if previous == nil {
		return evaluation, nil
	}

	previousMatches := index.containing(*previous)
	now := e.now()

	for _, id := range evaluation.CurrentZones {
		zone := currentMatches[id]
		if _, wasInside := previousMatches[id]; wasInside {
			continue
		}

		evaluation.EnteredZones = append(evaluation.EnteredZones, id)
		if zone.AlertOnEntry {
			evaluation.Events = append(evaluation.Events, newEvent(driverID, companyID, zone, model.GeofenceEventEntry, current, now))
		}
	}

	for _, id := range sortedZoneIDs(previousMatches) {
		zone := previousMatches[id]
		if _, stillInside := currentMatches[id]; stillInside {
			continue
		}

		evaluation.ExitedZones = append(evaluation.ExitedZones, id)
		if zone.AlertOnExit {
			evaluation.Events = append(evaluation.Events, newEvent(driverID, companyID, zone, model.GeofenceEventExit, current, now))
		}
	}

	return evaluation, nil
}

func newEvent(driverID string, companyID string, zone *model.GeofenceDefinition, eventType model.GeofenceEventType, location model.Point, at time.Time) model.GeofenceEvent {
	return model.GeofenceEvent{
		ID:         uuid.NewString(),
		DriverID:   driverID,
		CompanyID:  companyID,
		GeofenceID: zone.ID,
		Type:       eventType,
		Location:   location,
		Timestamp:  at,
	}
}

// sortedZoneIDs orders by descending priority, then id.
func sortedZoneIDs(zones map[string]*model.GeofenceDefinition) []string {
	ids := make([]string, 0, len(zones))
	for id := range zones {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		a, b := zones[ids[i]], zones[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})

	return ids
}

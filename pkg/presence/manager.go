package presence

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/travigo/fleettrack/pkg/events"
	"github.com/travigo/fleettrack/pkg/model"
)

const (
	DefaultGrace   = 30 * time.Second
	DefaultTimeout = 8 * time.Millisecond

	presenceTTL = 24 * time.Hour

	ReasonStatusUpdate      = "status_update"
	ReasonDisconnectTimeout = "disconnect_timeout"
)

func presenceKey(driverID string) string {
	return "driver:presence:" + driverID
}

// ActiveRemover takes a driver out of the active set once it goes offline.
type ActiveRemover interface {
	RemoveActive(ctx context.Context, driverID string, companyID string) error
}

// StatusUpdate carries a partial presence change. Nil fields leave the stored value untouched.
type StatusUpdate struct {
	DriverID  string
	CompanyID string

	Online            *bool
	Available         *bool
	CurrentJobID      *string
	BatteryLevel      *int
	ConnectionQuality *model.ConnectionQuality
}

type Manager struct {
	client  redis.UniversalClient
	active  ActiveRemover
	bus     *events.Bus
	grace   time.Duration
	timeout time.Duration

	mutex       sync.Mutex
	timers      map[string]*time.Timer
	connections map[string]int

	now func() time.Time
}

func NewManager(client redis.UniversalClient, active ActiveRemover, bus *events.Bus, grace time.Duration, timeout time.Duration) *Manager {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Manager{
		client:  client,
		active:  active,
		bus:     bus,
		grace:   grace,
		timeout: timeout,
		timers:  map[string]*time.Timer{},
		now:     time.Now,

		connections: map[string]int{},
	}
}

func (m *Manager) Get(ctx context.Context, driverID string) (*model.DriverPresence, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	fields, err := m.client.HGetAll(ctx, presenceKey(driverID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrCacheUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	return decodePresence(driverID, fields), nil
}

func (m *Manager) save(ctx context.Context, presence *model.DriverPresence) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	key := presenceKey(presence.DriverID)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, encodePresence(presence))
		pipe.Expire(ctx, key, presenceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrCacheUnavailable, err)
	}
	return nil
}

// UpdateStatus merges the update onto the stored presence and broadcasts the result.
// Going offline explicitly removes the driver from the active set straight away.
func (m *Manager) UpdateStatus(ctx context.Context, update StatusUpdate) (*model.DriverPresence, error) {
	if update.ConnectionQuality != nil && !update.ConnectionQuality.Valid() {
		return nil, model.NewValidationError("connectionQuality", "must be one of excellent, good, poor, offline")
	}
	if update.BatteryLevel != nil && (*update.BatteryLevel < 0 || *update.BatteryLevel > 100) {
		return nil, model.NewValidationError("batteryLevel", "must be between 0 and 100")
	}

	presence, err := m.Get(ctx, update.DriverID)
	if err != nil {
		return nil, err
	}
	if presence == nil {
		presence = &model.DriverPresence{
			DriverID:          update.DriverID,
			CompanyID:         update.CompanyID,
			Online:            true,
			Available:         true,
			ConnectionQuality: model.ConnectionQualityGood,
		}
	}

	if err := copier.CopyWithOption(presence, &update, copier.Option{IgnoreEmpty: true}); err != nil {
		return nil, fmt.Errorf("merge status update: %w", err)
	}
	presence.UpdatedAt = m.now()

	if err := m.save(ctx, presence); err != nil {
		return nil, err
	}

	if !presence.Online {
		if err := m.active.RemoveActive(ctx, presence.DriverID, presence.CompanyID); err != nil {
			return nil, err
		}
	}

	m.bus.PresenceChanged.Publish(events.PresenceChanged{
		Presence: *presence,
		Reason:   ReasonStatusUpdate,
		At:       presence.UpdatedAt,
	})

	return presence, nil
}

// Connected counts an open connection for the driver and cancels a pending
// disconnect timeout, if there is one.
func (m *Manager) Connected(ctx context.Context, driverID string, companyID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.connections[driverID]++

	if timer, ok := m.timers[driverID]; ok {
		timer.Stop()
		delete(m.timers, driverID)
		log.Debug().Str("driver", driverID).Str("company", companyID).Msg("Driver reconnected within grace period")
	}
}

// Disconnected releases one of the driver's connections. Once none are left it starts
// the grace timer after which the driver is marked offline. A newer disconnect for the
// same driver replaces the pending timer.
func (m *Manager) Disconnected(driverID string, companyID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if open := m.connections[driverID]; open > 1 {
		m.connections[driverID] = open - 1
		return
	}
	delete(m.connections, driverID)

	if timer, ok := m.timers[driverID]; ok {
		timer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(m.grace, func() {
		m.expire(driverID, companyID, timer)
	})
	m.timers[driverID] = timer
}

func (m *Manager) expire(driverID string, companyID string, timer *time.Timer) {
	m.mutex.Lock()
	if m.timers[driverID] != timer {
		m.mutex.Unlock()
		return
	}
	delete(m.timers, driverID)
	m.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	presence, err := m.Get(ctx, driverID)
	if err != nil {
		log.Error().Err(err).Str("driver", driverID).Msg("Failed to load presence for offline transition")
	}
	if presence == nil {
		presence = &model.DriverPresence{DriverID: driverID, CompanyID: companyID}
	}

	presence.Online = false
	presence.Available = false
	presence.ConnectionQuality = model.ConnectionQualityOffline
	presence.UpdatedAt = m.now()
	if presence.CompanyID == "" {
		presence.CompanyID = companyID
	}

	if err := m.save(ctx, presence); err != nil {
		log.Error().Err(err).Str("driver", driverID).Msg("Failed to save offline presence")
	}
	if err := m.active.RemoveActive(ctx, driverID, presence.CompanyID); err != nil {
		log.Error().Err(err).Str("driver", driverID).Msg("Failed to remove driver from active set")
	}

	log.Info().Str("driver", driverID).Str("company", presence.CompanyID).Msg("Driver marked offline after disconnect")

	m.bus.PresenceChanged.Publish(events.PresenceChanged{
		Presence: *presence,
		Reason:   ReasonDisconnectTimeout,
		At:       presence.UpdatedAt,
	})
}

func (m *Manager) PendingDisconnects() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.timers)
}

// Close stops every pending timer without marking anyone offline.
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for driverID, timer := range m.timers {
		timer.Stop()
		delete(m.timers, driverID)
	}
	clear(m.connections)
}

func encodePresence(presence *model.DriverPresence) map[string]interface{} {
	fields := map[string]interface{}{
		"companyId":         presence.CompanyID,
		"online":            strconv.FormatBool(presence.Online),
		"available":         strconv.FormatBool(presence.Available),
		"connectionQuality": string(presence.ConnectionQuality),
		"updatedAt":         presence.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if presence.CurrentJobID != nil {
		fields["currentJobId"] = *presence.CurrentJobID
	}
	if presence.BatteryLevel != nil {
		fields["batteryLevel"] = strconv.Itoa(*presence.BatteryLevel)
	}
	return fields
}

func decodePresence(driverID string, fields map[string]string) *model.DriverPresence {
	presence := &model.DriverPresence{
		DriverID:          driverID,
		CompanyID:         fields["companyId"],
		Online:            fields["online"] == "true",
		Available:         fields["available"] == "true",
		ConnectionQuality: model.ConnectionQuality(fields["connectionQuality"]),
	}

	if jobID, ok := fields["currentJobId"]; ok {
		presence.CurrentJobID = &jobID
	}
	if raw, ok := fields["batteryLevel"]; ok {
		if level, err := strconv.Atoi(raw); err == nil {
			presence.BatteryLevel = &level
		}
	}
	presence.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updatedAt"])

	return presence
}
